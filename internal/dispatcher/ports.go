package dispatcher

import (
	"context"

	"github.com/nao1215/notifan/internal/notification"
)

// RecordStore は通知レコードの作成とPENDING遷移を行う。
type RecordStore interface {
	Create(ctx context.Context, req notification.CreateRequest) (notification.Record, error)
	SetPending(ctx context.Context, clientID, id int64) error
}
