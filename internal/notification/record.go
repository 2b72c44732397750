package notification

import (
	"encoding/json"
	"time"

	"github.com/nao1215/notifan/pkg/event"
)

// Status は通知レコードのライフサイクル状態。
type Status string

const (
	// StatusCreated は作成直後の状態。まだ配信イベントは発行されていない。
	StatusCreated Status = "CREATED"
	// StatusPending は配信パイプラインへ引き渡し済みの状態。
	StatusPending Status = "PENDING"
)

// CreateRequest は通知レコード作成リクエスト。
type CreateRequest struct {
	// Type は配信チャネル。
	Type event.Channel
	// Credential はチャネルの宛先。
	Credential string
	// Template はテンプレート履歴。
	Template json.RawMessage
	// RecipientID は受信者のID。
	RecipientID int64
	// ClientID はクライアントのID。
	ClientID int64
}

// Record は永続化された通知レコード。
type Record struct {
	ID          int64           `json:"id"`
	Type        event.Channel   `json:"type"`
	Status      Status          `json:"status"`
	Credential  string          `json:"credential"`
	ClientID    int64           `json:"clientId"`
	RecipientID int64           `json:"recipientId"`
	Template    json.RawMessage `json:"template,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Dispatch はレコードを配信イベントのデータに写像する。
// 発行はPENDING遷移の後に行うため、Statusは常にPENDINGとして埋める。
func (r Record) Dispatch() event.NotificationDispatch {
	return event.NotificationDispatch{
		ID:          r.ID,
		Type:        r.Type,
		Status:      string(StatusPending),
		Credential:  r.Credential,
		ClientID:    r.ClientID,
		RecipientID: r.RecipientID,
		Template:    r.Template,
		CreatedAt:   r.CreatedAt,
	}
}
