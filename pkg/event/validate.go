package event

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate はvalidateタグを解釈するバリデータ。並行利用しても安全。
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate はバッチ配信イベントの必須項目を検証する。
// 受信者IDが空のバッチは正常（何もしない）として扱うため検証しない。
func (b *BatchDispatch) Validate() error {
	if err := validate.Struct(b); err != nil {
		return fmt.Errorf("バッチ配信イベントが不正です: %w", err)
	}
	return nil
}
