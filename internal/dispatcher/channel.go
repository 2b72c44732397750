package dispatcher

import (
	"strings"

	"github.com/nao1215/notifan/internal/directory"
	"github.com/nao1215/notifan/pkg/event"
)

// channels は配信を試みる順序。
var channels = []event.Channel{event.ChannelEmail, event.ChannelPhone, event.ChannelTelegram}

// Channels は配信チャネルを固定の順序で返す。
func Channels() []event.Channel {
	out := make([]event.Channel, len(channels))
	copy(out, channels)
	return out
}

// ShouldDispatch は宛先に空白以外の文字が含まれる場合にtrueを返す。
func ShouldDispatch(credential string) bool {
	return strings.TrimSpace(credential) != ""
}

// Credential は受信者のチャネル別の宛先を返す。
func Credential(r *directory.Recipient, ch event.Channel) string {
	if r == nil {
		return ""
	}
	switch ch {
	case event.ChannelEmail:
		return r.Email
	case event.ChannelPhone:
		return r.PhoneNumber
	case event.ChannelTelegram:
		return r.TelegramID
	default:
		return ""
	}
}

// Topics はチャネルごとの発行先トピック。
type Topics struct {
	Email    string
	Phone    string
	Telegram string
}

// For はチャネルの発行先トピックを返す。
func (t Topics) For(ch event.Channel) (string, bool) {
	var topic string
	switch ch {
	case event.ChannelEmail:
		topic = t.Email
	case event.ChannelPhone:
		topic = t.Phone
	case event.ChannelTelegram:
		topic = t.Telegram
	}
	return topic, topic != ""
}
