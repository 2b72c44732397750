package dispatcher

import (
	"testing"

	"github.com/nao1215/notifan/internal/directory"
	"github.com/nao1215/notifan/pkg/event"
)

func TestShouldDispatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		credential string
		want       bool
	}{
		{name: "メールアドレス", credential: "a@example.com", want: true},
		{name: "前後に空白がある宛先", credential: "  +81-90  ", want: true},
		{name: "空文字列", credential: "", want: false},
		{name: "空白のみ", credential: " \t\n", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ShouldDispatch(tt.credential); got != tt.want {
				t.Errorf("ShouldDispatch(%q) = %v, want %v", tt.credential, got, tt.want)
			}
		})
	}
}

func TestChannels(t *testing.T) {
	t.Parallel()

	got := Channels()
	want := []event.Channel{event.ChannelEmail, event.ChannelPhone, event.ChannelTelegram}
	if len(got) != len(want) {
		t.Fatalf("len(Channels()) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Channels()[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	got[0] = "FAX"
	if Channels()[0] != event.ChannelEmail {
		t.Error("Channels()の戻り値の変更が内部の順序に影響した")
	}
}

func TestCredential(t *testing.T) {
	t.Parallel()

	r := &directory.Recipient{ID: 1, Email: "a@example.com", PhoneNumber: "+81-90", TelegramID: "@a"}
	tests := []struct {
		ch   event.Channel
		want string
	}{
		{ch: event.ChannelEmail, want: "a@example.com"},
		{ch: event.ChannelPhone, want: "+81-90"},
		{ch: event.ChannelTelegram, want: "@a"},
		{ch: "FAX", want: ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.ch), func(t *testing.T) {
			t.Parallel()
			if got := Credential(r, tt.ch); got != tt.want {
				t.Errorf("Credential(%s) = %q, want %q", tt.ch, got, tt.want)
			}
		})
	}

	t.Run("受信者がnilの場合は空文字列", func(t *testing.T) {
		t.Parallel()
		if got := Credential(nil, event.ChannelEmail); got != "" {
			t.Errorf("Credential(nil) = %q, want empty", got)
		}
	})
}

func TestTopicsFor(t *testing.T) {
	t.Parallel()

	topics := Topics{Email: "e", Phone: "p"}
	if got, ok := topics.For(event.ChannelPhone); !ok || got != "p" {
		t.Errorf("For(PHONE) = %q, %v", got, ok)
	}
	if _, ok := topics.For(event.ChannelTelegram); ok {
		t.Error("未設定のトピックでokが返った")
	}
}
