package dispatcher

import (
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nao1215/notifan/internal/bus"
	"github.com/nao1215/notifan/internal/directory"
	"github.com/nao1215/notifan/pkg/event"
)

var testTemplate = json.RawMessage(`{"id":42,"title":"避難指示","body":"直ちに避難してください"}`)

func batchOf(ids ...int64) event.BatchDispatch {
	return event.BatchDispatch{ClientID: 1, Template: testTemplate, RecipientIDs: ids}
}

func fullRecipient(id int64) *directory.Recipient {
	return &directory.Recipient{ID: id, Email: "r@example.com", PhoneNumber: "+81-90-0000-0000", TelegramID: "@r"}
}

func TestDispatchEmptyBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.dispatcher.Dispatch(t.Context(), batchOf())

	assert.Empty(t, h.directory.lookups())
	assert.Empty(t, h.store.all())
	assert.Empty(t, h.publisher.messages())
	assert.Empty(t, h.failureKinds())
}

func TestDispatchSingleCredential(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.directory.set(10, &directory.Recipient{ID: 10, PhoneNumber: "+81-90-1111-2222"}, nil)

	h.dispatcher.Dispatch(t.Context(), batchOf(10))

	records := h.store.all()
	require.Len(t, records, 1)
	assert.Equal(t, event.ChannelPhone, records[0].Type)
	assert.Equal(t, "PENDING", string(records[0].Status))

	msgs := h.publisher.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, testTopics.Phone, msgs[0].topic)
	assert.Equal(t, "10", msgs[0].key)

	ev, data := decodeDispatch(t, msgs[0].payload)
	assert.Equal(t, event.TypeNotificationDispatched, ev.EventType)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, records[0].ID, data.ID)
	assert.Equal(t, event.ChannelPhone, data.Type)
	assert.Equal(t, "PENDING", data.Status)
	assert.Equal(t, "+81-90-1111-2222", data.Credential)
	assert.Equal(t, int64(1), data.ClientID)
	assert.Equal(t, int64(10), data.RecipientID)
	assert.JSONEq(t, string(testTemplate), string(data.Template))

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.dispatched.WithLabelValues("PHONE")))
}

func TestDispatchAllChannels(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.directory.set(10, fullRecipient(10), nil)

	h.dispatcher.Dispatch(t.Context(), batchOf(10))

	records := h.store.all()
	require.Len(t, records, 3)
	assert.Equal(t, []event.Channel{event.ChannelEmail, event.ChannelPhone, event.ChannelTelegram},
		[]event.Channel{records[0].Type, records[1].Type, records[2].Type})

	assert.Equal(t, []string{testTopics.Email, testTopics.Phone, testTopics.Telegram}, h.publisher.topics())

	want := map[string]string{
		testTopics.Email:    "r@example.com",
		testTopics.Phone:    "+81-90-0000-0000",
		testTopics.Telegram: "@r",
	}
	for _, m := range h.publisher.messages() {
		_, data := decodeDispatch(t, m.payload)
		assert.Equal(t, want[m.topic], data.Credential, "topic=%s", m.topic)
		assert.Equal(t, int64(10), data.RecipientID)
	}
}

func TestDispatchSkipsBlankCredentials(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.directory.set(10, &directory.Recipient{ID: 10, Email: "   ", PhoneNumber: "", TelegramID: "@r"}, nil)

	h.dispatcher.Dispatch(t.Context(), batchOf(10))

	assert.Equal(t, []string{testTopics.Telegram}, h.publisher.topics())
	assert.Empty(t, h.failureKinds())
}

func TestDispatchRecipientIsolation(t *testing.T) {
	t.Parallel()

	t.Run("Lookupに失敗した受信者の後続も処理されること", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.directory.set(10, nil, directory.ErrUnavailable)
		h.directory.set(11, fullRecipient(11), nil)

		h.dispatcher.Dispatch(t.Context(), batchOf(10, 11))

		assert.Equal(t, []int64{10, 11}, h.directory.lookups())
		assert.Len(t, h.publisher.messages(), 3)
		assert.Equal(t, []string{string(KindRecipientLookupFailed)}, h.failureKinds())

		entry := h.logs.FilterMessage("通知の配信に失敗").All()[0].ContextMap()
		assert.Equal(t, "unavailable", entry["reason"])
		assert.Equal(t, int64(10), entry["recipient_id"])
		assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.failures.WithLabelValues(string(KindRecipientLookupFailed), "")))
	})

	t.Run("存在しない受信者はnot_foundとして記録されること", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.directory.set(11, fullRecipient(11), nil)

		h.dispatcher.Dispatch(t.Context(), batchOf(99, 11))

		assert.Len(t, h.publisher.messages(), 3)
		entry := h.logs.FilterMessage("通知の配信に失敗").All()[0].ContextMap()
		assert.Equal(t, string(KindRecipientLookupFailed), entry["kind"])
		assert.Equal(t, "not_found", entry["reason"])
	})

	t.Run("空の応答はrecipient-absentとして記録されること", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.directory.set(10, nil, nil)
		h.directory.set(11, fullRecipient(11), nil)

		h.dispatcher.Dispatch(t.Context(), batchOf(10, 11))

		assert.Equal(t, []string{string(KindRecipientAbsent)}, h.failureKinds())
		assert.Len(t, h.store.all(), 3)
	})

	t.Run("Lookupのタイムアウトは失敗として扱われること", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, func(c *Config) { c.LookupTimeout = 20 * time.Millisecond })
		h.directory.block = true

		start := time.Now()
		h.dispatcher.Dispatch(t.Context(), batchOf(10, 11))

		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, []string{string(KindRecipientLookupFailed), string(KindRecipientLookupFailed)}, h.failureKinds())
		assert.Empty(t, h.store.all())
	})
}

func TestDispatchChannelIsolation(t *testing.T) {
	t.Parallel()

	t.Run("EMAILの作成に失敗してもPHONEは配信されること", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.store.createErr[event.ChannelEmail] = errors.New("disk full")
		h.directory.set(10, &directory.Recipient{ID: 10, Email: "a@example.com", PhoneNumber: "+81-90"}, nil)

		h.dispatcher.Dispatch(t.Context(), batchOf(10))

		assert.Equal(t, []string{testTopics.Phone}, h.publisher.topics())
		assert.Equal(t, []string{string(KindRecordCreationFailed)}, h.failureKinds())
		assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.failures.WithLabelValues(string(KindRecordCreationFailed), "EMAIL")))
	})

	t.Run("PENDING遷移に失敗したレコードは発行されないこと", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.store.setPendingErr[event.ChannelEmail] = errors.New("database is locked")
		h.directory.set(10, fullRecipient(10), nil)

		h.dispatcher.Dispatch(t.Context(), batchOf(10))

		assert.Equal(t, []string{testTopics.Phone, testTopics.Telegram}, h.publisher.topics())
		assert.Equal(t, []string{string(KindPendingTransitionFailed)}, h.failureKinds())

		records := h.store.all()
		require.Len(t, records, 3)
		assert.Equal(t, "CREATED", string(records[0].Status))
		assert.NotContains(t, h.log.all(), "publish:1")
	})

	t.Run("発行に失敗してもレコードはPENDINGのまま後続が処理されること", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.publisher.failures[testTopics.Email] = 100
		h.directory.set(10, fullRecipient(10), nil)
		h.directory.set(11, &directory.Recipient{ID: 11, Email: "b@example.com", TelegramID: "@b"}, nil)

		h.dispatcher.Dispatch(t.Context(), batchOf(10, 11))

		assert.Equal(t, []string{testTopics.Phone, testTopics.Telegram, testTopics.Telegram}, h.publisher.topics())
		assert.Equal(t, []string{string(KindPublishFailed), string(KindPublishFailed)}, h.failureKinds())
		for _, rec := range h.store.all() {
			assert.Equal(t, "PENDING", string(rec.Status), "record=%d", rec.ID)
		}
	})
}

func TestDispatchOrdering(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.directory.set(10, fullRecipient(10), nil)
	h.directory.set(11, &directory.Recipient{ID: 11, PhoneNumber: "+81-80"}, nil)

	h.dispatcher.Dispatch(t.Context(), batchOf(10, 11))

	entries := h.log.all()
	for _, rec := range h.store.all() {
		created := slices.Index(entries, "create:"+itoa(rec.ID))
		pending := slices.Index(entries, "setPending:"+itoa(rec.ID))
		publish := slices.Index(entries, "publish:"+itoa(rec.ID))
		require.NotEqual(t, -1, pending, "record=%d", rec.ID)
		require.NotEqual(t, -1, publish, "record=%d", rec.ID)
		assert.Less(t, created, pending, "record=%d", rec.ID)
		assert.Less(t, pending, publish, "record=%d", rec.ID)
	}
}

func TestDispatchPublishRetry(t *testing.T) {
	t.Parallel()

	t.Run("一時的な失敗は再試行で回復すること", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.publisher.failures[testTopics.Email] = 2
		h.directory.set(10, &directory.Recipient{ID: 10, Email: "a@example.com"}, nil)

		h.dispatcher.Dispatch(t.Context(), batchOf(10))

		assert.Equal(t, []string{testTopics.Email}, h.publisher.topics())
		assert.Equal(t, 3, h.publisher.attempts)
		assert.Empty(t, h.failureKinds())
	})

	t.Run("試行回数を超えるとpublish-failedになること", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.publisher.failures[testTopics.Email] = 3
		h.directory.set(10, &directory.Recipient{ID: 10, Email: "a@example.com"}, nil)

		h.dispatcher.Dispatch(t.Context(), batchOf(10))

		assert.Empty(t, h.publisher.messages())
		assert.Equal(t, 3, h.publisher.attempts)
		assert.Equal(t, []string{string(KindPublishFailed)}, h.failureKinds())
	})

	t.Run("クローズ済みのバスには再試行しないこと", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.publisher.err = bus.ErrClosed
		h.directory.set(10, &directory.Recipient{ID: 10, Email: "a@example.com"}, nil)

		h.dispatcher.Dispatch(t.Context(), batchOf(10))

		assert.Equal(t, 1, h.publisher.attempts)
		assert.Equal(t, []string{string(KindPublishFailed)}, h.failureKinds())
	})
}

func TestDispatchDuplicates(t *testing.T) {
	t.Parallel()

	t.Run("同じバッチを2回処理すると通知も2倍になること", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.directory.set(10, fullRecipient(10), nil)

		h.dispatcher.Dispatch(t.Context(), batchOf(10))
		h.dispatcher.Dispatch(t.Context(), batchOf(10))

		assert.Len(t, h.store.all(), 6)
		assert.Len(t, h.publisher.messages(), 6)
	})

	t.Run("重複した受信者IDはそれぞれ処理されること", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.directory.set(10, &directory.Recipient{ID: 10, Email: "a@example.com"}, nil)

		h.dispatcher.Dispatch(t.Context(), batchOf(10, 10))

		assert.Equal(t, []int64{10, 10}, h.directory.lookups())
		assert.Len(t, h.publisher.messages(), 2)
	})
}

func TestDispatchRecoversPanic(t *testing.T) {
	t.Parallel()

	t.Run("問い合わせでパニックしても後続の受信者を処理すること", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.directory.panicIDs[10] = true
		h.directory.set(11, fullRecipient(11), nil)

		assert.NotPanics(t, func() {
			h.dispatcher.Dispatch(t.Context(), batchOf(10, 11))
		})

		assert.Equal(t, []int64{10, 11}, h.directory.lookups())
		records := h.store.all()
		require.Len(t, records, 3)
		for _, rec := range records {
			assert.Equal(t, int64(11), rec.RecipientID)
			assert.Equal(t, "PENDING", string(rec.Status))
		}
		assert.Equal(t, []string{testTopics.Email, testTopics.Phone, testTopics.Telegram}, h.publisher.topics())

		entries := h.logs.FilterMessage("通知の配信に失敗").All()
		require.Len(t, entries, 1)
		fields := entries[0].ContextMap()
		assert.Equal(t, string(KindRecipientLookupFailed), fields["kind"])
		assert.Equal(t, int64(10), fields["recipient_id"])
		assert.Equal(t, "panic", fields["reason"])
		assert.Equal(t, 1, h.logs.FilterMessage("通知の処理中にパニックが発生").Len())
		assert.Zero(t, h.logs.FilterMessage("バッチ処理中にパニックが発生").Len())
	})

	t.Run("レコード作成でパニックしても他のチャネルを処理すること", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.store.createPanic[event.ChannelEmail] = true
		h.directory.set(10, fullRecipient(10), nil)
		h.directory.set(11, fullRecipient(11), nil)

		h.dispatcher.Dispatch(t.Context(), batchOf(10, 11))

		assert.Equal(t, []string{
			testTopics.Phone, testTopics.Telegram,
			testTopics.Phone, testTopics.Telegram,
		}, h.publisher.topics())
		assert.Equal(t, []string{string(KindRecordCreationFailed), string(KindRecordCreationFailed)}, h.failureKinds())
		assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.failures.WithLabelValues(string(KindRecordCreationFailed), string(event.ChannelEmail))))
	})
}

func TestDispatchUsesResolvedRecipientID(t *testing.T) {
	t.Parallel()

	t.Run("ディレクトリが返した受信者IDでレコードを作ること", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.directory.set(10, &directory.Recipient{ID: 1010, Email: "a@example.com"}, nil)

		h.dispatcher.Dispatch(t.Context(), batchOf(10))

		records := h.store.all()
		require.Len(t, records, 1)
		assert.Equal(t, int64(1010), records[0].RecipientID)
		msgs := h.publisher.messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "1010", msgs[0].key)
	})

	t.Run("受信者IDが返らない場合はバッチのIDを使うこと", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.directory.set(10, &directory.Recipient{Email: "a@example.com"}, nil)

		h.dispatcher.Dispatch(t.Context(), batchOf(10))

		records := h.store.all()
		require.Len(t, records, 1)
		assert.Equal(t, int64(10), records[0].RecipientID)
	})
}

func TestDispatchSpans(t *testing.T) {
	t.Parallel()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(t.Context()) })

	h := newHarness(t)
	h.withTracer(tp)
	h.store.createErr[event.ChannelTelegram] = errors.New("constraint failed")
	h.directory.set(10, fullRecipient(10), nil)

	h.dispatcher.Dispatch(t.Context(), batchOf(10))

	spans := sr.Ended()
	var batchSpan sdktrace.ReadOnlySpan
	var channelSpans []sdktrace.ReadOnlySpan
	for _, s := range spans {
		switch s.Name() {
		case "dispatcher.batch":
			batchSpan = s
		case "dispatcher.channel":
			channelSpans = append(channelSpans, s)
		}
	}
	require.NotNil(t, batchSpan)
	require.Len(t, channelSpans, 3)
	for _, s := range channelSpans {
		assert.Equal(t, batchSpan.SpanContext().SpanID(), s.Parent().SpanID())
	}
	assert.Equal(t, "record-creation-failed", channelSpans[2].Status().Description)
}

func TestNewRequiresTopics(t *testing.T) {
	t.Parallel()

	_, err := New(newFakeDirectory(), newFakeStore(&callLog{}), newFakePublisher(&callLog{}),
		Config{Topics: Topics{Email: "e", Phone: "p"}}, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "TELEGRAM"), err.Error())
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
