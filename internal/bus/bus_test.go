package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/amrclass/internal/domain"
)

func waitFor(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timeout waiting for messages")
	}
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var receivedMsg *domain.Message
		var wg sync.WaitGroup
		wg.Add(1)

		_, err := bus.Subscribe(ctx, domain.TopicAuditClassification, func(ctx context.Context, msg *domain.Message) error {
			receivedMsg = msg
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, domain.TopicAuditClassification, []byte(`{"resourceType":"AuditEvent"}`)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		waitFor(t, &wg, time.Second)

		if string(receivedMsg.Payload) != `{"resourceType":"AuditEvent"}` {
			t.Errorf("unexpected payload %q", receivedMsg.Payload)
		}
		if receivedMsg.ID == "" || receivedMsg.Topic != domain.TopicAuditClassification {
			t.Errorf("envelope not populated: %+v", receivedMsg)
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var audit, reload atomic.Int32
		var wg sync.WaitGroup
		wg.Add(1)

		_, _ = bus.Subscribe(ctx, "iso.audit", func(ctx context.Context, msg *domain.Message) error {
			audit.Add(1)
			wg.Done()
			return nil
		})
		_, _ = bus.Subscribe(ctx, "iso.reload", func(ctx context.Context, msg *domain.Message) error {
			reload.Add(1)
			return nil
		})

		_ = bus.Publish(ctx, "iso.audit", []byte("a"))
		waitFor(t, &wg, time.Second)
		time.Sleep(20 * time.Millisecond)

		if audit.Load() != 1 || reload.Load() != 0 {
			t.Errorf("audit=%d reload=%d, want 1 and 0", audit.Load(), reload.Load())
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32
		var wg sync.WaitGroup
		wg.Add(1)

		sub, _ := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			wg.Done()
			return nil
		})

		_ = bus.Publish(ctx, "unsub.topic", []byte("msg1"))
		waitFor(t, &wg, time.Second)

		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe failed: %v", err)
		}
		_ = bus.Publish(ctx, "unsub.topic", []byte("msg2"))
		time.Sleep(20 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(2)
		for range 2 {
			_, _ = bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
				wg.Done()
				return nil
			})
		}
		_ = bus.Publish(ctx, "multi.topic", []byte("broadcast"))
		waitFor(t, &wg, time.Second)
	})

	t.Run("HandlerErrorDoesNotStopSubscription", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(2)
		_, _ = bus.Subscribe(ctx, "err.topic", func(ctx context.Context, msg *domain.Message) error {
			wg.Done()
			return errors.New("repository unavailable")
		})
		_ = bus.Publish(ctx, "err.topic", []byte("1"))
		_ = bus.Publish(ctx, "err.topic", []byte("2"))
		waitFor(t, &wg, time.Second)
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, "my.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if sub.Topic() != "my.topic" {
			t.Errorf("expected topic 'my.topic', got '%s'", sub.Topic())
		}
	})
}

func TestChannelBusDropsWhenFull(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()

	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	_, _ = bus.Subscribe(ctx, "slow.topic", func(ctx context.Context, msg *domain.Message) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})

	_ = bus.Publish(ctx, "slow.topic", []byte("1"))
	<-started
	_ = bus.Publish(ctx, "slow.topic", []byte("2")) // fills the buffer
	_ = bus.Publish(ctx, "slow.topic", []byte("3")) // dropped
	close(release)

	if got := bus.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)
	ctx := context.Background()

	_, _ = bus.Subscribe(ctx, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}

	if err := bus.Publish(ctx, "close.topic", []byte("data")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
	if _, err := bus.Subscribe(ctx, "close.topic", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on subscribe, got %v", err)
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		bus, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 50})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		if _, ok := bus.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()
	const messageCount = 100

	var received atomic.Int32
	var wg sync.WaitGroup
	wg.Add(messageCount)

	_, _ = bus.Subscribe(ctx, "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	for range messageCount {
		_ = bus.Publish(ctx, "load.topic", []byte("msg"))
	}

	waitFor(t, &wg, 5*time.Second)
	if received.Load() != messageCount {
		t.Errorf("expected %d messages, got %d", messageCount, received.Load())
	}
}

func TestFromNATS(t *testing.T) {
	m := nats.NewMsg(domain.TopicAuditClassification)
	m.Data = []byte(`{"resourceType":"AuditEvent"}`)
	m.Header.Set(headerMessageID, "msg-1")
	m.Header.Set(headerTimestamp, "1740830400000000000")
	m.Header.Set("Amrclass-Source", "lab-a")

	msg := fromNATS(m)
	if msg.ID != "msg-1" || msg.Timestamp != 1740830400000000000 {
		t.Errorf("headers not mapped: id=%q ts=%d", msg.ID, msg.Timestamp)
	}
	if msg.Topic != domain.TopicAuditClassification || string(msg.Payload) != string(m.Data) {
		t.Errorf("unexpected topic/payload: %s %s", msg.Topic, msg.Payload)
	}
	if msg.Metadata["Amrclass-Source"] != "lab-a" {
		t.Errorf("expected extra header in metadata, got %v", msg.Metadata)
	}

	bare := fromNATS(&nats.Msg{Subject: "amrclass.rules.reloaded"})
	if bare.ID != "" || bare.Metadata != nil {
		t.Errorf("message without headers should map to zero id and metadata: %+v", bare)
	}
}
