package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connectias/pluginhost/internal/domain/message"
	herr "github.com/connectias/pluginhost/internal/obs/errors"
)

func startBroker(t *testing.T, b *Broker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	return cancel
}

func TestPublishSubscribe_Delivery(t *testing.T) {
	b := New(nil, nil)
	cancel := startBroker(t, b)
	defer cancel()

	var mu sync.Mutex
	var received []message.Message
	done := make(chan struct{}, 1)

	err := b.Subscribe("plugin.a", "orders.*", func(m message.Message) {
		mu.Lock()
		received = append(received, m)
		mu.Unlock()
		done <- struct{}{}
	}, nil)
	require.NoError(t, err)

	msg := message.New("orders.created", "plugin.b", []byte("payload"), message.TypeEvent, message.PriorityNormal)
	require.NoError(t, b.Publish(msg))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "orders.created", received[0].Topic)
}

func TestRateLimiting_BlocksAfterThreshold(t *testing.T) {
	b := New(nil, nil, WithRates(100, 2))
	cancel := startBroker(t, b)
	defer cancel()

	ok1 := b.Publish(message.New("t", "plugin.x", nil, message.TypeEvent, message.PriorityNormal))
	ok2 := b.Publish(message.New("t", "plugin.x", nil, message.TypeEvent, message.PriorityNormal))
	require.NoError(t, ok1)
	require.NoError(t, ok2)

	err := b.Publish(message.New("t", "plugin.x", nil, message.TypeEvent, message.PriorityNormal))
	require.Error(t, err)
	assert.True(t, herr.Is(err, herr.KindRateLimited))
}

func TestFilters_Block(t *testing.T) {
	b := New(nil, nil)
	cancel := startBroker(t, b)
	defer cancel()

	delivered := make(chan struct{}, 1)
	err := b.Subscribe("plugin.a", "blocked.topic", func(message.Message) {
		delivered <- struct{}{}
	}, &message.Filter{TopicPattern: "blocked.topic", Action: message.FilterBlock})
	require.NoError(t, err)

	err = b.Publish(message.New("blocked.topic", "plugin.b", nil, message.TypeEvent, message.PriorityNormal))
	require.Error(t, err)
	assert.True(t, herr.Is(err, herr.KindFilteredOut))

	select {
	case <-delivered:
		t.Fatal("blocked message should not be delivered")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRequest_TimesOutWithoutResponse(t *testing.T) {
	b := New(nil, nil)
	cancel := startBroker(t, b)
	defer cancel()

	_, err := b.Request(context.Background(), "rpc.echo", "plugin.a", []byte("ping"), 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, herr.Is(err, herr.KindTimeout))
}

func TestRequest_ReceivesCorrelatedResponse(t *testing.T) {
	b := New(nil, nil)
	cancel := startBroker(t, b)
	defer cancel()

	err := b.Subscribe("plugin.server", "rpc.echo", func(m message.Message) {
		resp := message.New("rpc.echo.response", "plugin.server", m.Payload, message.TypeResponse, message.PriorityNormal)
		resp.RequestID = m.RequestID
		_ = b.Publish(resp)
	}, nil)
	require.NoError(t, err)

	resp, err := b.Request(context.Background(), "rpc.echo", "plugin.a", []byte("ping"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), resp.Payload)
}

func TestHandlerPanic_IsIsolated(t *testing.T) {
	b := New(nil, nil)
	cancel := startBroker(t, b)
	defer cancel()

	done := make(chan struct{}, 1)
	err := b.Subscribe("plugin.bad", "t", func(message.Message) {
		panic("boom")
	}, nil)
	require.NoError(t, err)
	err = b.Subscribe("plugin.good", "t", func(message.Message) {
		done <- struct{}{}
	}, nil)
	require.NoError(t, err)

	require.NoError(t, b.Publish(message.New("t", "plugin.x", nil, message.TypeEvent, message.PriorityNormal)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sibling handler should still run after a panicking handler")
	}
}

func TestHistory_CapsAtConfiguredLimit(t *testing.T) {
	b := New(nil, nil, WithHistoryCap(3))
	cancel := startBroker(t, b)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(message.New("t", "plugin.x", nil, message.TypeEvent, message.PriorityNormal)))
	}
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, len(b.History("t")), 3)
}
