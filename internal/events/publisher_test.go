package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/orderflow/internal/model"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type stubChannel struct {
	sent   []published
	closed bool
}

func (c *stubChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if _, ok := ctx.Deadline(); !ok {
		return context.DeadlineExceeded
	}
	c.sent = append(c.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *stubChannel) Close() error {
	c.closed = true
	return nil
}

func TestPublisher_Publish(t *testing.T) {
	ch := &stubChannel{}
	p := &Publisher{ch: ch, exchange: "order_events"}

	o := &model.Order{
		ID:          uuid.New(),
		Number:      "20260101-ABCDEF12",
		CustomerID:  7,
		Status:      model.OrderStatusCancelled,
		FinalAmount: decimal.NewFromInt(150000),
	}
	at := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, p.Publish(context.Background(), model.NewTransitionEvent(o, model.OrderStatusPending, at)))
	require.Len(t, ch.sent, 1)

	sent := ch.sent[0]
	assert.Equal(t, "order_events", sent.exchange)
	assert.Equal(t, "order.cancelled", sent.key)
	assert.Equal(t, "application/json", sent.msg.ContentType)
	assert.Equal(t, o.ID.String()+":cancelled", sent.msg.MessageId)

	var got model.TransitionEvent
	require.NoError(t, json.Unmarshal(sent.msg.Body, &got))
	assert.Equal(t, o.Number, got.OrderNumber)
	assert.Equal(t, model.OrderStatusPending, got.From)
	assert.Equal(t, model.OrderStatusCancelled, got.To)
	assert.True(t, o.FinalAmount.Equal(got.Amount))

	p.Close()
	assert.True(t, ch.closed)
}
