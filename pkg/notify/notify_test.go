package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
)

type fakeChannel struct {
	published []amqp.Publishing
	keys      []string
	err       error
	closed    bool
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if c.err != nil {
		return c.err
	}
	c.keys = append(c.keys, key)
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func sampleEvent() contracts.Event {
	return New(contracts.EventAgreementSigned, contracts.SubjectAgreement, "agr-1", "A1", "alice",
		time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), "alice", "owner", "alice", "")
}

func TestNew_DedupesRecipients(t *testing.T) {
	e := sampleEvent()
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, []string{"alice", "owner"}, e.Recipients)
}

func TestAMQPNotifier_PublishesJSON(t *testing.T) {
	ch := &fakeChannel{}
	n := newAMQPNotifier(ch, DefaultExchange)
	e := sampleEvent()

	n.Emit(context.Background(), e)

	require.Len(t, ch.published, 1)
	assert.Equal(t, "agreement.signed", ch.keys[0])
	msg := ch.published[0]
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, e.ID, msg.MessageId)

	var got contracts.Event
	require.NoError(t, json.Unmarshal(msg.Body, &got))
	assert.Equal(t, e.SubjectID, got.SubjectID)

	require.NoError(t, n.Close())
	assert.True(t, ch.closed)
}

func TestAMQPNotifier_SwallowsPublishErrors(t *testing.T) {
	var buf bytes.Buffer
	n := newAMQPNotifier(&fakeChannel{err: errors.New("channel closed")}, DefaultExchange)
	n.logger = slog.New(slog.NewTextHandler(&buf, nil))

	assert.NotPanics(t, func() { n.Emit(context.Background(), sampleEvent()) })
	assert.Contains(t, buf.String(), "failed to publish event")
}

func TestMulti_FansOut(t *testing.T) {
	var got []string
	rec := func(name string) Notifier {
		return Func(func(_ context.Context, e contracts.Event) { got = append(got, name+":"+string(e.Type)) })
	}
	Multi{rec("a"), nil, rec("b")}.Emit(context.Background(), sampleEvent())
	assert.Equal(t, []string{"a:agreement.signed", "b:agreement.signed"}, got)
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	NewLogNotifier(slog.New(slog.NewJSONHandler(&buf, nil))).Emit(context.Background(), sampleEvent())
	assert.Contains(t, buf.String(), `"type":"agreement.signed"`)
}
