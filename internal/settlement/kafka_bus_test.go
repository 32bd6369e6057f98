package settlement

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/p2psettle/internal/retry"
)

type fakeWriter struct {
	written []kafka.Message
	err     error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.written = append(f.written, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaBus_SendMapsKeyAndHeaders(t *testing.T) {
	w := &fakeWriter{}
	bus := &KafkaBus{w: w}

	err := bus.Send(context.Background(), Message{
		Key:   "trade-trd_9",
		Value: []byte(`{}`),
		Headers: map[string]string{
			"operation-type":  "trade-cancel",
			"idempotency-key": "trade-trd_9:trade-cancel:cancelled",
		},
	})
	require.NoError(t, err)
	require.Len(t, w.written, 1)

	m := w.written[0]
	assert.Equal(t, "trade-trd_9", string(m.Key))
	require.Len(t, m.Headers, 2)
	// Sorted by header name.
	assert.Equal(t, "idempotency-key", m.Headers[0].Key)
	assert.Equal(t, "operation-type", m.Headers[1].Key)
}

func TestKafkaBus_OversizedMessageIsPermanent(t *testing.T) {
	bus := &KafkaBus{w: &fakeWriter{err: kafka.MessageSizeTooLarge}}

	err := bus.Send(context.Background(), Message{Key: "trade-x"})
	var pe *retry.PermanentError
	assert.True(t, errors.As(err, &pe))
}
