package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/heimdall/config"
	"github.com/wyfcoding/heimdall/logging"
	"github.com/wyfcoding/heimdall/telemetry"
)

func TestNewTracePublisherRequiresBrokers(t *testing.T) {
	_, err := NewTracePublisher(config.KafkaConfig{}, logging.Discard(), nil)
	assert.ErrorIs(t, err, ErrNoBrokers)

	p, err := NewTracePublisher(config.KafkaConfig{Brokers: []string{"127.0.0.1:9092"}}, logging.Discard(), nil)
	require.NoError(t, err)
	assert.Equal(t, "heimdall.traces", p.Topic())
	require.NoError(t, p.Close())
}

func TestMessageEncoding(t *testing.T) {
	ts := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	ev := telemetry.TraceEvent{ID: "T42", Timestamp: ts, Provider: "Yahoo", Endpoint: "quote", Symbol: "AAPL", Success: true}

	msg, err := Message(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, []byte("Yahoo"), msg.Key)
	assert.Equal(t, ts, msg.Time)

	var back telemetry.TraceEvent
	require.NoError(t, json.Unmarshal(msg.Value, &back))
	assert.Equal(t, "AAPL", back.Symbol)

	var found bool
	for _, h := range msg.Headers {
		if h.Key == "trace-event-id" {
			found = true
			assert.Equal(t, "T42", string(h.Value))
		}
	}
	assert.True(t, found)
}
