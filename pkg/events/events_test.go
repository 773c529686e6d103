package events

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type token struct {
	done    chan struct{}
	err     error
	timeout bool
}

func newToken(err error, timeout bool) *token {
	t := &token{done: make(chan struct{}), err: err, timeout: timeout}
	if !timeout {
		close(t.done)
	}

	return t
}

func (t *token) Wait() bool                     { return !t.timeout }
func (t *token) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *token) Done() <-chan struct{}          { return t.done }
func (t *token) Error() error                   { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	msgs         []published
	err          error
	timeout      bool
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload any) mqtt.Token {
	c.msgs = append(c.msgs, published{topic: topic, qos: qos, payload: payload.([]byte)})

	return newToken(c.err, c.timeout)
}

func (c *fakeClient) Disconnect(uint) {
	c.disconnected = true
}

func sample() Event {
	return Event{
		RunID:     "b6d0f2c4",
		Kind:      KindPhaseEntered,
		Phase:     "CONNECTED",
		Host:      "ubuntu@10.0.0.1:22",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestEncodings(t *testing.T) {
	for _, enc := range []Encoding{EncodingJSON, EncodingCBOR} {
		t.Run(string(enc), func(t *testing.T) {
			data, err := Encode(enc, sample())
			require.NoError(t, err)

			ev, err := Decode(enc, data)
			require.NoError(t, err)

			want := sample()
			assert.True(t, want.Timestamp.Equal(ev.Timestamp))
			want.Timestamp, ev.Timestamp = time.Time{}, time.Time{}
			assert.Equal(t, want, ev)
		})
	}

	_, err := Encode("xml", sample())
	assert.ErrorIs(t, err, errUnknownEncoding)
}

func TestCBORIsSmallerThanJSON(t *testing.T) {
	j, err := Encode(EncodingJSON, sample())
	require.NoError(t, err)
	c, err := Encode(EncodingCBOR, sample())
	require.NoError(t, err)

	assert.Less(t, len(c), len(j))
}

func TestMQTTEmit(t *testing.T) {
	client := &fakeClient{}
	e := newMQTTEmitter(client, MQTTConfig{Topic: "fedsim/events", QoS: 1, Encoding: EncodingJSON}, slog.New(slog.DiscardHandler))

	require.NoError(t, e.Emit(context.Background(), sample()))
	require.Len(t, client.msgs, 1)
	assert.Equal(t, "fedsim/events/b6d0f2c4/phase_entered", client.msgs[0].topic)
	assert.Equal(t, byte(1), client.msgs[0].qos)
	assert.JSONEq(t, `{"run_id":"b6d0f2c4","kind":"phase_entered","phase":"CONNECTED","host":"ubuntu@10.0.0.1:22","timestamp":"2026-03-01T12:00:00Z"}`, string(client.msgs[0].payload))

	require.NoError(t, e.Close(context.Background()))
	assert.True(t, client.disconnected)
}

func TestMQTTEmitFailures(t *testing.T) {
	cfg := MQTTConfig{Topic: "t", Encoding: EncodingCBOR}
	logger := slog.New(slog.DiscardHandler)

	broken := errors.New("not connected")
	e := newMQTTEmitter(&fakeClient{err: broken}, cfg, logger)
	assert.ErrorIs(t, e.Emit(context.Background(), sample()), broken)

	e = newMQTTEmitter(&fakeClient{timeout: true}, cfg, logger)
	assert.ErrorIs(t, e.Emit(context.Background(), sample()), errPublishTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := &fakeClient{}
	e = newMQTTEmitter(client, cfg, logger)
	assert.ErrorIs(t, e.Emit(ctx, sample()), context.Canceled)
	assert.Empty(t, client.msgs)
}

func TestNewMQTTValidation(t *testing.T) {
	_, err := NewMQTT(MQTTConfig{Topic: "t"}, nil)
	assert.ErrorIs(t, err, errEmptyID)

	_, err = NewMQTT(MQTTConfig{ClientID: "fedsim"}, nil)
	assert.ErrorIs(t, err, errEmptyTopic)

	_, err = NewMQTT(MQTTConfig{ClientID: "fedsim", Topic: "t", Encoding: "xml"}, nil)
	assert.ErrorIs(t, err, errUnknownEncoding)
}
