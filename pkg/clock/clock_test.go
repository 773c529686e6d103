package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeSleepAdvances(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	require.NoError(t, c.Sleep(context.Background(), 5*time.Second))
	require.NoError(t, c.Sleep(context.Background(), 2*time.Second))
	c.Advance(time.Second)

	assert.Equal(t, 8*time.Second, c.Elapsed(start))
	assert.Equal(t, []time.Duration{5 * time.Second, 2 * time.Second}, c.Sleeps())
}

func TestSleepHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name  string
		clock Clock
	}{
		{name: "real", clock: Real()},
		{name: "fake", clock: NewFake(time.Now())},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.clock.Sleep(ctx, time.Hour)
			assert.ErrorIs(t, err, context.Canceled)
		})
	}
}
