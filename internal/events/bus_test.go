package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDropsWhenFull(t *testing.T) {
	d := NewDispatcher(2)
	d.Subscribe(TopicMarketPrice, func(any) {})

	for i := 0; i < 5; i++ {
		d.Publish(TopicMarketPrice, i)
	}

	assert.Equal(t, 2, d.Pending())
	assert.Equal(t, uint64(3), d.Dropped())
}

func TestPublishWithoutHandlerIsDropped(t *testing.T) {
	d := NewDispatcher(4)
	d.Publish(TopicTradesUpdated, "x")

	assert.Equal(t, 0, d.Pending())
	assert.Equal(t, uint64(1), d.Dropped())
}

func TestRunDeliversInOrderAndSurvivesPanics(t *testing.T) {
	d := NewDispatcher(8)
	got := make(chan int, 8)
	d.Subscribe(TopicOrderFilled, func(p any) {
		v := p.(int)
		if v == 2 {
			panic("boom")
		}
		got <- v
	})

	for i := 1; i <= 3; i++ {
		d.Publish(TopicOrderFilled, i)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.Equal(t, 1, <-got)
	require.Equal(t, 3, <-got)
	require.Eventually(t, func() bool { return d.Delivered() == 3 }, time.Second, 5*time.Millisecond)
}
