package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-session/internal/events"
)

func TestPositionsSwapOnEnd(t *testing.T) {
	m := NewManager()
	m.AddPosition(events.PositionReceived{ConID: 1, Symbol: "ES", Position: 2})
	assert.Equal(t, 0.0, m.Position(1), "not visible before the end marker")

	m.EndPositions()
	assert.Equal(t, 2.0, m.Position(1))
	assert.True(t, m.HasExposure(1))

	m.AddPosition(events.PositionReceived{ConID: 1, Symbol: "ES", Position: 0})
	m.AddPosition(events.PositionReceived{ConID: 2, Symbol: "NQ", Position: -1})
	m.EndPositions()
	assert.False(t, m.HasExposure(1))
	assert.Equal(t, map[int64]float64{2: -1}, m.Positions())
}

func TestOpenOrdersCountAsExposure(t *testing.T) {
	m := NewManager()
	m.AddOpenOrder(events.OpenOrderReceived{OrderID: 5, ConID: 3, Symbol: "CL", Side: "BUY", Type: "LMT", Quantity: 1})
	m.AddOpenOrder(events.OpenOrderReceived{OrderID: 4, ConID: 3, Symbol: "CL", Side: "SELL", Type: "STP", Quantity: 1})
	m.EndOpenOrders()
	assert.True(t, m.HasExposure(3))

	pf := m.Portfolio()
	require.Len(t, pf.OpenOrders, 2)
	assert.Equal(t, int64(4), pf.OpenOrders[0].OrderID)
	assert.False(t, pf.UpdatedAt.IsZero())

	m.EndOpenOrders()
	assert.False(t, m.HasExposure(3), "an empty listing clears the book")
}
