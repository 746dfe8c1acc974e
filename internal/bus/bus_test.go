package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToAllHandlers(t *testing.T) {
	b := New()

	var first, second []Delta
	b.OnChange(func(d Delta) { first = append(first, d) })
	b.OnChange(func(d Delta) { second = append(second, d) })

	b.Emit("session-1", 9, 1)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, Delta{Entity: "session-1", Record: 9, Delta: 1}, first[0])
}

func TestBusUnsubscribe(t *testing.T) {
	b := New()

	calls := 0
	unsubscribe := b.OnChange(func(Delta) { calls++ })
	b.Emit("session-1", 1, 1)
	unsubscribe()
	unsubscribe()
	b.Emit("session-1", 2, -1)

	assert.Equal(t, 1, calls)
}

func TestBusHandlerMayUnsubscribeDuringEmit(t *testing.T) {
	b := New()

	var unsubscribe func()
	calls := 0
	unsubscribe = b.OnChange(func(Delta) {
		calls++
		unsubscribe()
	})

	b.Emit("session-1", 1, 1)
	b.Emit("session-1", 2, 1)
	assert.Equal(t, 1, calls)
}
