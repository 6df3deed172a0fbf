package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBus_DeliversInOrderToEveryHandler(t *testing.T) {
	bus := NewBus[string, int]()

	var first, second []int
	bus.AddHandler(HandlerFunc[string, int](func(key string, e int) {
		require.Equal(t, "sku.orange", key)
		first = append(first, e)
	}))
	bus.AddHandler(HandlerFunc[string, int](func(_ string, e int) {
		second = append(second, e)
	}))

	for i := 0; i < 5; i++ {
		bus.OnEvent("sku.orange", i)
	}

	require.Equal(t, []int{0, 1, 2, 3, 4}, first)
	require.Equal(t, first, second)
}

func TestBus_NoHandlers(t *testing.T) {
	bus := NewBus[string, int]()
	bus.OnEvent("sku.orange", 1)
}

func TestChannelStream_SelectsAndForwards(t *testing.T) {
	stream := NewChannelStream[int, string]("ui", 4, func(e int) (string, bool) {
		if e%2 != 0 {
			return "", false
		}
		return "even", true
	})

	bus := NewBus[string, int]()
	bus.AddHandler(StreamHandler[string, int](stream, time.Second, nil))

	bus.OnEvent("k", 1)
	bus.OnEvent("k", 2)
	bus.OnEvent("k", 4)

	require.Equal(t, "even", <-stream.Channel())
	require.Equal(t, "even", <-stream.Channel())
	require.Len(t, stream.Channel(), 0)
	require.Equal(t, "ui", stream.ID())
}

func TestChannelStream_ClosesSlowConsumer(t *testing.T) {
	stream := NewChannelStream[int, int]("slow", 1, func(e int) (int, bool) {
		return e, true
	})

	var errs []error
	handler := StreamHandler[string, int](stream, 10*time.Millisecond, func(_ string, err error) {
		errs = append(errs, err)
	})

	handler.OnEvent("k", 1)
	handler.OnEvent("k", 2)
	handler.OnEvent("k", 3)

	require.Len(t, errs, 2)
	require.ErrorIs(t, errs[1], ErrStreamClosed)

	require.Equal(t, 1, <-stream.Channel())
	_, ok := <-stream.Channel()
	require.False(t, ok)

	stream.Close()
}
