package library

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	a, b := bus.Subscribe(8), bus.Subscribe(8)

	for _, typ := range []EventType{EventBorrow, EventReturn, EventAddCopy} {
		bus.Publish(context.Background(), Event{Type: typ})
	}
	for _, sub := range []*Subscription{a, b} {
		for _, want := range []EventType{EventBorrow, EventReturn, EventAddCopy} {
			e := <-sub.C()
			assert.Equal(t, want, e.Type)
		}
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	slow, fast := bus.Subscribe(1), bus.Subscribe(4)

	for i := 0; i < 3; i++ {
		bus.Publish(context.Background(), Event{Type: EventBorrow})
	}
	assert.Equal(t, 2, slow.Dropped())
	assert.Zero(t, fast.Dropped())
	assert.Len(t, slow.C(), 1)
	assert.Len(t, fast.C(), 3)
}

func TestBusClose(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	sub.Close()
	sub.Close()
	_, ok := <-sub.C()
	require.False(t, ok, "closed subscription channel")

	live := bus.Subscribe(1)
	bus.Close()
	_, ok = <-live.C()
	require.False(t, ok)

	bus.Publish(context.Background(), Event{Type: EventBorrow})
	late := bus.Subscribe(1)
	_, ok = <-late.C()
	assert.False(t, ok, "subscribing to a closed bus yields a closed channel")
	live.Close()
}

func TestNotifiersFanOut(t *testing.T) {
	a, b := NewBus(), NewBus()
	sa, sb := a.Subscribe(1), b.Subscribe(1)

	Notifiers{a, NopNotifier{}, b}.Publish(context.Background(), Event{Type: EventEditBook})
	assert.Equal(t, EventEditBook, (<-sa.C()).Type)
	assert.Equal(t, EventEditBook, (<-sb.C()).Type)
}

func TestUnavailable(t *testing.T) {
	assert.NoError(t, Unavailable(nil))
	assert.Equal(t, ErrNoAvailableCopy, Unavailable(ErrNoAvailableCopy))
	assert.ErrorIs(t, Unavailable(context.DeadlineExceeded), ErrStoreUnavailable)
	assert.ErrorIs(t, Unavailable(context.DeadlineExceeded), context.DeadlineExceeded)
	assert.ErrorIs(t, Unavailable(assert.AnError), ErrStoreUnavailable)
}

func TestParseCopyStatus(t *testing.T) {
	tests := map[string]CopyStatus{
		"Available":   StatusAvailable,
		"available":   StatusAvailable,
		" AVAILABLE ": StatusAvailable,
		"Borrowed":    StatusBorrowed,
		"lost":        StatusBorrowed,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseCopyStatus(in), in)
	}
}
