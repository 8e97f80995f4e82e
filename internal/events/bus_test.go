// ABOUTME: Tests for the typed event bus.
// ABOUTME: Covers delivery, release semantics, groups, and concurrent publishing.

package events

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_PublishDeliversToSubscribers(t *testing.T) {
	bus := NewBus[int]()
	var got []int
	bus.Subscribe("ready", func(v int) { got = append(got, v) })
	bus.Subscribe("ready", func(v int) { got = append(got, v*10) })
	bus.Subscribe("closed", func(v int) { t.Error("wrong event delivered") })

	bus.Publish("ready", 2)

	assert.Equal(t, []int{2, 20}, got)
}

func TestBus_PublishWithoutSubscribers(t *testing.T) {
	bus := NewBus[string]()
	assert.NotPanics(t, func() { bus.Publish("nobody", "x") })
	assert.Equal(t, 0, bus.Len("nobody"))
}

func TestSubscription_Release(t *testing.T) {
	bus := NewBus[int]()
	var calls atomic.Int32
	sub := bus.Subscribe("debug", func(int) { calls.Add(1) })
	keep := bus.Subscribe("debug", func(int) {})

	bus.Publish("debug", 1)
	sub.Release()
	sub.Release()
	bus.Publish("debug", 2)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, bus.Len("debug"))

	keep.Release()
	assert.Equal(t, 0, bus.Len("debug"))
}

func TestGroup_ReleaseAll(t *testing.T) {
	bus := NewBus[int]()
	var g Group[int]
	for _, name := range []string{"a", "b", "c"} {
		g.Add(bus.Subscribe(name, func(int) {}))
	}
	assert.Equal(t, 3, g.Len())

	g.Release()

	assert.Equal(t, 0, g.Len())
	for _, name := range []string{"a", "b", "c"} {
		assert.Equal(t, 0, bus.Len(name))
	}
}

func TestBus_ConcurrentPublishAndRelease(t *testing.T) {
	bus := NewBus[int]()
	var total atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := bus.Subscribe("dispatch", func(v int) { total.Add(int64(v)) })
			for j := 0; j < 50; j++ {
				bus.Publish("dispatch", 1)
			}
			sub.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, bus.Len("dispatch"))
	assert.Positive(t, total.Load())
}
