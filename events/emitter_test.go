package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitInRegistrationOrder(t *testing.T) {
	e := New()

	var got []int
	e.On("status", func(interface{}) { got = append(got, 1) })
	e.On("status", func(interface{}) { got = append(got, 2) })
	e.On("status", func(interface{}) { got = append(got, 3) })

	e.Emit("status", nil)

	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestEmitPassesPayload(t *testing.T) {
	e := New()

	var got interface{}
	e.On("progress", func(p interface{}) { got = p })

	e.Emit("progress", "half done")

	assert.Equal(t, "half done", got)
}

func TestEmitUnknownEventIsNoop(t *testing.T) {
	e := New()
	assert.NotPanics(t, func() { e.Emit("nothing-registered", 42) })
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	e := New()

	var after bool
	e.On("boom", func(interface{}) { panic("handler failure") })
	e.On("boom", func(interface{}) { after = true })

	assert.NotPanics(t, func() { e.Emit("boom", nil) })
	assert.True(t, after, "handler after the panicking one must still run")
}

func TestOffRemovesByIdentity(t *testing.T) {
	e := New()

	var a, b int
	ha := Handler(func(interface{}) { a++ })
	hb := Handler(func(interface{}) { b++ })

	e.On("ev", ha)
	e.On("ev", hb)
	e.Off("ev", ha)

	e.Emit("ev", nil)

	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
}

func TestOffLastHandlerDeletesEntry(t *testing.T) {
	e := New()

	h := Handler(func(interface{}) {})
	e.On("ev", h)
	require.Equal(t, 1, e.ListenerCount("ev"))

	e.Off("ev", h)
	assert.Equal(t, 0, e.ListenerCount("ev"))

	e.mu.RLock()
	_, exists := e.handlers["ev"]
	e.mu.RUnlock()
	assert.False(t, exists, "empty handler list must be deleted from the registry")
}

func TestOffUnknownHandlerIsNoop(t *testing.T) {
	e := New()
	var registered int
	e.On("ev", func(interface{}) { registered++ })

	var never int
	assert.NotPanics(t, func() {
		e.Off("ev", func(interface{}) { never++ })
		e.Off("other", func(interface{}) { never-- })
	})
	assert.Equal(t, 1, e.ListenerCount("ev"))
}

func TestRemoveAllListeners(t *testing.T) {
	e := New()
	e.On("a", func(interface{}) {})
	e.On("b", func(interface{}) {})

	e.RemoveAllListeners("a")
	assert.Equal(t, 0, e.ListenerCount("a"))
	assert.Equal(t, 1, e.ListenerCount("b"))

	e.On("a", func(interface{}) {})
	e.RemoveAllListeners()
	assert.Equal(t, 0, e.ListenerCount("a"))
	assert.Equal(t, 0, e.ListenerCount("b"))
}

func TestCopyOnWriteRegistrationDuringEmit(t *testing.T) {
	e := New()

	var calls int
	e.On("ev", func(interface{}) {
		calls++
		// Registering during dispatch must not affect the in-flight snapshot.
		e.On("ev", func(interface{}) { calls += 100 })
	})

	e.Emit("ev", nil)
	assert.Equal(t, 1, calls, "handler added during emit must not run in the same emit")

	e.Emit("ev", nil)
	assert.True(t, calls >= 102, "later emits see the added handler")
}

func TestOnAsyncIsDetachedAndRecovered(t *testing.T) {
	e := New()

	done := make(chan struct{})
	e.OnAsync("ev", func(interface{}) {
		defer close(done)
		panic("async failure")
	})

	assert.NotPanics(t, func() { e.Emit("ev", nil) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async handler never ran")
	}
}

func TestConcurrentEmitAndRegister(t *testing.T) {
	e := New()

	var mu sync.Mutex
	count := 0
	h := Handler(func(interface{}) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	e.On("ev", h)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			e.Emit("ev", nil)
		}()
		go func() {
			defer wg.Done()
			e.On("other", func(interface{}) {})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 16, count)
}
