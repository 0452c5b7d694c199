package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/kado/internal/logging"
)

func TestEmitDeliversInSubscriptionOrder(t *testing.T) {
	bus := NewBus(logging.LevelInfo)
	var got []string

	bus.Subscribe(func(e Event) { got = append(got, "a:"+string(e.Type)) })
	bus.Subscribe(func(e Event) { got = append(got, "b:"+string(e.Type)) })

	bus.Emit(TypeStateChange, StateChangePayload{From: "idle", To: "planning"})

	assert.Equal(t, []string{"a:state_change", "b:state_change"}, got)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(logging.LevelInfo)
	count := 0
	unsub := bus.Subscribe(func(Event) { count++ })

	bus.Emit(TypeProgress, ProgressPayload{Message: "one"})
	unsub()
	unsub()
	bus.Emit(TypeProgress, ProgressPayload{Message: "two"})

	assert.Equal(t, 1, count)
}

func TestPayloadIsDelivered(t *testing.T) {
	bus := NewBus(logging.LevelInfo)
	var got Event
	bus.Subscribe(func(e Event) { got = e })

	bus.Emit(TypeStepComplete, StepCompletePayload{StepID: "step-1", Success: true})

	p, ok := got.Payload.(StepCompletePayload)
	require.True(t, ok)
	assert.Equal(t, "step-1", p.StepID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	bus := NewBus(logging.LevelInfo)
	var recovered any
	bus.OnPanic(func(_ Type, r any) { recovered = r })

	delivered := false
	bus.Subscribe(func(Event) { panic("bad handler") })
	bus.Subscribe(func(Event) { delivered = true })

	bus.Emit(TypeMessage, MessagePayload{Role: "assistant", Content: "hi"})

	assert.True(t, delivered)
	assert.Equal(t, "bad handler", recovered)
}

func TestLogDropsBelowMinimum(t *testing.T) {
	bus := NewBus(logging.LevelWarn)
	var got []LogPayload
	bus.Subscribe(func(e Event) {
		if p, ok := e.Payload.(LogPayload); ok {
			got = append(got, p)
		}
	})

	bus.Log(logging.LevelDebug, "executor", "noise", nil)
	bus.Log(logging.LevelInfo, "executor", "noise", nil)
	bus.Log(logging.LevelError, "sandbox", "spawn failed", map[string]any{"cmd": "x"})

	require.Len(t, got, 1)
	assert.Equal(t, "error", got[0].Level)
	assert.Equal(t, "sandbox", got[0].Source)

	bus.SetMinLevel(logging.LevelTrace)
	bus.Log(logging.LevelTrace, "executor", "now visible", nil)
	assert.Len(t, got, 2)
}

func TestConcurrentEmit(t *testing.T) {
	bus := NewBus(logging.LevelInfo)
	var mu sync.Mutex
	count := 0
	bus.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Emit(TypeProgress, ProgressPayload{Message: "tick"})
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, count)
}

func TestNilBusEmitIsNoop(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() { bus.Emit(TypeComplete, CompletePayload{Success: true}) })
}
