package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestBus_WildcardAndThreadChannels(t *testing.T) {
	bus := NewBus(zap.NewNop().Sugar())

	var all, thread []string
	bus.Subscribe("*", func(e *Event) { all = append(all, e.Type) })
	bus.Subscribe("thread:t1", func(e *Event) { thread = append(thread, e.Type) })

	bus.Publish(&Event{Type: TypeFlowInput, ThreadID: "t1"})
	bus.Publish(&Event{Type: TypeFlowOutput, ThreadID: "t2"})

	assert.Equal(t, []string{TypeFlowInput, TypeFlowOutput}, all)
	assert.Equal(t, []string{TypeFlowInput}, thread)
}

func TestBus_UnsubscribeRemovesOnlyThatSubscriber(t *testing.T) {
	bus := NewBus(zap.NewNop().Sugar())

	var a, b int
	unsubA := bus.Subscribe("*", func(*Event) { a++ })
	bus.Subscribe("*", func(*Event) { b++ })

	bus.Publish(&Event{Type: TypeFlowInput})
	unsubA()
	bus.Publish(&Event{Type: TypeFlowInput})

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestBus_SetsTimestamp(t *testing.T) {
	bus := NewBus(zap.NewNop().Sugar())
	evt := &Event{Type: TypeTaskStarted}
	bus.Publish(evt)
	assert.NotZero(t, evt.Timestamp)
}

func TestBus_NilIsNoop(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() { bus.Publish(&Event{Type: TypeFlowInput}) })
}
