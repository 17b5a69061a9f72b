package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvent_PropertyPath(t *testing.T) {
	ev := &Event{Properties: `{"plan":"pro","billing":{"cycle":"monthly","seats":5},"active":true}`}

	value, ok := ev.PropertyPath("plan")
	assert.True(t, ok)
	assert.Equal(t, "pro", value)

	value, ok = ev.PropertyPath("billing.cycle")
	assert.True(t, ok)
	assert.Equal(t, "monthly", value)

	value, ok = ev.PropertyPath("billing.seats")
	assert.True(t, ok)
	assert.Equal(t, "5", value)

	value, ok = ev.PropertyPath("active")
	assert.True(t, ok)
	assert.Equal(t, "true", value)

	_, ok = ev.PropertyPath("missing")
	assert.False(t, ok)

	_, ok = ev.PropertyPath("plan.nested")
	assert.False(t, ok)
}

func TestEvent_PropertyPath_MalformedPayload(t *testing.T) {
	ev := &Event{Properties: `not json`}

	_, ok := ev.PropertyPath("plan")
	assert.False(t, ok)
}

func TestStringifyValue(t *testing.T) {
	assert.Equal(t, "", StringifyValue(nil))
	assert.Equal(t, "hello", StringifyValue("hello"))
	assert.Equal(t, "true", StringifyValue(true))
	assert.Equal(t, "42", StringifyValue(float64(42)))
	assert.Equal(t, "4.5", StringifyValue(4.5))
	assert.Equal(t, `["a","b"]`, StringifyValue([]any{"a", "b"}))
}
