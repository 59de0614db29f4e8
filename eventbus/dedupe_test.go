package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeduper_EvictsOldest(t *testing.T) {
	d := NewDeduper(2)

	assert.False(t, d.Seen("a"))
	assert.False(t, d.Seen("b"))
	assert.True(t, d.Seen("a"))
	assert.False(t, d.Seen("c"))
	assert.Equal(t, 2, d.Len())
	assert.False(t, d.Seen("a"), "a was evicted when c arrived")
}

func TestIdempotent_DropsDuplicatesButRetriesFailures(t *testing.T) {
	d := NewDeduper(16)
	calls := 0
	fail := true
	h := Idempotent(d, func(context.Context, Event) error {
		calls++
		if fail {
			return errors.New("transient")
		}
		return nil
	})

	ev := New(testSource, RunCompleted{RunID: "r"})
	assert.Error(t, h(context.Background(), ev))

	fail = false
	assert.NoError(t, h(context.Background(), ev))
	assert.NoError(t, h(context.Background(), ev))
	assert.Equal(t, 2, calls, "the redelivery after a failure is processed, the duplicate is not")
}
