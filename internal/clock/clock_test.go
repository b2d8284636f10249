package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystemClock(t *testing.T) {
	c := New()

	before := time.Now()
	now := c.Now()
	assert.False(t, now.Before(before))

	fired := make(chan struct{})
	c.AfterFunc(5*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestSystemClock_Stop(t *testing.T) {
	c := New()

	fired := make(chan struct{}, 1)
	timer := c.AfterFunc(time.Hour, func() { fired <- struct{}{} })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	select {
	case <-fired:
		t.Fatal("stopped timer fired")
	default:
	}
}
