package testutil

import (
	"sort"
	"sync"
	"time"

	"sparkles/internal/clock"
)

// FakeClock часы для тестов таймеров, двигаются вручную.
//
// Callbacks из AfterFunc выполняются синхронно в горутине, вызвавшей Advance
// или Set, по порядку дедлайнов. Callback может ставить новые таймеры,
// они срабатывают в том же Advance, если дедлайн достигнут.
//
// Все методы безопасны для параллельного вызова.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int64
	timers map[int64]*fakeTimer
}

type fakeTimer struct {
	clock    *FakeClock
	id       int64
	deadline time.Time
	fn       func()
}

// NewFakeClock создаёт часы, остановленные на start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start, timers: make(map[int64]*fakeTimer)}
}

// Now возвращает текущее поддельное время.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc ставит f на момент now+d.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, id: c.seq, deadline: c.now.Add(d), fn: f}
	c.timers[t.id] = t
	return t
}

// Advance двигает часы на d вперёд и запускает наступившие таймеры.
func (c *FakeClock) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

// Set ставит часы на t и запускает таймеры с дедлайном <= t.
// Назад двигается только Now.
func (c *FakeClock) Set(t time.Time) {
	for {
		c.mu.Lock()
		next := c.nextDueLocked(t)
		if next == nil {
			if t.After(c.now) {
				c.now = t
			}
			c.mu.Unlock()
			return
		}
		delete(c.timers, next.id)
		if next.deadline.After(c.now) {
			c.now = next.deadline
		}
		c.mu.Unlock()

		next.fn()
	}
}

func (c *FakeClock) nextDueLocked(limit time.Time) *fakeTimer {
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.deadline.After(limit) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].id < due[j].id
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	return due[0]
}

// Pending возвращает число взведённых таймеров.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Deadlines возвращает дедлайны взведённых таймеров по возрастанию.
func (c *FakeClock) Deadlines() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Time, 0, len(c.timers))
	for _, t := range c.timers {
		out = append(out, t.deadline)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if _, ok := t.clock.timers[t.id]; !ok {
		return false
	}
	delete(t.clock.timers, t.id)
	return true
}
