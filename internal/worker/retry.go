package worker

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy задаёт экспоненциальный backoff для задач зеркала в Sheets.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Jitter доля задержки (0..1), на которую повтор смещается случайно,
	// чтобы задачи, упавшие на одной квоте, не возвращались пачкой.
	Jitter float64
}

// withDefaults заполняет нулевые поля значениями по умолчанию.
func (r RetryPolicy) withDefaults() RetryPolicy {
	if r.MaxRetries <= 0 {
		r.MaxRetries = 5
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = 2 * time.Second
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = time.Minute
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}
	if r.Jitter < 0 {
		r.Jitter = 0
	}
	if r.Jitter > 1 {
		r.Jitter = 1
	}
	return r
}

// Exhausted сообщает, что попытка attempt (с 1) уже последняя.
func (r RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= r.MaxRetries
}

// NextDelay возвращает задержку перед попыткой attempt (с 1), не больше MaxDelay.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}

	delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt-1))
	if r.MaxDelay > 0 && delay > float64(r.MaxDelay) {
		delay = float64(r.MaxDelay)
	}
	d := time.Duration(delay)
	if d <= 0 {
		d = time.Second
	}
	return d
}

// NextRetryAt считает next_retry_at для sync_queue: now плюс задержка со
// сдвигом в пределах ±Jitter. rnd возвращает число из [0, 1); nil берёт
// math/rand. Результат в UTC, как его хранит очередь, и не позже now+MaxDelay.
func (r RetryPolicy) NextRetryAt(now time.Time, attempt int, rnd func() float64) time.Time {
	d := r.NextDelay(attempt)
	if r.Jitter > 0 {
		if rnd == nil {
			rnd = rand.Float64
		}
		shift := (2*rnd() - 1) * r.Jitter
		d = time.Duration(float64(d) * (1 + shift))
		if r.MaxDelay > 0 && d > r.MaxDelay {
			d = r.MaxDelay
		}
		if d < time.Second {
			d = time.Second
		}
	}
	return now.Add(d).UTC()
}
