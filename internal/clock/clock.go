// Package clock абстрагирует текущее время и одноразовые таймеры, чтобы
// в тестах планировщиком управляли поддельные часы.
package clock

import "time"

// Timer одноразовый отменяемый callback.
type Timer interface {
	// Stop отменяет callback. Возвращает false, если таймер уже сработал
	// или был остановлен.
	Stop() bool
}

// Clock даёт текущее время и одноразовые callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// System настоящие часы поверх пакета time.
type System struct{}

// New возвращает системные часы.
func New() Clock {
	return System{}
}

func (System) Now() time.Time {
	return time.Now()
}

func (System) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
