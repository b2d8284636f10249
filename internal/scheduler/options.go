package scheduler

import (
	"context"
	"time"

	"sparkles/internal/clock"
	"sparkles/internal/models"

	"github.com/rs/zerolog"
)

// Executor выполняет действие наступившего события.
type Executor func(ctx context.Context, ev models.PendingEvent) error

// Hooks сообщают владельцу хранилища о переходах статуса.
// Вызываются без внутренних блокировок и могут обращаться к Reconciler.
type Hooks struct {
	// OnStatus вызывается на firing, done и failed. err задан только для failed.
	OnStatus func(ev models.PendingEvent, status models.Status, err error)
	// OnRemove вызывается через RemoveGrace после успешного срабатывания.
	OnRemove func(id string)
}

// Notifier доставляет необязательное сообщение пользователю после события.
type Notifier interface {
	Notify(ctx context.Context, accountID int64, title, body string) error
}

// MessageFunc формирует уведомление о завершённом событии.
// ok=false значит без уведомления.
type MessageFunc func(ev models.PendingEvent, status models.Status, err error) (title, body string, ok bool)

// Recorder получает измерения планировщика.
type Recorder interface {
	EventFired(feature string, status models.Status)
	FireLateness(feature string, d time.Duration)
	LiveTimers(feature string, n int)
}

// Options настройки Reconciler. Нулевые значения заменяются умолчаниями.
type Options struct {
	Clock         clock.Clock
	MaxTimerDelay time.Duration
	SweepInterval time.Duration
	RemoveGrace   time.Duration
	Hooks         Hooks
	Notifier      Notifier
	Message       MessageFunc
	Recorder      Recorder
	Logger        *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.MaxTimerDelay <= 0 {
		o.MaxTimerDelay = models.MaxTimerDelay
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = models.DefaultSweepInterval
	}
	switch {
	case o.RemoveGrace == 0:
		o.RemoveGrace = models.DefaultRemoveGrace
	case o.RemoveGrace < 0:
		// отрицательное значение: удалить сразу после done
		o.RemoveGrace = 0
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	return o
}

type nopRecorder struct{}

func (nopRecorder) EventFired(string, models.Status)    {}
func (nopRecorder) FireLateness(string, time.Duration) {}
func (nopRecorder) LiveTimers(string, int)             {}
