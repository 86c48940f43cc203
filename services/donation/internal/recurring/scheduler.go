package recurring

import (
	"context"
	"time"

	"example.com/campaign-payments/pkg/lock"
	"example.com/campaign-payments/pkg/logger"
	"example.com/campaign-payments/pkg/metrics"
)

// =============================================================================
// Scheduler — периодический запуск локальных списаний
// =============================================================================

// SchedulerLockKey — ключ блокировки: прогон выполняет один экземпляр сервиса.
const SchedulerLockKey = "recurring:scheduler"

// Runner выполняет один прогон списаний.
type Runner interface {
	RunDue(ctx context.Context) (*RunSummary, error)
}

// Scheduler раз в PollInterval запускает RunDue, если удалось взять
// распределённую блокировку. Остальные экземпляры пропускают тик.
type Scheduler struct {
	runner   Runner
	locker   lock.Locker
	interval time.Duration
}

// NewScheduler создаёт планировщик.
func NewScheduler(runner Runner, locker lock.Locker, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{runner: runner, locker: locker, interval: interval}
}

// Run блокирует выполнение до отмены контекста.
func (s *Scheduler) Run(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info().Dur("poll_interval", s.interval).Msg("Запуск планировщика подписок")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Остановка планировщика подписок")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick выполняет один прогон под блокировкой. Возвращает false, если блокировку
// держит другой экземпляр.
func (s *Scheduler) Tick(ctx context.Context) bool {
	log := logger.FromContext(ctx)

	unlock, ok, err := s.locker.TryAcquire(ctx, SchedulerLockKey)
	if err != nil {
		log.Error().Err(err).Msg("Ошибка получения блокировки планировщика")
		return false
	}
	if !ok {
		log.Debug().Msg("Планировщик выполняется другим экземпляром, пропускаем")
		return false
	}
	defer unlock()

	if _, err := s.runner.RunDue(ctx); err != nil {
		log.Error().Err(err).Msg("Ошибка прогона подписок")
		return true
	}
	metrics.RecurringLastRun.SetToCurrentTime()
	return true
}
