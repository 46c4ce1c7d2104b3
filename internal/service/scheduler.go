// scheduler.go: пул воркеров с ограниченной очередью.
//
// Поведение при отправке задачи:
//  1. есть место в очереди: задача ставится в очередь;
//  2. очередь полна, воркеров меньше максимума: запускается новый воркер;
//  3. очередь полна и воркеров максимум: задача выполняется в вызывающей
//     горутине (caller-runs), это замедляет приём новых запросов.
//
// Воркеры сверх базового числа завершаются после простоя KeepAlive.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики пула.
var (
	schedulerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pm_scheduler_queue_depth",
		Help: "Число задач в очереди пула.",
	})
	schedulerWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pm_scheduler_workers",
		Help: "Текущее число воркеров пула.",
	})
	schedulerCallerRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_scheduler_caller_runs_total",
		Help: "Задачи, выполненные в вызывающей горутине из-за переполнения пула.",
	})
)

// SchedulerConfig: параметры пула.
type SchedulerConfig struct {
	// Core: базовое число воркеров, живут до Shutdown
	Core int
	// Max: максимальное число воркеров
	Max int
	// QueueSize: ёмкость очереди
	QueueSize int
	// KeepAlive: простой, после которого лишний воркер завершается
	KeepAlive time.Duration
}

// Task: единица работы.
type Task func()

// Handle позволяет дождаться завершения задачи.
type Handle struct {
	done chan struct{}
}

// Done закрывается после завершения задачи (в том числе с паникой).
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

type job struct {
	task   Task
	handle *Handle
}

// Scheduler: пул воркеров.
type Scheduler struct {
	cfg    SchedulerConfig
	logger *slog.Logger

	queue chan job
	wg    sync.WaitGroup

	mu      sync.Mutex
	workers int
	closed  bool
}

// NewScheduler создаёт пул и запускает базовых воркеров.
func NewScheduler(cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.Core < 1 {
		cfg.Core = 1
	}
	if cfg.Max < cfg.Core {
		cfg.Max = cfg.Core
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = time.Minute
	}

	s := &Scheduler{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "scheduler")),
		queue:  make(chan job, cfg.QueueSize),
	}

	s.mu.Lock()
	for range cfg.Core {
		s.startWorkerLocked(nil)
	}
	s.mu.Unlock()

	s.logger.Info("Пул воркеров запущен",
		slog.Int("core", cfg.Core),
		slog.Int("max", cfg.Max),
		slog.Int("queue_size", cfg.QueueSize),
	)
	return s
}

// Submit отправляет задачу и сразу возвращает Handle. При переполнении
// пула задача выполняется синхронно до возврата из Submit.
func (s *Scheduler) Submit(task Task) *Handle {
	j := job{task: task, handle: &Handle{done: make(chan struct{})}}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("Пул остановлен, задача выполняется в вызывающей горутине")
		s.run(j)
		return j.handle
	}

	select {
	case s.queue <- j:
		schedulerQueueDepth.Set(float64(len(s.queue)))
		s.mu.Unlock()
		return j.handle
	default:
	}

	if s.workers < s.cfg.Max {
		s.startWorkerLocked(&j)
		s.mu.Unlock()
		return j.handle
	}
	s.mu.Unlock()

	schedulerCallerRunsTotal.Inc()
	s.logger.Warn("Пул переполнен, задача выполняется в вызывающей горутине",
		slog.Int("workers", s.cfg.Max),
		slog.Int("queue_size", s.cfg.QueueSize),
	)
	s.run(j)
	return j.handle
}

// Workers возвращает текущее число воркеров.
func (s *Scheduler) Workers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers
}

// Shutdown прекращает приём задач в очередь и ждёт завершения
// поставленных и выполняющихся задач.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Пул воркеров остановлен")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ожидание завершения задач: %w", ctx.Err())
	}
}

func (s *Scheduler) startWorkerLocked(first *job) {
	s.workers++
	schedulerWorkers.Set(float64(s.workers))
	s.wg.Add(1)
	go s.worker(first)
}

func (s *Scheduler) worker(first *job) {
	defer s.wg.Done()

	if first != nil {
		s.run(*first)
	}

	idle := time.NewTimer(s.cfg.KeepAlive)
	defer idle.Stop()

	for {
		select {
		case j, ok := <-s.queue:
			if !ok {
				s.retire()
				return
			}
			schedulerQueueDepth.Set(float64(len(s.queue)))
			s.run(j)
		case <-idle.C:
			if s.retireIfExtra() {
				return
			}
		}
		idle.Reset(s.cfg.KeepAlive)
	}
}

// retireIfExtra завершает воркер, если их больше базового числа.
func (s *Scheduler) retireIfExtra() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.workers <= s.cfg.Core {
		return false
	}
	s.workers--
	schedulerWorkers.Set(float64(s.workers))
	return true
}

func (s *Scheduler) retire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workers--
	schedulerWorkers.Set(float64(s.workers))
}

// run выполняет задачу. Паника задачи логируется и не убивает воркер.
func (s *Scheduler) run(j job) {
	defer close(j.handle.done)
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("Паника в задаче пула", slog.String("panic", fmt.Sprint(p)))
		}
	}()
	j.task()
}
