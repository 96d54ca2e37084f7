package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"recipeclipd/vault"
)

// Alarm names and cadence. The periodic baseline is the safety net against a
// missed or cancelled one-shot; the expiry alarm is rescheduled precisely
// after every successful token write.
const (
	baselineAlarm  = "refresh-baseline"
	expiryAlarm    = "token-expiry"
	baselinePeriod = 15 * time.Minute
	expiryLead     = 5 * time.Minute
)

// Scheduler arms durable named alarms persisted in the vault, so wake
// requests survive the process being stopped between registrations. Alarms
// whose fire time passed while the process was down fire immediately on
// Start.
type Scheduler struct {
	store  *vault.Store
	logger *slog.Logger

	// minDelay clamps registrations to the host facility's minute
	// granularity; tests shrink it.
	minDelay time.Duration

	mu      sync.Mutex
	handler func(ctx context.Context)
	timers  map[string]*time.Timer
	ctx     context.Context
	cancel  context.CancelFunc

	wg sync.WaitGroup
}

// NewScheduler constructs the scheduler.
func NewScheduler(store *vault.Store, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		logger:   logger,
		minDelay: time.Minute,
		timers:   make(map[string]*time.Timer),
	}
}

// OnWake installs the handler invoked when any alarm fires. The handler must
// be idempotent: it may run when nothing needs doing.
func (s *Scheduler) OnWake(h func(ctx context.Context)) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Start reloads persisted alarms, arms them, and guarantees the periodic
// baseline check exists.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	alarms, err := s.store.Alarms(ctx)
	if err != nil {
		return fmt.Errorf("reload alarms: %w", err)
	}

	haveBaseline := false
	for _, alarm := range alarms {
		if alarm.Name == baselineAlarm {
			haveBaseline = true
		}
		s.arm(alarm)
	}
	if !haveBaseline {
		if err := s.Schedule(ctx, baselineAlarm, baselinePeriod, baselinePeriod); err != nil {
			return fmt.Errorf("schedule baseline check: %w", err)
		}
	}
	s.logger.Info("scheduler started", "alarms", len(alarms))
	return nil
}

// Schedule registers (or replaces) a durable named alarm firing after delay.
// A non-zero period makes it repeat. Delays below the facility's minute
// granularity are rounded up.
func (s *Scheduler) Schedule(ctx context.Context, name string, delay, period time.Duration) error {
	if delay < s.minDelay {
		delay = s.minDelay
	}
	alarm := vault.Alarm{
		Name:   name,
		FireAt: time.Now().Add(delay),
		Period: period,
	}
	if err := s.store.SaveAlarm(ctx, alarm); err != nil {
		return err
	}
	s.arm(alarm)
	return nil
}

// Cancel removes a named alarm. Idempotent.
func (s *Scheduler) Cancel(ctx context.Context, name string) error {
	s.mu.Lock()
	if timer, ok := s.timers[name]; ok {
		timer.Stop()
		delete(s.timers, name)
	}
	s.mu.Unlock()
	return s.store.DeleteAlarm(ctx, name)
}

// Stop halts all timers and waits for in-flight wakes to finish. Persisted
// alarms stay on disk for the next Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	for name, timer := range s.timers {
		timer.Stop()
		delete(s.timers, name)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) arm(alarm vault.Alarm) {
	delay := time.Until(alarm.FireAt)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.timers[alarm.Name]; ok {
		existing.Stop()
	}
	s.timers[alarm.Name] = time.AfterFunc(delay, func() {
		s.fire(alarm)
	})
}

func (s *Scheduler) fire(alarm vault.Alarm) {
	s.mu.Lock()
	ctx := s.ctx
	handler := s.handler
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	if handler != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("wake handler panicked", "alarm", alarm.Name, "panic", r)
				}
			}()
			handler(ctx)
		}()
	}

	if alarm.Period > 0 {
		next := vault.Alarm{Name: alarm.Name, FireAt: time.Now().Add(alarm.Period), Period: alarm.Period}
		if err := s.store.SaveAlarm(ctx, next); err != nil {
			s.logger.Error("reschedule periodic alarm", "alarm", alarm.Name, "error", err)
		}
		s.arm(next)
		return
	}

	if err := s.store.DeleteAlarm(ctx, alarm.Name); err != nil {
		s.logger.Error("drop fired alarm", "alarm", alarm.Name, "error", err)
	}
	s.mu.Lock()
	delete(s.timers, alarm.Name)
	s.mu.Unlock()
}
