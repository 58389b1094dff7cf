// Package scheduler runs the periodic reconciliation tasks.
package scheduler

import (
	"context"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/0xb10c/treasury-go/src/metrics"
)

// ErrBusy is returned by RunOnce while a run of the same task is in progress.
var ErrBusy = errors.New("task is already running")

// Task is one unit of periodic work.
type Task func(ctx context.Context) error

// Scheduler runs a task on every tick and whenever it is triggered. Runs of
// the same scheduler never overlap; triggers that arrive during a run are
// coalesced into a single follow-up run.
type Scheduler struct {
	name    string
	task    Task
	ticker  ticker.Ticker
	trigger chan struct{}

	running  atomic.Bool
	runs     atomic.Int64
	failures atomic.Int64

	log logrus.FieldLogger
}

// New returns a scheduler running task every interval.
func New(name string, interval time.Duration, task Task, log logrus.FieldLogger) *Scheduler {
	return NewWithTicker(name, ticker.New(interval), task, log)
}

// NewWithTicker is New with a caller supplied ticker, e.g. ticker.NewForce.
func NewWithTicker(name string, t ticker.Ticker, task Task, log logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		name:    name,
		task:    task,
		ticker:  t,
		trigger: make(chan struct{}, 1),
		log: log.WithFields(logrus.Fields{
			"component": "scheduler",
			"task":      name,
		}),
	}
}

// Trigger asks for a run as soon as possible. It never blocks.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run runs the task once right away and then on every tick or trigger until
// ctx is cancelled. Failed runs are logged and retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ticker.Resume()
	defer s.ticker.Stop()

	s.log.Info("started")
	_ = s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("stopped")
			return nil
		case <-s.ticker.Ticks():
		case <-s.trigger:
		}
		if err := s.RunOnce(ctx); errors.Is(err, ErrBusy) {
			s.log.Debug("run skipped, previous run still in progress")
		}
	}
}

// RunOnce runs the task now unless a run is already in progress.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.running.Store(false)

	start := time.Now()
	err := s.task(ctx)
	s.runs.Inc()
	metrics.RunCompleted(s.name, err)

	log := s.log.WithField("duration", time.Since(start).String())
	switch {
	case err == nil:
		log.Debug("run completed")
	case ctx.Err() != nil:
		log.WithError(err).Info("run interrupted by shutdown")
	default:
		s.failures.Inc()
		log.WithError(err).Error("run failed")
	}
	return err
}

// Runs is the number of completed runs, failed ones included.
func (s *Scheduler) Runs() int64 {
	return s.runs.Load()
}

func (s *Scheduler) Failures() int64 {
	return s.failures.Load()
}

func (s *Scheduler) Name() string {
	return s.name
}
