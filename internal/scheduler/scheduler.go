// Package scheduler runs the periodic auto-assign and cleanup sweeps.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Lifecycle is the sweep side of the request lifecycle manager.
type Lifecycle interface {
	SweepPending(ctx context.Context) (int, error)
	ExpireStale(ctx context.Context) (int, error)
}

type StaleMarker interface {
	MarkStale(ctx context.Context) int
}

type RoomCleaner interface {
	CleanupIdle(ctx context.Context) int
}

type Config struct {
	AutoAssignInterval time.Duration
	CleanupInterval    time.Duration
	SweepTimeout       time.Duration
}

// Scheduler drives two independent loops. Each loop skips a tick while its
// previous run is still going, and a panicking run is recovered and logged.
type Scheduler struct {
	cron      *cron.Cron
	lifecycle Lifecycle
	doctors   StaleMarker
	rooms     RoomCleaner
	cfg       Config
	log       *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
}

func New(lifecycle Lifecycle, doctors StaleMarker, rooms RoomCleaner, cfg Config, log *logrus.Entry) *Scheduler {
	cronLog := cron.PrintfLogger(log)
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLog),
			cron.SkipIfStillRunning(cronLog),
		)),
		lifecycle: lifecycle,
		doctors:   doctors,
		rooms:     rooms,
		cfg:       cfg,
		log:       log,
	}
}

// Start registers both loops and runs one cleanup immediately. The loops stop
// when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if _, err := s.cron.AddFunc(every(s.cfg.AutoAssignInterval), func() { s.RunAutoAssign(s.ctx) }); err != nil {
		return fmt.Errorf("schedule auto-assign sweep: %w", err)
	}
	if _, err := s.cron.AddFunc(every(s.cfg.CleanupInterval), func() { s.RunCleanup(s.ctx) }); err != nil {
		return fmt.Errorf("schedule cleanup sweep: %w", err)
	}

	s.RunCleanup(s.ctx)
	s.cron.Start()

	s.log.WithFields(logrus.Fields{
		"auto_assign_interval": s.cfg.AutoAssignInterval,
		"cleanup_interval":     s.cfg.CleanupInterval,
	}).Info("scheduler started")
	return nil
}

// Stop cancels in-flight sweeps and waits for them to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// RunAutoAssign is one auto-assign sweep.
func (s *Scheduler) RunAutoAssign(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.SweepTimeout)
	defer cancel()

	start := time.Now()
	assigned, err := s.lifecycle.SweepPending(runCtx)
	if err != nil {
		s.log.WithError(err).Warn("auto-assign sweep failed, retrying next tick")
		return
	}
	s.log.WithFields(logrus.Fields{
		"assigned": assigned,
		"duration": time.Since(start),
	}).Debug("auto-assign sweep complete")
}

// RunCleanup expires timed-out requests, takes silent doctors offline and
// removes idle rooms. A failing step does not stop the others.
func (s *Scheduler) RunCleanup(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.SweepTimeout)
	defer cancel()

	start := time.Now()
	fields := logrus.Fields{}

	expired, err := s.lifecycle.ExpireStale(runCtx)
	if err != nil {
		s.log.WithError(err).Warn("request expiry failed, retrying next tick")
	}
	fields["expired_requests"] = expired
	fields["stale_doctors"] = s.doctors.MarkStale(runCtx)
	fields["idle_rooms"] = s.rooms.CleanupIdle(runCtx)
	fields["duration"] = time.Since(start)

	s.log.WithFields(fields).Info("cleanup sweep complete")
}

func every(d time.Duration) string {
	return "@every " + d.String()
}
