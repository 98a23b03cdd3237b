// Package scheduler runs background jobs on fixed intervals.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Job is one unit of background work. ctx is cancelled when the scheduler stops.
type Job func(ctx context.Context)

// Scheduler wraps a cron runner. Overlapping runs of the same job are skipped.
type Scheduler struct {
	cron *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	names   map[cron.EntryID]string
}

// New returns an idle scheduler.
func New() *Scheduler {
	logger := cron.PrintfLogger(log.WithField("component", "scheduler"))
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx:    ctx,
		cancel: cancel,
		names:  make(map[cron.EntryID]string),
	}
}

// Every registers job to run each interval.
func (s *Scheduler) Every(name string, interval time.Duration, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: %s: interval must be positive", name)
	}
	return s.add(name, "@every "+interval.String(), job)
}

// Cron registers job on a standard cron expression.
func (s *Scheduler) Cron(name, spec string, job Job) error {
	spec = strings.TrimSpace(spec)
	if _, errParse := cron.ParseStandard(spec); errParse != nil {
		return fmt.Errorf("scheduler: %s: invalid cron schedule %q: %w", name, spec, errParse)
	}
	return s.add(name, spec, job)
}

func (s *Scheduler) add(name, spec string, job Job) error {
	if job == nil {
		return fmt.Errorf("scheduler: %s: nil job", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx := s.ctx
	id, errAdd := s.cron.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		started := time.Now()
		job(ctx)
		log.WithFields(log.Fields{"job": name, "elapsed": time.Since(started)}).Debug("scheduled job finished")
	})
	if errAdd != nil {
		return fmt.Errorf("scheduler: %s: %w", name, errAdd)
	}
	s.names[id] = name
	log.WithFields(log.Fields{"job": name, "schedule": spec}).Info("scheduled job registered")
	return nil
}

// Start begins running jobs. Cancelling ctx stops the scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.cron.Start()
	s.running = true
	s.mu.Unlock()

	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.Stop()
			case <-s.ctx.Done():
			}
		}()
	}
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	log.Info("scheduler stopped")
}

// NextRun returns the next scheduled time of the named job.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.cron.Entries() {
		if s.names[entry.ID] == name {
			return entry.Next, true
		}
	}
	return time.Time{}, false
}
