// Package jobs vends a supervisor for fire-and-forget background jobs whose lifetime must not be tied to
// the request which spawned them.
package jobs

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"wuyrush.io/snap/common/logging"
	se "wuyrush.io/snap/errors"
	"wuyrush.io/snap/metrics"
)

// Job is a unit of background work. ctx is cancelled only when the supervisor gives up waiting on shutdown
type Job func(ctx context.Context) error

// Supervisor runs jobs detached from their callers with bounded concurrency, recovers their panics, logs
// their failures and waits for all of them on Shutdown.
type Supervisor struct {
	name     string
	quotas   chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	draining chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewSupervisor(name string, poolSize int) *Supervisor {
	if poolSize <= 0 {
		poolSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		name:     name,
		quotas:   make(chan struct{}, poolSize),
		draining: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Go schedules job to run in background. It never blocks on the pool being saturated; the job waits for
// its quota in its own goroutine
func (s *Supervisor) Go(name string, fields log.Fields, job Job) *se.Err {
	return s.GoAfter(0, name, fields, job)
}

// GoAfter is like Go but delays the job by at least d. A delayed job starts right away once shutdown
// begins, so that no accepted job is dropped
func (s *Supervisor) GoAfter(d time.Duration, name string, fields log.Fields, job Job) *se.Err {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return se.NewBusy("service is shutting down")
	}
	s.wg.Add(1)
	go s.run(d, name, fields, job)
	return nil
}

func (s *Supervisor) run(d time.Duration, name string, fields log.Fields, job Job) {
	defer s.wg.Done()
	clog := logging.WithFuncName().WithFields(fields).WithFields(log.Fields{"supervisor": s.name, "job": name})
	if d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-s.draining:
			t.Stop()
		}
	}
	// NOTE individual job should be responsible for acquiring quota otherwise we risk blocking the caller
	s.quotas <- struct{}{}
	defer func() { <-s.quotas }()
	inFlight := metrics.JobsInFlight.WithLabelValues(s.name)
	inFlight.Inc()
	defer inFlight.Dec()
	defer func() {
		if r := recover(); r != nil {
			clog.WithField("panicReason", r).Error("got panic from background job")
		}
	}()
	start := time.Now()
	if err := job(s.ctx); err != nil {
		clog.WithError(err).Error("background job failed")
		return
	}
	clog.WithField("elapsed", time.Since(start)).Debug("background job done")
}

// Shutdown stops accepting jobs and waits for the running and pending ones to finish. If ctx is done
// first, the jobs' context gets cancelled and ctx's error is returned
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.draining)
	}
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}
