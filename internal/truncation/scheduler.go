// Package truncation periodically drains the session ids SessionManager
// has queued for history trimming and caps each one's transcript at the
// configured row count. The scheduling shape is the same cron.Cron-backed
// start/stop/wait-for-drain loop used for periodic maintenance throughout
// the example pack; here the interval is a fixed duration passed to Start
// (30s in cmd/portal-backend) rather
// than calendar-based, so it is registered with cron's "@every" syntax
// instead of a five-field expression.
package truncation

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/meawoppl/claude-code-portal-sub000/internal/logging"
	"github.com/meawoppl/claude-code-portal-sub000/internal/metrics"
	"github.com/meawoppl/claude-code-portal-sub000/internal/repository"
	"github.com/meawoppl/claude-code-portal-sub000/internal/sessionmanager"
)

// Scheduler drains SessionManager.DrainPendingTruncations on a fixed
// interval and truncates each named session's transcript via the
// repository.
type Scheduler struct {
	mgr   *sessionmanager.Manager
	repo  repository.Repository
	keep  int
	mtx   *metrics.Registry

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
}

// New builds a Scheduler that keeps the most recent keep rows per session.
// mtx may be nil, in which case sweeps run without metrics instrumentation.
func New(mgr *sessionmanager.Manager, repo repository.Repository, keep int, mtx *metrics.Registry) *Scheduler {
	return &Scheduler{mgr: mgr, repo: repo, keep: keep, mtx: mtx, cron: cron.New()}
}

// Start schedules a sweep every interval and begins running immediately in
// the background; it returns once the job is registered. Stop, or ctx
// cancellation, ends the schedule and waits for any in-flight sweep.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	spec := "@every " + interval.String()
	if _, err := s.cron.AddFunc(spec, func() { s.sweep(ctx) }); err != nil {
		return err
	}

	s.cron.Start()
	s.running = true

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop halts the schedule and blocks until any in-flight sweep completes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.running = false
}

func (s *Scheduler) sweep(ctx context.Context) {
	sessions := s.mgr.DrainPendingTruncations()
	if len(sessions) == 0 {
		return
	}

	if s.mtx != nil {
		s.mtx.TruncationRuns.Inc()
	}

	for _, sessionID := range sessions {
		deleted, err := s.repo.TruncateSessionMessages(ctx, sessionID, s.keep)
		if err != nil {
			logging.Warn().Err(err).Str("session_id", sessionID).Msg("truncation: sweep failed")
			continue
		}
		if deleted > 0 {
			logging.Debug().Str("session_id", sessionID).Int("deleted", deleted).Msg("truncation: sweep trimmed transcript")
			if s.mtx != nil {
				s.mtx.TruncatedRows.Add(float64(deleted))
			}
		}
	}
}
