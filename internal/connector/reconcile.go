package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"interview-analytics/internal/observability/metrics"
)

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	Scanned        int           `json:"scanned"`
	Stale          int           `json:"stale"`
	Reconnected    int           `json:"reconnected"`
	Failed         int           `json:"failed"`
	StaleThreshold time.Duration `json:"stale_threshold"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Reconcile reconnects connected sessions that have not been updated for
// longer than the stale threshold. Every recorded session is scanned, oldest
// first, and at most limit stale sessions are reconnected per pass; the rest
// wait for the next pass. Failed reconnects are counted and not retried
// until the next pass.
func (s *Service) Reconcile(ctx context.Context, limit int) (ReconcileReport, error) {
	threshold := s.cfg.Reconcile.StaleThreshold
	if threshold <= 0 {
		threshold = 15 * time.Minute
	}
	if limit <= 0 {
		limit = s.cfg.Reconcile.Limit
	}
	now := s.now()
	report := ReconcileReport{StaleThreshold: threshold, UpdatedAt: now.UTC()}

	sessions, err := s.registry.List(ctx, 0)
	if err != nil {
		return report, err
	}
	report.Scanned = len(sessions)
	for i := len(sessions) - 1; i >= 0; i-- {
		state := sessions[i]
		if !state.Connected || now.Sub(state.UpdatedAt) <= threshold {
			continue
		}
		report.Stale++
		if limit > 0 && report.Reconnected+report.Failed >= limit {
			continue
		}
		if _, err := s.Reconnect(ctx, state.ResourceID); err != nil {
			report.Failed++
			s.logger.Warn("stale session reconnect failed", "meeting_id", state.ResourceID, "error", err)
			continue
		}
		report.Reconnected++
	}
	s.metrics.RecordReconcile(metrics.ReconcileResult{
		Scanned:     report.Scanned,
		Stale:       report.Stale,
		Reconnected: report.Reconnected,
		Failed:      report.Failed,
	})
	if report.Stale > 0 {
		s.logger.Info("reconciliation finished", "scanned", report.Scanned, "stale", report.Stale, "reconnected", report.Reconnected, "failed", report.Failed)
	}
	return report, nil
}

// TickReport collects the outcome of every step of one background tick.
// Skipped steps leave their fields zero.
type TickReport struct {
	AutoReset    bool
	AutoResetErr error
	Reconcile    *ReconcileReport
	ReconcileErr error
	LivePull     *LivePullReport
	LivePullErr  error
}

// Err joins the step errors, if any.
func (r TickReport) Err() error {
	return errors.Join(r.AutoResetErr, r.ReconcileErr, r.LivePullErr)
}

// Tick runs breaker auto-reset, reconciliation and live pull in that order.
// The steps are independent: an error or panic in one does not skip the
// others.
func (s *Service) Tick(ctx context.Context) TickReport {
	var report TickReport
	report.AutoResetErr = step("auto-reset", func() error {
		var err error
		report.AutoReset, err = s.AutoResetBreaker(ctx)
		return err
	})
	if s.cfg.Reconcile.Enabled {
		report.ReconcileErr = step("reconcile", func() error {
			result, err := s.Reconcile(ctx, s.cfg.Reconcile.Limit)
			report.Reconcile = &result
			return err
		})
	}
	if s.cfg.LivePull.Enabled {
		report.LivePullErr = step("live pull", func() error {
			result, err := s.PullLiveSessions(ctx)
			report.LivePull = &result
			return err
		})
	}
	if err := s.RefreshMetrics(ctx); err != nil {
		s.logger.Warn("connector metrics refresh failed", "error", err)
	}
	if err := report.Err(); err != nil {
		s.logger.Error("connector tick step failed", "error", err)
	}
	return report
}

func step(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
