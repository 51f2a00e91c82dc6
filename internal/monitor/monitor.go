// Package monitor periodically scans the task ledger for work that is stuck,
// recently failed, or failing at an unhealthy rate, and notifies task owners.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/factorhub/factorhub/internal/config"
	"github.com/factorhub/factorhub/internal/events"
	"github.com/factorhub/factorhub/internal/notify"
	"github.com/factorhub/factorhub/internal/tasks"
)

// forceFailGrace is how far past the hard timeout a running task record may
// drift before the monitor force-fails it. Covers records orphaned by a
// process crash, where no worker remains to finalize them.
const forceFailGrace = 5 * time.Minute

// platformOwner receives alerts that have no single task owner.
const platformOwner = "platform"

// TaskStore is the slice of the task ledger the monitor reads and amends.
// Satisfied by *tasks.Repository.
type TaskStore interface {
	QueryByStatus(status tasks.Status) ([]tasks.Task, error)
	QueryFailedSince(since time.Time) ([]tasks.Task, error)
	CountByOutcome(since time.Time) (total, failed int, err error)
	MarkFailed(id string, reason string) error
}

// Monitor runs phased scans over the task ledger.
type Monitor struct {
	repo     TaskStore
	notifier notify.Notifier
	bus      *events.Bus
	cfg      config.MonitorConfig
	workers  config.WorkersConfig
	log      zerolog.Logger

	now func() time.Time
}

// New creates a stuck-task monitor
func New(repo TaskStore, notifier notify.Notifier, bus *events.Bus, cfg config.MonitorConfig, workers config.WorkersConfig, log zerolog.Logger) *Monitor {
	return &Monitor{
		repo:     repo,
		notifier: notifier,
		bus:      bus,
		cfg:      cfg,
		workers:  workers,
		log:      log.With().Str("component", "monitor").Logger(),
		now:      time.Now,
	}
}

// Name identifies the monitor to the scheduler.
func (m *Monitor) Name() string { return "stuck_task_monitor" }

// Run executes one full scan. Each phase is isolated: a phase failure is
// logged and the remaining phases still run.
func (m *Monitor) Run(ctx context.Context) error {
	now := m.now().UTC()

	phases := []struct {
		name string
		scan func(time.Time) ([]Alert, error)
	}{
		{"long_running", m.scanLongRunning},
		{"recent_failures", m.scanRecentFailures},
		{"failure_rate", m.scanFailureRate},
	}

	var alerts []Alert
	failedPhases := 0
	for _, phase := range phases {
		found, err := phase.scan(now)
		if err != nil {
			failedPhases++
			m.log.Error().Err(err).Str("phase", phase.name).Msg("Monitor phase failed")
			continue
		}
		alerts = append(alerts, found...)
	}

	m.dispatch(ctx, alerts)

	m.log.Info().
		Int("alerts", len(alerts)).
		Int("failed_phases", failedPhases).
		Msg("Monitor scan finished")

	if failedPhases == len(phases) {
		return fmt.Errorf("all %d monitor phases failed", failedPhases)
	}
	return nil
}

// scanLongRunning flags running tasks past the long-running threshold and
// force-fails records stranded past the hard timeout.
func (m *Monitor) scanLongRunning(now time.Time) ([]Alert, error) {
	running, err := m.repo.QueryByStatus(tasks.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to query running tasks: %w", err)
	}

	var alerts []Alert
	for i := range running {
		task := &running[i]
		soft, hard := m.timeoutsFor(task.Type)
		if soft <= 0 {
			continue
		}

		elapsed := task.Elapsed(now)
		if elapsed <= 0 {
			continue
		}

		if elapsed > hard+forceFailGrace {
			reason := fmt.Sprintf("force-failed by monitor: running for %s, hard timeout is %s", elapsed.Round(time.Second), hard)
			if err := m.repo.MarkFailed(task.ID, reason); err != nil {
				m.log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to force-fail stranded task")
				continue
			}
			alerts = append(alerts, Alert{
				Severity:   SeverityError,
				Category:   CategoryForceFailed,
				TaskID:     task.ID,
				Owner:      task.Owner,
				Subject:    task.Subject,
				Message:    fmt.Sprintf("task %s (%s) %s", task.ID, task.Subject, reason),
				DetectedAt: now,
			})
			continue
		}

		threshold := time.Duration(m.cfg.LongRunningFraction * float64(soft))
		if elapsed >= threshold {
			alerts = append(alerts, Alert{
				Severity:   SeverityWarning,
				Category:   CategoryLongRunning,
				TaskID:     task.ID,
				Owner:      task.Owner,
				Subject:    task.Subject,
				Message:    fmt.Sprintf("task %s (%s) running for %s, soft timeout is %s", task.ID, task.Subject, elapsed.Round(time.Second), soft),
				DetectedAt: now,
			})
		}
	}
	return alerts, nil
}

// scanRecentFailures flags tasks that failed inside the recent window.
func (m *Monitor) scanRecentFailures(now time.Time) ([]Alert, error) {
	failed, err := m.repo.QueryFailedSince(now.Add(-m.cfg.RecentFailureWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to query recent failures: %w", err)
	}

	var alerts []Alert
	for i := range failed {
		task := &failed[i]
		alerts = append(alerts, Alert{
			Severity:   SeverityError,
			Category:   CategoryRecentFailure,
			TaskID:     task.ID,
			Owner:      task.Owner,
			Subject:    task.Subject,
			Message:    fmt.Sprintf("task %s (%s) failed: %s", task.ID, task.Subject, task.LastError),
			DetectedAt: now,
		})
	}
	return alerts, nil
}

// scanFailureRate raises a platform-wide alert when the failure rate over the
// long window exceeds the configured limit. A rate exactly at the limit stays
// quiet. Small samples are ignored.
func (m *Monitor) scanFailureRate(now time.Time) ([]Alert, error) {
	total, failed, err := m.repo.CountByOutcome(now.Add(-m.cfg.FailureRateWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to count outcomes: %w", err)
	}

	if total < m.cfg.MinSampleSize {
		return nil, nil
	}

	rate := float64(failed) / float64(total)
	if rate <= m.cfg.FailureRateLimit {
		return nil, nil
	}

	return []Alert{{
		Severity:   SeverityCritical,
		Category:   CategoryFailureRate,
		Owner:      platformOwner,
		Message:    fmt.Sprintf("%d of %d tasks failed in the last %s (%.0f%%, limit %.0f%%)", failed, total, m.cfg.FailureRateWindow, rate*100, m.cfg.FailureRateLimit*100),
		DetectedAt: now,
	}}, nil
}

// dispatch groups alerts per owner and sends one digest each. Delivery
// failures are logged; the scan itself never fails on them.
func (m *Monitor) dispatch(ctx context.Context, alerts []Alert) {
	if len(alerts) == 0 {
		return
	}

	byOwner := make(map[string][]Alert)
	for _, alert := range alerts {
		owner := alert.Owner
		if owner == "" {
			owner = platformOwner
		}
		byOwner[owner] = append(byOwner[owner], alert)

		if m.bus != nil {
			m.bus.Publish(events.AlertRaised, "monitor", alert.TaskID, map[string]any{
				"severity": string(alert.Severity),
				"category": string(alert.Category),
				"owner":    owner,
				"message":  alert.Message,
			})
		}
	}

	owners := make([]string, 0, len(byOwner))
	for owner := range byOwner {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	for _, owner := range owners {
		group := byOwner[owner]

		worst := SeverityWarning
		lines := make([]string, 0, len(group))
		for _, alert := range group {
			if alert.Severity.rank() > worst.rank() {
				worst = alert.Severity
			}
			lines = append(lines, fmt.Sprintf("[%s] %s", alert.Category, alert.Message))
		}

		title := fmt.Sprintf("%d task alert(s)", len(group))
		if err := m.notifier.Notify(ctx, owner, string(worst), title, strings.Join(lines, "\n")); err != nil {
			m.log.Error().
				Err(err).
				Str("owner", owner).
				Int("alerts", len(group)).
				Msg("Failed to deliver alert digest")
		}
	}
}

// timeoutsFor maps a task type to its soft and hard timeouts.
func (m *Monitor) timeoutsFor(taskType tasks.Type) (soft, hard time.Duration) {
	switch taskType {
	case tasks.TypeEvaluation:
		return m.workers.EvaluationSoftTimeout, m.workers.EvaluationHardTimeout
	case tasks.TypeMetricsSync:
		return m.workers.MetricsSyncSoftTimeout, m.workers.MetricsSyncHardTimeout
	default:
		return 0, 0
	}
}
