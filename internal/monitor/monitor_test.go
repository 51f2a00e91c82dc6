package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorhub/factorhub/internal/config"
	"github.com/factorhub/factorhub/internal/database"
	"github.com/factorhub/factorhub/internal/events"
	"github.com/factorhub/factorhub/internal/tasks"
)

// recordingNotifier captures delivered digests.
type recordingNotifier struct {
	digests []digest
	err     error
}

type digest struct {
	recipient string
	severity  string
	title     string
	body      string
}

func (n *recordingNotifier) Notify(_ context.Context, recipient, severity, title, body string) error {
	if n.err != nil {
		return n.err
	}
	n.digests = append(n.digests, digest{recipient, severity, title, body})
	return nil
}

var monitorDBCounter int

func monitorCfg() config.MonitorConfig {
	return config.MonitorConfig{
		Interval:            30 * time.Minute,
		LongRunningFraction: 0.8,
		RecentFailureWindow: time.Hour,
		FailureRateWindow:   24 * time.Hour,
		FailureRateLimit:    0.30,
		MinSampleSize:       5,
	}
}

func workersCfg() config.WorkersConfig {
	return config.WorkersConfig{
		EvaluationSoftTimeout:  55 * time.Minute,
		EvaluationHardTimeout:  time.Hour,
		MetricsSyncSoftTimeout: 5 * time.Minute,
		MetricsSyncHardTimeout: 10 * time.Minute,
	}
}

func newTestMonitor(t *testing.T) (*Monitor, *tasks.Repository, *recordingNotifier, *sql.DB) {
	t.Helper()

	monitorDBCounter++
	db, err := database.New(database.Config{
		Path: fmt.Sprintf("file:monitor_test_%d?mode=memory&cache=shared", monitorDBCounter),
		Name: "monitor",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := tasks.NewRepository(db.Conn(), zerolog.Nop())
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	m := New(repo, notifier, events.NewBus(zerolog.Nop()), monitorCfg(), workersCfg(), zerolog.Nop())
	return m, repo, notifier, db.Conn()
}

// startRunningTask creates a running task whose started_at lies `ago` in the past.
func startRunningTask(t *testing.T, repo *tasks.Repository, conn *sql.DB, id, owner string, ago time.Duration) {
	t.Helper()

	require.NoError(t, repo.Create(&tasks.Task{
		ID:      id,
		Type:    tasks.TypeEvaluation,
		Status:  tasks.StatusPending,
		Subject: "momentum_20d",
		Owner:   owner,
	}))
	require.NoError(t, repo.MarkRunning(id))

	started := time.Now().UTC().Add(-ago).Format(time.RFC3339Nano)
	_, err := conn.Exec(`UPDATE tasks SET started_at = ? WHERE id = ?`, started, id)
	require.NoError(t, err)
}

// failTask creates a failed task whose completed_at lies `ago` in the past.
func failTask(t *testing.T, repo *tasks.Repository, conn *sql.DB, id, owner string, ago time.Duration, reason string) {
	t.Helper()

	require.NoError(t, repo.Create(&tasks.Task{
		ID:      id,
		Type:    tasks.TypeEvaluation,
		Status:  tasks.StatusPending,
		Subject: "momentum_20d",
		Owner:   owner,
	}))
	require.NoError(t, repo.MarkFailed(id, reason))

	completed := time.Now().UTC().Add(-ago).Format(time.RFC3339Nano)
	_, err := conn.Exec(`UPDATE tasks SET completed_at = ? WHERE id = ?`, completed, id)
	require.NoError(t, err)
}

// completeTask creates a completed task.
func completeTask(t *testing.T, repo *tasks.Repository, id, owner string) {
	t.Helper()

	require.NoError(t, repo.Create(&tasks.Task{
		ID:      id,
		Type:    tasks.TypeEvaluation,
		Status:  tasks.StatusPending,
		Subject: "momentum_20d",
		Owner:   owner,
	}))
	require.NoError(t, repo.MarkCompleted(id))
}

func TestScanLongRunning_ThresholdAt80PercentOfSoftTimeout(t *testing.T) {
	m, repo, notifier, conn := newTestMonitor(t)

	// 55m soft timeout, 0.8 fraction: threshold is 44m.
	startRunningTask(t, repo, conn, "slow", "alice", 56*time.Minute)
	startRunningTask(t, repo, conn, "fresh", "bob", 10*time.Minute)

	require.NoError(t, m.Run(context.Background()))

	require.Len(t, notifier.digests, 1)
	d := notifier.digests[0]
	assert.Equal(t, "alice", d.recipient)
	assert.Equal(t, string(SeverityWarning), d.severity)
	assert.Contains(t, d.body, "slow")
	assert.Contains(t, d.body, string(CategoryLongRunning))
	assert.NotContains(t, d.body, "fresh")
}

func TestScanLongRunning_ForceFailsStrandedTasks(t *testing.T) {
	m, repo, notifier, conn := newTestMonitor(t)

	// Well past the 1h hard timeout plus grace. No worker is finalizing it.
	startRunningTask(t, repo, conn, "stranded", "alice", 2*time.Hour)

	require.NoError(t, m.Run(context.Background()))

	task, err := repo.Get("stranded")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, task.Status)
	assert.Contains(t, task.LastError, "force-failed by monitor")

	require.Len(t, notifier.digests, 1)
	assert.Equal(t, string(SeverityError), notifier.digests[0].severity)
	assert.Contains(t, notifier.digests[0].body, string(CategoryForceFailed))
}

func TestScanRecentFailures_WindowedAndOutside(t *testing.T) {
	m, repo, notifier, conn := newTestMonitor(t)

	failTask(t, repo, conn, "recent", "alice", 30*time.Minute, "concurrency limit reached and retries exhausted")
	failTask(t, repo, conn, "stale", "alice", 3*time.Hour, "old failure")

	require.NoError(t, m.Run(context.Background()))

	require.Len(t, notifier.digests, 1)
	d := notifier.digests[0]
	assert.Equal(t, "alice", d.recipient)
	assert.Contains(t, d.body, "recent")
	assert.Contains(t, d.body, "retries exhausted")
	assert.NotContains(t, d.body, "stale")
}

func TestScanFailureRate_FiresAboveLimit(t *testing.T) {
	m, repo, notifier, conn := newTestMonitor(t)

	// 4 failed of 10 recent outcomes: 40% > 30% limit.
	for i := 0; i < 6; i++ {
		completeTask(t, repo, fmt.Sprintf("ok-%d", i), "alice")
	}
	for i := 0; i < 4; i++ {
		failTask(t, repo, conn, fmt.Sprintf("bad-%d", i), "alice", 2*time.Hour, "boom")
	}

	require.NoError(t, m.Run(context.Background()))

	var platform *digest
	for i := range notifier.digests {
		if notifier.digests[i].recipient == platformOwner {
			platform = &notifier.digests[i]
		}
	}
	require.NotNil(t, platform, "expected a platform-wide failure rate digest")
	assert.Equal(t, string(SeverityCritical), platform.severity)
	assert.Contains(t, platform.body, "4 of 10")
}

func TestScanFailureRate_QuietBelowLimitAndSmallSamples(t *testing.T) {
	t.Run("below limit", func(t *testing.T) {
		m, repo, notifier, conn := newTestMonitor(t)

		// 2 failed of 10: 20% < 30% limit. Failures are old enough to stay
		// out of the recent-failure window.
		for i := 0; i < 8; i++ {
			completeTask(t, repo, fmt.Sprintf("ok-%d", i), "alice")
		}
		for i := 0; i < 2; i++ {
			failTask(t, repo, conn, fmt.Sprintf("bad-%d", i), "alice", 2*time.Hour, "boom")
		}

		require.NoError(t, m.Run(context.Background()))
		for _, d := range notifier.digests {
			assert.NotEqual(t, platformOwner, d.recipient)
		}
	})

	t.Run("exactly at limit", func(t *testing.T) {
		m, repo, notifier, conn := newTestMonitor(t)

		// 3 failed of 10 sits exactly on the 30% limit. The rate has to
		// exceed the limit to alert, so this stays quiet.
		for i := 0; i < 7; i++ {
			completeTask(t, repo, fmt.Sprintf("ok-%d", i), "alice")
		}
		for i := 0; i < 3; i++ {
			failTask(t, repo, conn, fmt.Sprintf("bad-%d", i), "alice", 2*time.Hour, "boom")
		}

		require.NoError(t, m.Run(context.Background()))
		for _, d := range notifier.digests {
			assert.NotEqual(t, platformOwner, d.recipient)
		}
	})

	t.Run("small sample", func(t *testing.T) {
		m, repo, notifier, conn := newTestMonitor(t)

		// 100% failure rate but only 2 outcomes, below the minimum sample.
		failTask(t, repo, conn, "bad-0", "alice", 2*time.Hour, "boom")
		failTask(t, repo, conn, "bad-1", "alice", 2*time.Hour, "boom")

		require.NoError(t, m.Run(context.Background()))
		for _, d := range notifier.digests {
			assert.NotEqual(t, platformOwner, d.recipient)
		}
	})
}

func TestDispatch_GroupsAlertsPerOwner(t *testing.T) {
	m, repo, notifier, conn := newTestMonitor(t)

	failTask(t, repo, conn, "a1", "alice", 10*time.Minute, "boom")
	failTask(t, repo, conn, "a2", "alice", 20*time.Minute, "boom")
	failTask(t, repo, conn, "b1", "bob", 15*time.Minute, "boom")

	require.NoError(t, m.Run(context.Background()))

	byRecipient := map[string]digest{}
	for _, d := range notifier.digests {
		byRecipient[d.recipient] = d
	}

	alice, ok := byRecipient["alice"]
	require.True(t, ok)
	assert.Contains(t, alice.title, "2")
	assert.Equal(t, 2, strings.Count(alice.body, "[recent_failure]"))

	bob, ok := byRecipient["bob"]
	require.True(t, ok)
	assert.Contains(t, bob.title, "1")
}

// brokenStatusStore fails the running-task query while leaving the other
// scans intact.
type brokenStatusStore struct {
	TaskStore
}

func (s *brokenStatusStore) QueryByStatus(tasks.Status) ([]tasks.Task, error) {
	return nil, fmt.Errorf("disk on fire")
}

func TestRun_PhaseFailureIsIsolated(t *testing.T) {
	m, repo, notifier, conn := newTestMonitor(t)
	m.repo = &brokenStatusStore{TaskStore: repo}

	failTask(t, repo, conn, "recent", "alice", 10*time.Minute, "boom")

	// The long-running phase errors, but recent failures still flow.
	require.NoError(t, m.Run(context.Background()))

	require.NotEmpty(t, notifier.digests)
	assert.Contains(t, notifier.digests[0].body, "recent")
}

// brokenStore fails every scan.
type brokenStore struct{}

func (brokenStore) QueryByStatus(tasks.Status) ([]tasks.Task, error) { return nil, fmt.Errorf("no") }
func (brokenStore) QueryFailedSince(time.Time) ([]tasks.Task, error) { return nil, fmt.Errorf("no") }
func (brokenStore) CountByOutcome(time.Time) (int, int, error)       { return 0, 0, fmt.Errorf("no") }
func (brokenStore) MarkFailed(string, string) error                  { return fmt.Errorf("no") }

func TestRun_AllPhasesFailingIsAnError(t *testing.T) {
	m, _, _, _ := newTestMonitor(t)
	m.repo = brokenStore{}

	err := m.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitor phases failed")
}

func TestDispatch_DeliveryFailureDoesNotAbortScan(t *testing.T) {
	m, repo, notifier, conn := newTestMonitor(t)
	notifier.err = fmt.Errorf("webhook down")

	failTask(t, repo, conn, "recent", "alice", 10*time.Minute, "boom")

	assert.NoError(t, m.Run(context.Background()))
}

func TestRun_PublishesAlertEvents(t *testing.T) {
	m, repo, notifier, conn := newTestMonitor(t)
	_ = notifier

	bus := events.NewBus(zerolog.Nop())
	m.bus = bus

	failTask(t, repo, conn, "recent", "alice", 10*time.Minute, "boom")

	require.NoError(t, m.Run(context.Background()))

	var raised []events.Event
	for _, e := range bus.Recent(10) {
		if e.Type == events.AlertRaised {
			raised = append(raised, e)
		}
	}
	require.Len(t, raised, 1)
	assert.Equal(t, "recent", raised[0].TaskID)
	assert.Equal(t, "alice", raised[0].Data["owner"])
}
