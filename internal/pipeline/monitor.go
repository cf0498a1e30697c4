package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/transit-ingest/internal/domain"
	"github.com/animus-labs/transit-ingest/internal/platform/metrics"
	"github.com/animus-labs/transit-ingest/internal/repo"
)

// DQSMonitor polls outstanding Data-Quality Service jobs. A finished job
// enqueues the dqs_report stage; jobs outstanding longer than maxAge time out.
type DQSMonitor struct {
	store    repo.Store
	client   DataQualityClient
	leader   Locker
	metrics  metrics.Pipeline
	logger   *slog.Logger
	interval time.Duration
	maxAge   time.Duration
	batch    int
	now      func() time.Time
}

func NewDQSMonitor(store repo.Store, client DataQualityClient, leader Locker, m metrics.Pipeline, logger *slog.Logger, interval, maxAge time.Duration) *DQSMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &DQSMonitor{
		store:    store,
		client:   client,
		leader:   leader,
		metrics:  m,
		logger:   logger,
		interval: interval,
		maxAge:   maxAge,
		batch:    50,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *DQSMonitor) Run(ctx context.Context) {
	if m.store == nil || m.client == nil {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := asLeader(ctx, m.leader, "dqs-monitor", 2*m.interval, m.RunOnce); err != nil {
				m.log("leader lock failed", "error", err)
			}
		}
	}
}

// RunOnce checks one batch of outstanding jobs.
func (m *DQSMonitor) RunOnce(ctx context.Context) {
	tasks, err := m.store.RemoteTasks().ListPendingRemoteTasks(ctx, domain.ServiceDataQuality, m.batch)
	if err != nil {
		m.log("list pending remote tasks failed", "error", err)
		return
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		m.poll(ctx, task)
	}
}

func (m *DQSMonitor) poll(ctx context.Context, task domain.RemoteTask) {
	status, err := m.client.Status(ctx, task.RemoteID)
	if err != nil {
		m.log("status check failed", "revision_id", task.RevisionID, "remote_id", task.RemoteID, "error", err)
		return
	}
	state := status.State()
	message := strings.TrimSpace(status.JobStatus)
	if state == domain.RemotePending {
		if m.now().Sub(task.CreatedAt) < m.maxAge {
			return
		}
		state = domain.RemoteTimeout
		message = fmt.Sprintf("no result after %s", m.maxAge)
	}

	err = m.store.WithinTx(ctx, func(tx repo.Repositories) error {
		changed, err := tx.RemoteTasks().UpdateRemoteTaskStatus(ctx, task.ID, state, message, "")
		if err != nil || !changed || state != domain.RemoteSuccess {
			return err
		}
		return enqueueStage(ctx, tx, StageMessage{
			RevisionID:   task.RevisionID,
			Stage:        StageDQSReport,
			RemoteTaskID: task.ID,
		})
	})
	if err != nil {
		m.log("record remote status failed", "revision_id", task.RevisionID, "status", string(state), "error", err)
		return
	}
	m.metrics.IncRemoteTask(string(domain.ServiceDataQuality), string(state))
}

func (m *DQSMonitor) log(msg string, attrs ...any) {
	warnLoop(m.logger, "dqs_monitor", msg, attrs...)
}
