package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/animus-labs/transit-ingest/internal/platform/bus"
	"github.com/animus-labs/transit-ingest/internal/platform/redisstore"
)

const workerQueue = "pipeline-workers"

// StageHandler is the part of the orchestrator a worker drives.
type StageHandler interface {
	HandleStage(ctx context.Context, msg StageMessage) error
}

type WorkerConfig struct {
	// LockTTL must exceed the slowest stage.
	LockTTL    time.Duration
	RetryDelay time.Duration
	// MaxRetryDelay caps the doubling of RetryDelay per delivery.
	MaxRetryDelay time.Duration
	// MaxDeliver matches the consumer's delivery limit; 0 means unbounded.
	MaxDeliver int
}

// Worker consumes stage messages. Stages of one revision never run
// concurrently: each message holds the revision lock while it executes.
type Worker struct {
	handler StageHandler
	locker  Locker
	cfg     WorkerConfig
	logger  *slog.Logger
}

var errRevisionBusy = errors.New("revision is locked by another worker")

func NewWorker(handler StageHandler, locker Locker, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 15 * time.Minute
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = max(5*time.Minute, cfg.RetryDelay)
	}
	return &Worker{handler: handler, locker: locker, cfg: cfg, logger: logger}
}

// Subscribe registers the worker for every stage subject.
func (w *Worker) Subscribe(sub bus.Subscriber) error {
	return sub.Subscribe(bus.StageSubjectPrefix+">", workerQueue, w.Handle)
}

func (w *Worker) Handle(ctx context.Context, m bus.Message) error {
	msg, err := DecodeStageMessage(m.Data)
	if err != nil {
		w.log(slog.LevelError, "stage message dropped", "subject", m.Subject, "msg_id", m.MsgID, "error", err)
		return nil
	}
	if w.locker != nil {
		lock, err := w.locker.TryAcquire(ctx, redisstore.RevisionLockName(msg.RevisionID), w.cfg.LockTTL)
		if err != nil {
			return w.retry(m, msg, err)
		}
		if lock == nil {
			return w.retry(m, msg, errRevisionBusy)
		}
		defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()
	}
	if err := w.handler.HandleStage(ctx, msg); err != nil {
		return w.retry(m, msg, err)
	}
	return nil
}

// retry asks for redelivery with a delay that doubles per delivery. On the
// last allowed delivery the message is acked and the failure logged.
func (w *Worker) retry(m bus.Message, msg StageMessage, err error) error {
	if w.cfg.MaxDeliver > 0 && m.NumDelivered >= uint64(w.cfg.MaxDeliver) {
		w.log(slog.LevelError, "stage abandoned", "revision_id", msg.RevisionID, "stage", msg.Stage, "deliveries", m.NumDelivered, "error", err)
		return nil
	}
	delay := w.cfg.RetryDelay
	for n := uint64(1); n < m.NumDelivered && delay < w.cfg.MaxRetryDelay; n++ {
		delay *= 2
	}
	delay = min(delay, w.cfg.MaxRetryDelay)
	w.log(slog.LevelWarn, "stage will be redelivered", "revision_id", msg.RevisionID, "stage", msg.Stage, "delay", delay.String(), "error", err)
	return bus.RetryAfter(err, delay)
}

func (w *Worker) log(level slog.Level, msg string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Log(context.Background(), level, msg, append([]any{"component", "worker"}, args...)...)
}
