package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/animus-labs/transit-ingest/internal/platform/bus"
	"github.com/animus-labs/transit-ingest/internal/platform/metrics"
	"github.com/animus-labs/transit-ingest/internal/repo"
)

// Relay publishes committed outbox rows to the bus. The outbox id is the
// bus message id, so a row published twice is deduplicated downstream.
type Relay struct {
	outbox    repo.OutboxRepository
	publisher bus.Publisher
	leader    Locker
	metrics   metrics.Pipeline
	logger    *slog.Logger
	interval  time.Duration
	batch     int
}

func NewRelay(outbox repo.OutboxRepository, publisher bus.Publisher, leader Locker, m metrics.Pipeline, logger *slog.Logger, interval time.Duration) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		leader:    leader,
		metrics:   m,
		logger:    logger,
		interval:  interval,
		batch:     100,
	}
}

func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := asLeader(ctx, r.leader, "outbox-relay", 4*r.interval, func(ctx context.Context) {
				if _, err := r.RunOnce(ctx); err != nil {
					r.log("relay tick failed", "error", err)
				}
			})
			if err != nil {
				r.log("leader lock failed", "error", err)
			}
		}
	}
}

// RunOnce publishes one batch and returns how many rows were dispatched.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	n, err := r.outbox.ClaimPending(ctx, r.batch, func(msg repo.OutboxMessage) error {
		if err := r.publisher.Publish(ctx, msg.Subject, msg.Payload, msg.ID); err != nil {
			r.metrics.IncOutboxFailed()
			return err
		}
		return nil
	})
	if n > 0 {
		r.metrics.IncOutboxDispatched(n)
	}
	return n, err
}

func (r *Relay) log(msg string, attrs ...any) {
	warnLoop(r.logger, "outbox_relay", msg, attrs...)
}
