package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	streamIngest = "TRANSIT_INGEST"
	streamEvents = "TRANSIT_EVENTS"
)

// NatsBus publishes raw payloads on NATS. Stage subjects go through JetStream
// with explicit ack/nak so a crashed worker's message is redelivered.
type NatsBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool
	cfg       Config
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewNatsBus(cfg Config, logger *slog.Logger) (*NatsBus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bus")

	name := cfg.Name
	if name == "" {
		name = "transit-ingest"
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &NatsBus{nc: nc, cfg: cfg, logger: logger, ctx: ctx, cancel: cancel}
	if cfg.JetStream {
		if err := b.initJetStream(); err != nil {
			nc.Close()
			cancel()
			return nil, err
		}
	}
	return b, nil
}

func (b *NatsBus) initJetStream() error {
	js, err := b.nc.JetStream()
	if err != nil {
		return err
	}
	if _, err := js.AccountInfo(); err != nil {
		return err
	}

	ensureStream := func(name string, subjects []string) error {
		_, err := js.AddStream(&nats.StreamConfig{
			Name:       name,
			Subjects:   subjects,
			Retention:  nats.LimitsPolicy,
			Storage:    nats.FileStorage,
			MaxAge:     b.cfg.MaxAge,
			Duplicates: 2 * time.Minute,
		})
		if err == nil {
			b.logger.Info("jetstream stream ensured", "stream", name, "subjects", subjects)
			return nil
		}
		if _, infoErr := js.StreamInfo(name); infoErr == nil {
			return nil
		}
		return err
	}
	if err := ensureStream(streamIngest, []string{StageSubjectPrefix + ">"}); err != nil {
		return err
	}
	if err := ensureStream(streamEvents, []string{EventSubjectPrefix + ">"}); err != nil {
		return err
	}

	b.js = js
	b.jsEnabled = true
	b.logger.Info("jetstream enabled", "ack_wait", b.cfg.AckWait.String())
	return nil
}

func (b *NatsBus) Close() {
	if b == nil {
		return
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Drain()
	}
	b.subs = nil
	b.mu.Unlock()
	if b.nc != nil {
		b.nc.Close()
	}
}

// Publish sends data on subject. msgID deduplicates JetStream publishes
// inside the stream's duplicate window.
func (b *NatsBus) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if b.jsEnabled {
		opts := []nats.PubOpt{nats.Context(ctx)}
		if msgID != "" {
			opts = append(opts, nats.MsgId(msgID))
		}
		_, err := b.js.Publish(subject, data, opts...)
		return err
	}
	return b.nc.Publish(subject, data)
}

func (b *NatsBus) Subscribe(subject, queue string, handler Handler) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if handler == nil {
		return errors.New("nil handler")
	}

	var (
		sub *nats.Subscription
		err error
	)
	if b.jsEnabled && isDurableSubject(subject) {
		cb := func(msg *nats.Msg) {
			m := Message{Subject: msg.Subject, Data: msg.Data, MsgID: msg.Header.Get(nats.MsgIdHdr)}
			if meta, err := msg.Metadata(); err == nil {
				m.NumDelivered = meta.NumDelivered
				m.Redelivered = meta.NumDelivered > 1
			}
			if err := handler(b.ctx, m); err != nil {
				if delay, ok := RetryDelay(err); ok {
					if delay > 0 {
						_ = msg.NakWithDelay(delay)
					} else {
						_ = msg.Nak()
					}
					return
				}
				b.logger.Error("handler error, acking", "subject", msg.Subject, "error", err)
			}
			_ = msg.Ack()
		}
		opts := []nats.SubOpt{
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(b.cfg.AckWait),
			nats.MaxAckPending(b.cfg.MaxAckPending),
			nats.MaxDeliver(b.cfg.MaxDeliver),
		}
		if durable := durableName(subject, queue); durable != "" {
			opts = append(opts, nats.Durable(durable))
		}
		if queue == "" {
			sub, err = b.js.Subscribe(subject, cb, opts...)
		} else {
			sub, err = b.js.QueueSubscribe(subject, queue, cb, opts...)
		}
	} else {
		cb := func(msg *nats.Msg) {
			if err := handler(b.ctx, Message{Subject: msg.Subject, Data: msg.Data}); err != nil {
				b.logger.Error("handler error", "subject", msg.Subject, "error", err)
			}
		}
		if queue == "" {
			sub, err = b.nc.Subscribe(subject, cb)
		} else {
			sub, err = b.nc.QueueSubscribe(subject, queue, cb)
		}
	}
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

// Check reports connection health for readiness probes.
func (b *NatsBus) Check(context.Context) error {
	if !b.IsConnected() {
		return errors.New("nats not connected")
	}
	return nil
}

var _ Bus = (*NatsBus)(nil)
