package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SubscriberConfig configures the NATS event subscription.
type SubscriberConfig struct {
	// URL is the NATS server to connect to.
	URL string
	// Subject is the subscription subject, typically "observer.events.>".
	Subject string
}

// Subscriber feeds observer envelopes published on a NATS subject through
// the ingest service. Undecodable or rejected messages are counted and
// dropped; NATS delivery is fire-and-forget for observers.
type Subscriber struct {
	cfg    *SubscriberConfig
	svc    *Service
	logger *zap.Logger

	nc  *nats.Conn
	sub *nats.Subscription
}

// NewSubscriber creates a subscriber. Connect with Start.
func NewSubscriber(cfg *SubscriberConfig, svc *Service, logger *zap.Logger) (*Subscriber, error) {
	if cfg == nil || cfg.URL == "" || cfg.Subject == "" {
		return nil, errors.New("nats url and subject are required")
	}
	if svc == nil {
		return nil, errors.New("ingest service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{cfg: cfg, svc: svc, logger: logger}, nil
}

// Start connects and subscribes. Message handling runs on NATS's dispatch
// goroutine until Close.
func (s *Subscriber) Start(ctx context.Context) error {
	nc, err := nats.Connect(s.cfg.URL, nats.Name("operatord-ingest"))
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	s.nc = nc

	sub, err := nc.Subscribe(s.cfg.Subject, func(msg *nats.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribing to %s: %w", s.cfg.Subject, err)
	}
	s.sub = sub

	s.logger.Info("subscribed to observer events",
		zap.String("url", s.cfg.URL),
		zap.String("subject", s.cfg.Subject),
	)
	return nil
}

func (s *Subscriber) handle(ctx context.Context, msg *nats.Msg) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		NATSDropped.Inc()
		s.logger.Warn("dropped undecodable observer message",
			zap.String("subject", msg.Subject),
			zap.Error(err),
		)
		return
	}

	if _, err := s.svc.Submit(ctx, &env); err != nil {
		s.logger.Warn("rejected observer message",
			zap.String("subject", msg.Subject),
			zap.String("trace_id", env.TraceID),
			zap.Error(err),
		)
	}
}

// Close drains the subscription and closes the connection.
func (s *Subscriber) Close() error {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			return fmt.Errorf("draining subscription: %w", err)
		}
	}
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}
