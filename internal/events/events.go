// Package events bridges reviewmemory to NATS: feedback published by review
// bots is ingested through the collector, and refreshed learning patterns
// are broadcast to subscribers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewmemory/internal/config"
	"github.com/fyrsmithlabs/reviewmemory/internal/feedback"
	"github.com/fyrsmithlabs/reviewmemory/internal/logging"
	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

// QueueGroup spreads feedback messages across server instances.
const QueueGroup = "reviewmemory"

const defaultHandleTimeout = 10 * time.Second

var eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reviewmemory_events_total",
	Help: "NATS messages handled, by subject and result.",
}, []string{"subject", "result"})

// Collector is the part of feedback.Collector the bridge needs.
type Collector interface {
	Collect(ctx context.Context, entry *models.FeedbackEntry) (*models.FeedbackEntry, error)
}

// Ack is sent back when a feedback message carries a reply subject.
type Ack struct {
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// PatternsEvent is published after every pattern refresh.
type PatternsEvent struct {
	Patterns   map[string]models.LearningPattern `json:"patterns"`
	WindowDays int                               `json:"window_days"`
	ComputedAt time.Time                         `json:"computed_at"`
}

// Connect dials NATS, retrying in the background when the server is not
// up yet.
func Connect(cfg config.NATSConfig, logger *logging.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("reviewmemory"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(context.Background(), "nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(context.Background(), "nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// Bridge subscribes to feedback and publishes patterns.
type Bridge struct {
	nc              *nats.Conn
	collector       Collector
	logger          *logging.Logger
	feedbackSubject string
	patternsSubject string
	timeout         time.Duration
	sub             *nats.Subscription
}

// NewBridge creates a bridge over an established connection.
func NewBridge(nc *nats.Conn, collector Collector, cfg config.NATSConfig, logger *logging.Logger) (*Bridge, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if collector == nil {
		return nil, errors.New("collector is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.FeedbackSubject == "" || cfg.PatternsSubject == "" {
		return nil, errors.New("feedback and patterns subjects are required")
	}
	return &Bridge{
		nc:              nc,
		collector:       collector,
		logger:          logger.Named("events"),
		feedbackSubject: cfg.FeedbackSubject,
		patternsSubject: cfg.PatternsSubject,
		timeout:         defaultHandleTimeout,
	}, nil
}

// Start subscribes to the feedback subject.
func (b *Bridge) Start() error {
	if b.sub != nil {
		return errors.New("bridge already started")
	}
	sub, err := b.nc.QueueSubscribe(b.feedbackSubject, QueueGroup, b.handleFeedback)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", b.feedbackSubject, err)
	}
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flushing subscription: %w", err)
	}
	b.sub = sub
	b.logger.Info(context.Background(), "feedback subscription started", zap.String("subject", b.feedbackSubject))
	return nil
}

func (b *Bridge) handleFeedback(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	var entry models.FeedbackEntry
	if err := json.Unmarshal(msg.Data, &entry); err != nil {
		eventsTotal.WithLabelValues(b.feedbackSubject, "invalid").Inc()
		b.logger.Warn(ctx, "dropping malformed feedback message", zap.Error(err))
		b.ack(msg, Ack{Error: "malformed feedback: " + err.Error()})
		return
	}

	stored, err := b.collector.Collect(ctx, &entry)
	if err != nil {
		result := "error"
		if errors.Is(err, models.ErrValidation) {
			result = "invalid"
		}
		eventsTotal.WithLabelValues(b.feedbackSubject, result).Inc()
		b.logger.Warn(ctx, "feedback message rejected",
			zap.String("change_record_id", entry.ChangeRecordID), zap.Error(err))
		b.ack(msg, Ack{Error: err.Error()})
		return
	}
	eventsTotal.WithLabelValues(b.feedbackSubject, "ok").Inc()
	b.ack(msg, Ack{ID: stored.ID})
}

func (b *Bridge) ack(msg *nats.Msg, a Ack) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		b.logger.Debug(context.Background(), "feedback ack failed", zap.Error(err))
	}
}

// PublishPatterns broadcasts set. It has the feedback.RefreshFunc shape
// so it can be registered with the scheduler.
func (b *Bridge) PublishPatterns(ctx context.Context, set *feedback.PatternSet) {
	if set == nil {
		return
	}
	data, err := json.Marshal(PatternsEvent{
		Patterns:   set.Patterns,
		WindowDays: set.WindowDays,
		ComputedAt: set.ComputedAt,
	})
	if err != nil {
		b.logger.Error(ctx, "encoding patterns event", zap.Error(err))
		return
	}
	if err := b.nc.Publish(b.patternsSubject, data); err != nil {
		eventsTotal.WithLabelValues(b.patternsSubject, "error").Inc()
		b.logger.Warn(ctx, "publishing patterns failed", zap.Error(err))
		return
	}
	eventsTotal.WithLabelValues(b.patternsSubject, "ok").Inc()
}

// Close drains the feedback subscription. The connection is left to the
// caller.
func (b *Bridge) Close() error {
	if b.sub == nil {
		return nil
	}
	err := b.sub.Drain()
	b.sub = nil
	return err
}
