package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/teroai/testbench/pkg/config"
)

// Notification is the wake-up hint published after an event row is
// appended. It carries identifiers only; readers must re-poll the log and
// never treat the payload as data.
type Notification struct {
	SuiteRunID uint `json:"suiteRunId"`
	EventID    uint `json:"eventId"`
}

// StatusChange is published when a suite run's durable status changes,
// so cancellation watchers wake up without polling.
type StatusChange struct {
	SuiteRunID uint   `json:"suiteRunId"`
	Status     string `json:"status"`
}

// Notifier is the low-latency notification channel shared by all suite
// runs. Delivery is at-least-once at best and may be lost entirely; every
// consumer must keep a polling fallback.
type Notifier interface {
	Start(ctx context.Context) error
	Stop() error

	PublishEvent(ctx context.Context, n Notification) error
	PublishStatus(ctx context.Context, c StatusChange) error

	// SubscribeEvents delivers wake-up hints for one suite run until the
	// returned cancel func is called.
	SubscribeEvents(suiteRunID uint) (<-chan Notification, func(), error)

	// SubscribeStatus delivers status-change hints for one suite run.
	SubscribeStatus(suiteRunID uint) (<-chan StatusChange, func(), error)
}

// Compile-time interface checks.
var (
	_ Notifier = (*natsNotifier)(nil)
	_ Notifier = (*noopNotifier)(nil)
)

type natsNotifier struct {
	log  logrus.FieldLogger
	cfg  *config.NATSConfig
	conn *nats.Conn
}

// NewNATSNotifier creates a Notifier backed by a NATS connection.
func NewNATSNotifier(log logrus.FieldLogger, cfg *config.NATSConfig) Notifier {
	return &natsNotifier{
		log: log.WithField("component", "notifier"),
		cfg: cfg,
	}
}

// Start connects to NATS, retrying with exponential backoff. The engine
// works without the channel, so a run is never blocked on this.
func (n *natsNotifier) Start(ctx context.Context) error {
	connect := func() error {
		conn, err := nats.Connect(
			n.cfg.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					n.log.WithError(err).Warn("Notification channel disconnected")
				}
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				n.log.Info("Notification channel reconnected")
			}),
		)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}

		n.conn = conn

		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(), 5), ctx)

	if err := backoff.Retry(connect, policy); err != nil {
		return err
	}

	n.log.WithField("url", n.cfg.URL).Info("Notification channel connected")

	return nil
}

// Stop drains and closes the connection.
func (n *natsNotifier) Stop() error {
	if n.conn == nil {
		return nil
	}

	if err := n.conn.Drain(); err != nil {
		return fmt.Errorf("draining nats connection: %w", err)
	}

	return nil
}

func (n *natsNotifier) eventSubject(suiteRunID uint) string {
	return fmt.Sprintf("%s.suite.%d.events", n.cfg.SubjectPrefix, suiteRunID)
}

func (n *natsNotifier) statusSubject(suiteRunID uint) string {
	return fmt.Sprintf("%s.suite.%d.status", n.cfg.SubjectPrefix, suiteRunID)
}

func (n *natsNotifier) PublishEvent(_ context.Context, note Notification) error {
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	if err := n.conn.Publish(n.eventSubject(note.SuiteRunID), data); err != nil {
		return fmt.Errorf("publishing event notification: %w", err)
	}

	return nil
}

func (n *natsNotifier) PublishStatus(_ context.Context, change StatusChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encoding status change: %w", err)
	}

	if err := n.conn.Publish(n.statusSubject(change.SuiteRunID), data); err != nil {
		return fmt.Errorf("publishing status change: %w", err)
	}

	return nil
}

func (n *natsNotifier) SubscribeEvents(suiteRunID uint) (<-chan Notification, func(), error) {
	ch := make(chan Notification, 16)

	sub, err := n.conn.Subscribe(n.eventSubject(suiteRunID), func(msg *nats.Msg) {
		var note Notification
		if err := json.Unmarshal(msg.Data, &note); err != nil {
			n.log.WithError(err).Warn("Dropping malformed event notification")

			return
		}

		// Drop instead of blocking: a slow reader re-polls the log anyway.
		select {
		case ch <- note:
		default:
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscribing to event notifications: %w", err)
	}

	cancel := func() {
		if err := sub.Unsubscribe(); err != nil {
			n.log.WithError(err).Debug("Failed to unsubscribe from event notifications")
		}
	}

	return ch, cancel, nil
}

func (n *natsNotifier) SubscribeStatus(suiteRunID uint) (<-chan StatusChange, func(), error) {
	ch := make(chan StatusChange, 16)

	sub, err := n.conn.Subscribe(n.statusSubject(suiteRunID), func(msg *nats.Msg) {
		var change StatusChange
		if err := json.Unmarshal(msg.Data, &change); err != nil {
			n.log.WithError(err).Warn("Dropping malformed status change")

			return
		}

		select {
		case ch <- change:
		default:
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscribing to status changes: %w", err)
	}

	cancel := func() {
		if err := sub.Unsubscribe(); err != nil {
			n.log.WithError(err).Debug("Failed to unsubscribe from status changes")
		}
	}

	return ch, cancel, nil
}

// noopNotifier is used when no notification channel is configured.
// Consumers then rely entirely on their polling fallback.
type noopNotifier struct{}

// NewNoopNotifier creates a Notifier that drops everything.
func NewNoopNotifier() Notifier {
	return &noopNotifier{}
}

func (*noopNotifier) Start(context.Context) error { return nil }
func (*noopNotifier) Stop() error                 { return nil }

func (*noopNotifier) PublishEvent(context.Context, Notification) error { return nil }
func (*noopNotifier) PublishStatus(context.Context, StatusChange) error {
	return nil
}

func (*noopNotifier) SubscribeEvents(uint) (<-chan Notification, func(), error) {
	return make(chan Notification), func() {}, nil
}

func (*noopNotifier) SubscribeStatus(uint) (<-chan StatusChange, func(), error) {
	return make(chan StatusChange), func() {}, nil
}
