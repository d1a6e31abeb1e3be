// Package events publishes lab domain events to NATS JetStream so that clinic
// services can react to results, completed orders and created patients.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/ehr/labbridge/internal/domain/lab"
	"github.com/ehr/labbridge/internal/platform/apperr"
)

const (
	DefaultStream  = "LAB_EVENTS"
	DefaultPrefix  = "lab.events"
	DefaultMaxAge  = 7 * 24 * time.Hour
	publishTimeout = 5 * time.Second
)

// Config holds the broker connection settings.
type Config struct {
	URL    string
	Stream string
	Prefix string
	MaxAge time.Duration
}

func (c *Config) applyDefaults() {
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	c.Prefix = strings.TrimSuffix(c.Prefix, ".")
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
}

// Publisher implements lab.Notifier on top of a JetStream stream.
type Publisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix  string
	logger  zerolog.Logger
	observe func(eventType string, err error)
}

var _ lab.Notifier = (*Publisher)(nil)

// Connect dials the broker and makes sure the event stream exists.
func Connect(ctx context.Context, cfg Config, logger zerolog.Logger) (*Publisher, error) {
	cfg.applyDefaults()
	if cfg.URL == "" {
		return nil, apperr.New(apperr.KindConfig, "EVENTS_URL_MISSING", "events broker url is required")
	}
	logger = logger.With().Str("component", "events").Logger()

	nc, err := nats.Connect(cfg.URL,
		nats.Name("labbridge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("events broker disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrlRedacted()).Msg("events broker reconnected")
		}),
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, "EVENTS_CONNECT", "connect events broker", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, apperr.Wrap(apperr.KindTransport, "EVENTS_CONNECT", "open jetstream context", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "Laboratory interface events",
		Subjects:    []string{cfg.Prefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  2 * time.Minute,
	})
	if err != nil {
		nc.Close()
		return nil, apperr.Wrap(apperr.KindTransport, "EVENTS_STREAM", fmt.Sprintf("create stream %s", cfg.Stream), err)
	}

	logger.Info().Str("stream", cfg.Stream).Str("subjects", cfg.Prefix+".>").Msg("events stream ready")
	return &Publisher{nc: nc, js: js, prefix: cfg.Prefix, logger: logger}, nil
}

// Subject returns the subject an event of type t is published on.
func (p *Publisher) Subject(t lab.EventType) string {
	return p.prefix + "." + strings.TrimPrefix(string(t), "lab.")
}

// Notify publishes e and waits for the stream acknowledgement.
// SetObserver registers fn to be called with the outcome of every publish.
func (p *Publisher) SetObserver(fn func(eventType string, err error)) {
	p.observe = fn
}

func (p *Publisher) Notify(ctx context.Context, e lab.Event) (err error) {
	if p.observe != nil {
		defer func() { p.observe(string(e.Type), err) }()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "EVENTS_ENCODE", "encode event", err)
	}

	msg := nats.NewMsg(p.Subject(e.Type))
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")
	msg.Header.Set("Lab-Event-Type", string(e.Type))
	if e.IntegrationID != "" {
		msg.Header.Set("Lab-Integration-Id", e.IntegrationID)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	ack, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(messageID(e)))
	if err != nil {
		return apperr.Wrap(apperr.KindTransport, "EVENTS_PUBLISH", fmt.Sprintf("publish %s", e.Type), err)
	}
	p.logger.Debug().
		Str("subject", msg.Subject).
		Uint64("seq", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("event published")
	return nil
}

// Close drains pending publishes and closes the connection.
func (p *Publisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}

// messageID is stable for a given event so that redelivered notifications
// collapse inside the stream's duplicate window.
func messageID(e lab.Event) string {
	if e.MessageID == "" {
		return uuid.NewString()
	}
	key := strings.Join([]string{string(e.Type), e.MessageID, e.OrderID, e.PatientID}, "|")
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}
