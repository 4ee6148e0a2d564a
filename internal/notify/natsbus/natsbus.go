// Package natsbus publishes SLA events as JSON on NATS subjects so other
// hospital systems (paging, dashboards, audit) can subscribe.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/nats-io/nats.go"

	"github.com/linnemanlabs/erwatch/internal/tracker"
)

// Config holds NATS connection settings.
type Config struct {
	URL            string
	Name           string
	SubjectPrefix  string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// RegisterFlags binds the NATS settings to fs.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.URL, "nats-url", "", "NATS server URL for SLA events (empty disables NATS)")
	fs.StringVar(&c.Name, "nats-name", "erwatch", "NATS connection name")
	fs.StringVar(&c.SubjectPrefix, "nats-subject-prefix", "erwatch.sla", "subject prefix for SLA events")
	fs.DurationVar(&c.ReconnectWait, "nats-reconnect-wait", 2*time.Second, "delay between NATS reconnect attempts")
	fs.IntVar(&c.MaxReconnects, "nats-max-reconnects", -1, "maximum NATS reconnect attempts (-1 = forever)")
	fs.DurationVar(&c.ConnectTimeout, "nats-connect-timeout", 5*time.Second, "NATS connect timeout")
}

// Validate checks the settings. An empty URL is valid and disables NATS.
func (c *Config) Validate() error {
	if c.URL == "" {
		return nil
	}
	var errs []error
	if c.SubjectPrefix == "" || strings.ContainsAny(c.SubjectPrefix, " *>") {
		errs = append(errs, fmt.Errorf("nats-subject-prefix %q is not a literal subject", c.SubjectPrefix))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("nats-connect-timeout must be positive"))
	}
	return errors.Join(errs...)
}

// conn is the slice of *nats.Conn the publisher needs.
type conn interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Drain() error
}

// Publisher sends events to NATS. It implements tracker.Publisher.
type Publisher struct {
	conn   conn
	prefix string
	logger log.Logger
}

// Connect dials NATS and returns a Publisher. Connection state changes
// are logged through logger.
func Connect(ctx context.Context, cfg Config, logger log.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(ctx, "nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info(ctx, "nats reconnected", "url", nc.ConnectedUrlRedacted())
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	logger.Info(ctx, "nats connected", "url", nc.ConnectedUrlRedacted(), "prefix", cfg.SubjectPrefix)
	return newPublisher(nc, cfg.SubjectPrefix, logger), nil
}

func newPublisher(c conn, prefix string, logger log.Logger) *Publisher {
	return &Publisher{conn: c, prefix: prefix, logger: logger}
}

// Subject returns the subject ev is published on.
func (p *Publisher) Subject(ev tracker.Event) string {
	return p.prefix + "." + suffix(ev.Type)
}

func suffix(t tracker.EventType) string {
	switch t {
	case tracker.EventSLAWarning:
		return "warning"
	case tracker.EventSLABreached:
		return "breached"
	case tracker.EventSLAEscalated:
		return "escalated"
	}
	return "unknown"
}

// Publish marshals ev and publishes it. The message is buffered by the
// client; delivery to the server happens asynchronously.
func (p *Publisher) Publish(ctx context.Context, ev tracker.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats: marshal event: %w", err)
	}
	subject := p.Subject(ev)
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("nats: publish %s: %w", subject, err)
	}
	return nil
}

const defaultCloseTimeout = 5 * time.Second

// Close flushes pending messages before ctx's deadline, or within five
// seconds when it has none, and drains the connection.
func (p *Publisher) Close(ctx context.Context) error {
	timeout := defaultCloseTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}

	ferr := p.conn.FlushTimeout(timeout)
	if ferr != nil {
		p.logger.Warn(ctx, "nats flush failed, pending sla events may be lost", "err", ferr, "timeout", timeout.String())
	}
	derr := p.conn.Drain()
	if derr != nil {
		p.logger.Error(ctx, derr, "nats drain failed")
	} else {
		p.logger.Info(ctx, "nats connection drained")
	}
	return errors.Join(ferr, derr)
}
