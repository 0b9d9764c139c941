// Package broker owns the AMQP connection lifecycle: dial with timeout,
// idempotent queue declaration, prefetch QoS, and fixed-interval recovery
// after link loss. Deliveries are handed to the pipeline through an emit
// callback; acknowledgment stays with the pipeline.
package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"pulse/internal/logging"
	"pulse/internal/pipeline"
)

const tlsPort = 5671

// ConnectionError marks a broker that could not be reached within the dial
// timeout. The caller owns retry scheduling.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string { return "broker: dial " + e.Addr + ": " + e.Err.Error() }
func (e *ConnectionError) Unwrap() error { return e.Err }

type Config struct {
	Host        string        `koanf:"host"`
	Port        int           `koanf:"port"`
	User        string        `koanf:"user"`
	Password    string        `koanf:"password"`
	VHost       string        `koanf:"vhost"`
	Queue       string        `koanf:"queue"`
	ConsumerTag string        `koanf:"consumer_tag"`
	Prefetch    int           `koanf:"prefetch"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
	RetryInt    time.Duration `koanf:"retry_interval"`
}

func applyDefaults(c *Config) {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 5672
	}
	if c.VHost == "" {
		c.VHost = "/"
	}
	if c.ConsumerTag == "" {
		c.ConsumerTag = "pulse-ingest"
	}
	if c.Prefetch == 0 {
		c.Prefetch = 64
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.RetryInt == 0 {
		c.RetryInt = 10 * time.Second
	}
}

// useTLS reports whether the configured port indicates transport
// encryption.
func useTLS(port int) bool { return port == tlsPort }

func (c Config) addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

func (c Config) url() string {
	scheme := "amqp"
	if useTLS(c.Port) {
		scheme = "amqps"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   c.addr(),
		Path:   c.VHost,
	}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	return u.String()
}

// EmitFunc hands one wrapped delivery to the pipeline. A non-nil error
// stops the receive loop.
type EmitFunc func(pipeline.Delivery) error

// Source is the connection manager and receive loop over one logical
// connection + channel.
type Source struct {
	cfg  Config
	log  *slog.Logger
	conn *amqp.Connection
	ch   *amqp.Channel
}

func (s *Source) Configure(cfg Config) error {
	if cfg.Queue == "" {
		return fmt.Errorf("broker: queue name required")
	}
	applyDefaults(&cfg)
	s.cfg = cfg
	s.log = logging.Named("broker")
	return nil
}

// Run consumes until ctx ends. On unexpected link loss it retries
// connection establishment every retry interval indefinitely; deliveries
// already admitted keep processing locally during the outage.
func (s *Source) Run(ctx context.Context, emit EmitFunc) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		deliveries, err := s.connect(ctx)
		if err != nil {
			s.log.Warn("connect failed; will retry",
				"addr", s.cfg.addr(), "retry_in", s.cfg.RetryInt, "err", err)
			if !sleep(ctx, s.cfg.RetryInt) {
				return ctx.Err()
			}
			continue
		}
		s.log.Info("connected",
			"addr", s.cfg.addr(), "queue", s.cfg.Queue, "prefetch", s.cfg.Prefetch)

		if err := s.receive(ctx, deliveries, emit); err != nil {
			return err
		}
		// link lost; no new deliveries arrive until the redial succeeds
		s.log.Warn("link lost; reconnecting", "retry_in", s.cfg.RetryInt)
		if !sleep(ctx, s.cfg.RetryInt) {
			return ctx.Err()
		}
	}
}

func (s *Source) receive(ctx context.Context, deliveries <-chan amqp.Delivery, emit EmitFunc) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			if err := emit(&delivery{d: d}); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
		}
	}
}

func (s *Source) connect(ctx context.Context) (<-chan amqp.Delivery, error) {
	cfg := amqp.Config{Dial: amqp.DefaultDial(s.cfg.DialTimeout)}
	if useTLS(s.cfg.Port) {
		cfg.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	conn, err := amqp.DialConfig(s.cfg.url(), cfg)
	if err != nil {
		return nil, &ConnectionError{Addr: s.cfg.addr(), Err: err}
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("broker: open channel: %w", err)
	}
	if err := ch.Qos(s.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("broker: set qos: %w", err)
	}
	if _, err := ch.QueueDeclare(s.cfg.Queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("broker: declare queue %q: %w", s.cfg.Queue, err)
	}
	deliveries, err := ch.Consume(s.cfg.Queue, s.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("broker: consume %q: %w", s.cfg.Queue, err)
	}

	s.closeCurrent()
	s.conn, s.ch = conn, ch
	return deliveries, nil
}

// Close tears down channel then connection; each may fail independently
// without aborting the other.
func (s *Source) Close() error {
	s.closeCurrent()
	return nil
}

func (s *Source) closeCurrent() {
	if s.ch != nil {
		if err := s.ch.Close(); err != nil {
			s.log.Warn("channel close failed", "err", err)
		}
		s.ch = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.log.Warn("connection close failed", "err", err)
		}
		s.conn = nil
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// delivery adapts one amqp delivery to the pipeline's contract.
type delivery struct {
	d amqp.Delivery
}

func (d *delivery) Body() []byte      { return d.d.Body }
func (d *delivery) Redelivered() bool { return d.d.Redelivered }
func (d *delivery) Ack() error        { return d.d.Ack(false) }

func (d *delivery) Nack(requeue bool) error { return d.d.Nack(false, requeue) }
