// Package rabbitmq records a RabbitMQ queue into a journal. The queue
// is one logical stream: the first delivery opens a recording session
// (SUBSCRIBE) and every delivery after that is appended as a NEXT
// emission carrying the message body. Deliveries are acked only after
// the append is durable; processing stays single-threaded so the
// journal preserves broker order.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"rxjournal/internal/recorder"
)

// Recorder opens a recording session per filter. Satisfied by
// *recorder.Recorder.
type Recorder interface {
	Subscribe(ctx context.Context, filter string) (*recorder.Session, error)
}

type Config struct {
	Enabled       bool
	URL           string
	Endpoints     []string
	Exchange      string
	Queue         string
	RoutingKeys   []string
	ConsumerTag   string
	PrefetchCount int

	// Filter names the logical stream in the journal. Defaults to the
	// queue name.
	Filter string

	TLS  TLSConfig
	Auth AuthConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

type Adapter struct {
	cfg      Config
	rec      Recorder
	log      *zap.Logger
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	deliver  <-chan amqp091.Delivery
	session  *recorder.Session
	closed   chan struct{}
	closeErr atomic.Value
	wg       sync.WaitGroup
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Queue == "" {
		return fmt.Errorf("rabbitmq queue is required")
	}
	if c.PrefetchCount < 1 {
		return fmt.Errorf("rabbitmq prefetch_count must be >= 1")
	}
	if c.endpoint() == "" {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

func NewAdapter(cfg Config, rec Recorder, log *zap.Logger) (*Adapter, error) {
	if cfg.PrefetchCount < 1 {
		cfg.PrefetchCount = 64
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("recorder is required")
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "rxjournal-rabbitmq"
	}
	if cfg.Filter == "" {
		cfg.Filter = cfg.Queue
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{cfg: cfg, rec: rec, log: log, closed: make(chan struct{})}, nil
}

func (a *Adapter) Start(ctx context.Context) error {
	dialCfg := amqp091.Config{}
	if a.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: a.cfg.Auth.Username, Password: a.cfg.Auth.Password}}
	}
	if tlsCfg, err := a.buildTLSConfig(); err != nil {
		return err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(a.cfg.endpoint(), dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Qos(a.cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	if a.cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("declare exchange: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	if a.cfg.Exchange != "" {
		routingKeys := a.cfg.RoutingKeys
		if len(routingKeys) == 0 {
			routingKeys = []string{"#"}
		}
		for _, key := range routingKeys {
			if err := ch.QueueBind(a.cfg.Queue, key, a.cfg.Exchange, false, nil); err != nil {
				ch.Close()
				conn.Close()
				return fmt.Errorf("bind queue key=%s: %w", key, err)
			}
		}
	}
	deliveries, err := ch.Consume(a.cfg.Queue, a.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("consume queue: %w", err)
	}
	a.conn, a.ch, a.deliver = conn, ch, deliveries

	a.wg.Add(1)
	go a.consumeLoop(ctx)
	return nil
}

func (a *Adapter) Close() error {
	select {
	case <-a.closed:
		if v := a.closeErr.Load(); v != nil {
			return v.(error)
		}
		return nil
	default:
		close(a.closed)
	}
	if a.ch != nil {
		_ = a.ch.Cancel(a.cfg.ConsumerTag, false)
	}
	a.wg.Wait()
	if a.session != nil && !a.session.Done() {
		_ = a.session.Unsubscribe(context.Background())
	}
	var errs []error
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	a.closeErr.Store(err)
	return err
}

func (a *Adapter) consumeLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case d, ok := <-a.deliver:
			if !ok {
				return
			}
			a.processDelivery(ctx, d)
		}
	}
}

func (a *Adapter) processDelivery(ctx context.Context, d amqp091.Delivery) {
	if a.session == nil {
		s, err := a.rec.Subscribe(ctx, a.cfg.Filter)
		if err != nil {
			a.log.Error("subscribe failed", zap.String("filter", a.cfg.Filter), zap.Error(err))
			_ = d.Nack(false, true)
			return
		}
		a.session = s
	}
	if err := a.session.Next(ctx, d.Body); err != nil {
		// A failed session stays failed; the next delivery reopens the
		// stream with a fresh SUBSCRIBE.
		if a.session.Done() {
			a.session = nil
		}
		if isRetryable(err) {
			_ = d.Nack(false, true)
			return
		}
		a.log.Warn("delivery dropped",
			zap.String("filter", a.cfg.Filter),
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

type retryable interface{ Temporary() bool }

func isRetryable(err error) bool {
	var te retryable
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return false
}

func (a *Adapter) buildTLSConfig() (*tls.Config, error) {
	if !a.cfg.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: a.cfg.TLS.InsecureSkipVerify, ServerName: a.cfg.TLS.ServerName}
	if a.cfg.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(a.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if a.cfg.TLS.CertFile != "" || a.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(a.cfg.TLS.CertFile, a.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
