package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/rabbitmq/amqp091-go"
	"github.com/vmihailenco/msgpack/v5"

	"routeflow/internal/domain"
	"routeflow/internal/logging"
)

const ContentType = "application/msgpack"

type Config struct {
	Enabled   bool
	URL       string
	Endpoints []string
	Exchange  string
	TLS       TLSConfig
	Auth      AuthConfig
	Logger    hclog.Logger
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

// BatchMessage is the body published for every batch that is ready to send.
type BatchMessage struct {
	BatchID   int64  `msgpack:"batch_id"`
	NodeID    string `msgpack:"node_id"`
	ChannelID string `msgpack:"channel_id"`
	Common    bool   `msgpack:"common"`
	LoadID    int64  `msgpack:"load_id,omitempty"`
	Events    int64  `msgpack:"events"`
	Inserts   int64  `msgpack:"inserts"`
	Updates   int64  `msgpack:"updates"`
	Deletes   int64  `msgpack:"deletes"`
	Reloads   int64  `msgpack:"reloads"`
	Other     int64  `msgpack:"other"`
	CreatedNs int64  `msgpack:"created_ns"`
}

func NewBatchMessage(b domain.OutgoingBatch) BatchMessage {
	return BatchMessage{
		BatchID:   b.ID,
		NodeID:    b.NodeID,
		ChannelID: b.ChannelID,
		Common:    b.Common,
		LoadID:    b.LoadID,
		Events:    b.Counters.DataEvents,
		Inserts:   b.Counters.Inserts,
		Updates:   b.Counters.Updates,
		Deletes:   b.Counters.Deletes,
		Reloads:   b.Counters.Reloads,
		Other:     b.Counters.Other,
		CreatedNs: b.CreateTime.UnixNano(),
	}
}

func DecodeBatchMessage(body []byte) (BatchMessage, error) {
	var m BatchMessage
	if err := msgpack.Unmarshal(body, &m); err != nil {
		return BatchMessage{}, fmt.Errorf("decode batch message: %w", err)
	}
	return m, nil
}

// RoutingKey is batch.<channel>.<node>, so consumers can bind per node.
func RoutingKey(b domain.OutgoingBatch) string {
	return "batch." + b.ChannelID + "." + b.NodeID
}

type publishFunc func(ctx context.Context, key string, msg amqp091.Publishing) error

// Publisher announces committed batches on a topic exchange.
type Publisher struct {
	cfg    Config
	logger hclog.Logger

	mu      sync.Mutex
	conn    *amqp091.Connection
	ch      *amqp091.Channel
	publish publishFunc
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
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

func NewPublisher(cfg Config) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Publisher{cfg: cfg, logger: logging.OrNull(cfg.Logger).Named("rabbitmq")}
	p.publish = p.publishAMQP
	return p, nil
}

// Start connects and declares the exchange.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectLocked(ctx)
}

func (p *Publisher) connectLocked(ctx context.Context) error {
	dialCfg := amqp091.Config{}
	if p.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: p.cfg.Auth.Username, Password: p.cfg.Auth.Password}}
	}
	if tlsCfg, err := p.buildTLSConfig(); err != nil {
		return err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := amqp091.DialConfig(p.cfg.endpoint(), dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	p.conn, p.ch = conn, ch
	p.logger.Info("connected", "exchange", p.cfg.Exchange)
	return nil
}

// BatchesReady publishes one message per batch. Errors are joined so one
// failed batch does not stop the others.
func (p *Publisher) BatchesReady(ctx context.Context, batches []domain.OutgoingBatch) error {
	var errs []error
	for _, b := range batches {
		body, err := msgpack.Marshal(NewBatchMessage(b))
		if err != nil {
			errs = append(errs, fmt.Errorf("encode batch %d: %w", b.ID, err))
			continue
		}
		msg := amqp091.Publishing{
			ContentType:  ContentType,
			DeliveryMode: amqp091.Persistent,
			MessageId:    strconv.FormatInt(b.ID, 10),
			Timestamp:    time.Now().UTC(),
			Headers:      amqp091.Table{"node_id": b.NodeID, "channel_id": b.ChannelID},
			Body:         body,
		}
		if err := p.publish(ctx, RoutingKey(b), msg); err != nil {
			errs = append(errs, fmt.Errorf("publish batch %d: %w", b.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) publishAMQP(ctx context.Context, key string, msg amqp091.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil || p.ch.IsClosed() {
		if p.conn != nil {
			_ = p.conn.Close()
		}
		if err := p.connectLocked(ctx); err != nil {
			return err
		}
	}
	return p.ch.PublishWithContext(ctx, p.cfg.Exchange, key, false, false, msg)
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
	}
	p.ch, p.conn = nil, nil
	return errors.Join(errs...)
}

func (p *Publisher) buildTLSConfig() (*tls.Config, error) {
	if !p.cfg.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: p.cfg.TLS.InsecureSkipVerify, ServerName: p.cfg.TLS.ServerName}
	if p.cfg.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(p.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if p.cfg.TLS.CertFile != "" || p.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(p.cfg.TLS.CertFile, p.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
