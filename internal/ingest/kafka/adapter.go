package kafka

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/twmb/franz-go/pkg/kgo"

	"routeflow/internal/domain"
	"routeflow/internal/logging"
	"routeflow/internal/storage"
)

const (
	ParseModeJSON   = "json"
	ParseModeCustom = "custom_mapper"
)

// Appender stores captured changes. All changes handed over in one call
// belong to one record and are stored atomically.
type Appender interface {
	AppendChanges(ctx context.Context, changes []domain.CapturedChange) ([]int64, error)
}

type Mapper interface {
	MapKafkaRecord(*kgo.Record) ([]domain.CapturedChange, error)
}

type Config struct {
	Enabled        bool
	Brokers        []string
	Topics         []string
	GroupID        string
	ClientID       string
	WorkerCount    int
	MaxPollRecords int
	QueueCapacity  int
	ParseMode      string
	TLS            TLSConfig
	Fetch          FetchConfig

	CustomMapper Mapper
	Logger       hclog.Logger
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

// changeRecord is the JSON form of one captured change.
type changeRecord struct {
	ID            int64    `json:"id"`
	TableName     string   `json:"table_name"`
	EventType     string   `json:"event_type"`
	TransactionID string   `json:"transaction_id"`
	RowData       string   `json:"row_data"`
	OldData       string   `json:"old_data"`
	PKData        string   `json:"pk_data"`
	NodeList      []string `json:"node_list"`
	SourceNodeID  string   `json:"source_node_id"`
	ChannelID     string   `json:"channel_id"`
	TriggerHistID int64    `json:"trigger_hist_id"`
	CreateTimeUTC string   `json:"create_time_utc"`
}

type Adapter struct {
	cfg    Config
	logger hclog.Logger

	client  *kgo.Client
	records chan *kgo.Record
	acks    chan recordAck
	closed  atomic.Bool

	pauseMux sync.Mutex
	paused   bool

	appender     Appender
	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

type recordAck struct {
	record *kgo.Record
	err    error
}

func NewAdapter(cfg Config, appender Appender, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	a := &Adapter{
		cfg:      cfg,
		logger:   logging.OrNull(cfg.Logger).Named("kafka"),
		client:   cl,
		appender: appender,
		records:  make(chan *kgo.Record, cfg.QueueCapacity),
		acks:     make(chan recordAck, cfg.QueueCapacity),
	}
	a.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	a.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	a.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return a, nil
}

func (c *Config) withDefaults() {
	// capture order is preserved only with a single worker
	if c.WorkerCount <= 0 {
		c.WorkerCount = 1
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.ParseMode == "" {
		c.ParseMode = ParseModeJSON
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka.topics is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	switch c.ParseMode {
	case ParseModeJSON, ParseModeCustom:
	default:
		return fmt.Errorf("unsupported parse mode %q", c.ParseMode)
	}
	return nil
}

func (a *Adapter) Start(ctx context.Context) error {
	defer a.client.Close()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.handleAcks(ctx)
	}()

	for i := 0; i < a.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.runWorker(ctx)
		}()
	}

	for {
		if ctx.Err() != nil || a.closed.Load() {
			close(a.records)
			wg.Wait()
			return ctx.Err()
		}
		fetches := a.client.PollRecords(ctx, a.cfg.MaxPollRecords)
		if errs := fetches.Errors(); len(errs) > 0 {
			if ctx.Err() != nil {
				continue
			}
			return errs[0].Err
		}
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, rec := range p.Records {
				a.enqueue(ctx, rec)
			}
		})
		a.client.AllowRebalance()
	}
}

// Close makes Start return after the current poll.
func (a *Adapter) Close() {
	a.closed.Store(true)
}

func (a *Adapter) enqueue(ctx context.Context, rec *kgo.Record) {
	for {
		select {
		case a.records <- rec:
			a.maybeResume()
			return
		case <-ctx.Done():
			return
		default:
			a.maybePause()
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func (a *Adapter) runWorker(ctx context.Context) {
	for rec := range a.records {
		changes, err := a.decodeRecord(rec)
		if err != nil {
			a.logger.Warn("dropping undecodable record", "topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
			a.acks <- recordAck{record: rec, err: err}
			continue
		}
		_, err = a.appender.AppendChanges(ctx, changes)
		if err != nil && !errors.Is(err, storage.ErrDuplicateChange) {
			a.logger.Error("append failed", "topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
		}
		a.acks <- recordAck{record: rec, err: err}
	}
}

// handleAcks commits an offset once its changes are stored. Records that
// were already captured are committed too.
func (a *Adapter) handleAcks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ack := <-a.acks:
			if ack.record == nil {
				continue
			}
			if ack.err != nil && !errors.Is(ack.err, storage.ErrDuplicateChange) {
				continue
			}
			a.markCommit(ack.record)
			if err := a.commitMarked(ctx); err != nil {
				a.logger.Warn("offset commit failed", "error", err)
			}
		}
	}
}

func (a *Adapter) decodeRecord(rec *kgo.Record) ([]domain.CapturedChange, error) {
	var changes []domain.CapturedChange
	switch a.cfg.ParseMode {
	case ParseModeJSON:
		decoded, err := ParseChanges(rec.Value)
		if err != nil {
			return nil, err
		}
		changes = decoded
	case ParseModeCustom:
		if a.cfg.CustomMapper == nil {
			return nil, errors.New("custom mapper not configured")
		}
		decoded, err := a.cfg.CustomMapper.MapKafkaRecord(rec)
		if err != nil {
			return nil, err
		}
		changes = decoded
	default:
		return nil, fmt.Errorf("unsupported parse mode %q", a.cfg.ParseMode)
	}
	if len(changes) == 0 {
		return nil, errors.New("record carries no changes")
	}
	for i := range changes {
		if err := validateChange(changes[i]); err != nil {
			return nil, fmt.Errorf("change %d: %w", i, err)
		}
	}
	return changes, nil
}

// ParseChanges decodes a JSON change or an array of changes.
func ParseChanges(payload []byte) ([]domain.CapturedChange, error) {
	var in []changeRecord
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &in); err != nil {
			return nil, fmt.Errorf("parse change array: %w", err)
		}
	} else {
		var one changeRecord
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, fmt.Errorf("parse change: %w", err)
		}
		in = append(in, one)
	}
	out := make([]domain.CapturedChange, 0, len(in))
	for _, r := range in {
		c := domain.CapturedChange{
			ID:            r.ID,
			TableName:     r.TableName,
			EventType:     domain.EventType(strings.ToUpper(r.EventType)),
			TransactionID: r.TransactionID,
			RowData:       r.RowData,
			OldData:       r.OldData,
			PKData:        r.PKData,
			NodeList:      r.NodeList,
			SourceNodeID:  r.SourceNodeID,
			ChannelID:     r.ChannelID,
			TriggerHistID: r.TriggerHistID,
		}
		if r.CreateTimeUTC != "" {
			ts, err := time.Parse(time.RFC3339Nano, r.CreateTimeUTC)
			if err != nil {
				return nil, fmt.Errorf("parse create_time_utc: %w", err)
			}
			c.CreateTime = ts.UTC()
		}
		out = append(out, c)
	}
	return out, nil
}

func validateChange(c domain.CapturedChange) error {
	if strings.TrimSpace(c.TableName) == "" {
		return errors.New("table_name is required")
	}
	switch c.EventType {
	case domain.EventInsert, domain.EventUpdate, domain.EventDelete, domain.EventReload,
		domain.EventCreate, domain.EventSQL, domain.EventScript:
	default:
		return fmt.Errorf("unknown event_type %q", c.EventType)
	}
	return nil
}

func (a *Adapter) maybePause() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if a.paused {
		return
	}
	if len(a.records) < cap(a.records) {
		return
	}
	a.pauseFetch(a.cfg.Topics...)
	a.paused = true
}

func (a *Adapter) maybeResume() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if !a.paused {
		return
	}
	if len(a.records) > cap(a.records)/2 {
		return
	}
	a.resumeFetch(a.cfg.Topics...)
	a.paused = false
}
