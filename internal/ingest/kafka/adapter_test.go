package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/twmb/franz-go/pkg/kgo"

	"routeflow/internal/domain"
	"routeflow/internal/storage"
)

type stubAppender struct {
	mu      sync.Mutex
	batches [][]domain.CapturedChange
	errFor  map[string]error
	waitCh  chan struct{}
}

func (s *stubAppender) AppendChanges(_ context.Context, changes []domain.CapturedChange) ([]int64, error) {
	if s.waitCh != nil {
		<-s.waitCh
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errFor[changes[0].TransactionID]; err != nil {
		return nil, err
	}
	s.batches = append(s.batches, changes)
	ids := make([]int64, len(changes))
	for i := range ids {
		ids[i] = int64(len(s.batches)*100 + i)
	}
	return ids, nil
}

func (s *stubAppender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func testAdapter(app Appender, capacity int) *Adapter {
	a := &Adapter{
		cfg:      Config{ParseMode: ParseModeJSON, Topics: []string{"changes"}},
		logger:   hclog.NewNullLogger(),
		appender: app,
		records:  make(chan *kgo.Record, capacity),
		acks:     make(chan recordAck, capacity),
	}
	a.pauseFetch = func(...string) {}
	a.resumeFetch = func(...string) {}
	a.commitMarked = func(context.Context) error { return nil }
	return a
}

func changeJSON(tx string) []byte {
	return []byte(fmt.Sprintf(`{"table_name":"item","event_type":"i","transaction_id":%q,"row_data":"1,\"x\"","pk_data":"1"}`, tx))
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Enabled: true, Brokers: []string{"127.0.0.1:9092"}, Topics: []string{"changes"}, GroupID: "g1"}
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ParseMode != ParseModeJSON || cfg.WorkerCount != 1 {
		t.Fatalf("defaults = %+v", cfg)
	}
	cfg.ParseMode = "xml"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("unknown parse mode accepted")
	}
}

func TestParseChanges(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    int
		wantErr bool
	}{
		{"single", `{"table_name":"item","event_type":"I"}`, 1, false},
		{"array", ` [{"table_name":"item","event_type":"I","transaction_id":"t"},{"table_name":"item","event_type":"U","transaction_id":"t"}]`, 2, false},
		{"node list", `{"table_name":"item","event_type":"R","node_list":["c1","c2"],"channel_id":"reload"}`, 1, false},
		{"bad time", `{"table_name":"item","event_type":"I","create_time_utc":"yesterday"}`, 0, true},
		{"garbage", `{`, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseChanges([]byte(tc.payload))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if len(got) != tc.want {
				t.Fatalf("got %d changes", len(got))
			}
		})
	}
}

func TestDecodeRecordNormalizesAndValidates(t *testing.T) {
	a := testAdapter(&stubAppender{}, 1)
	changes, err := a.decodeRecord(&kgo.Record{Value: changeJSON("tx1")})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if changes[0].EventType != domain.EventInsert || changes[0].TransactionID != "tx1" {
		t.Fatalf("unexpected change: %+v", changes[0])
	}
	if _, err := a.decodeRecord(&kgo.Record{Value: []byte(`{"event_type":"I"}`)}); err == nil {
		t.Fatalf("missing table name accepted")
	}
	if _, err := a.decodeRecord(&kgo.Record{Value: []byte(`{"table_name":"item","event_type":"Z"}`)}); err == nil {
		t.Fatalf("unknown event type accepted")
	}
	if _, err := a.decodeRecord(&kgo.Record{Value: []byte(`[]`)}); err == nil {
		t.Fatalf("empty record accepted")
	}
}

type mapperFunc func(*kgo.Record) ([]domain.CapturedChange, error)

func (f mapperFunc) MapKafkaRecord(r *kgo.Record) ([]domain.CapturedChange, error) { return f(r) }

func TestCustomMapper(t *testing.T) {
	a := testAdapter(&stubAppender{}, 1)
	a.cfg.ParseMode = ParseModeCustom
	a.cfg.CustomMapper = mapperFunc(func(r *kgo.Record) ([]domain.CapturedChange, error) {
		return []domain.CapturedChange{{TableName: string(r.Key), EventType: domain.EventDelete}}, nil
	})
	changes, err := a.decodeRecord(&kgo.Record{Key: []byte("orders")})
	if err != nil || changes[0].TableName != "orders" {
		t.Fatalf("custom mapper: %v %+v", err, changes)
	}
}

func TestOffsetCommitOnlyAfterAppend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wait := make(chan struct{})
	app := &stubAppender{waitCh: wait}
	a := testAdapter(app, 1)
	committed := make(chan struct{}, 1)
	a.markCommit = func(*kgo.Record) { committed <- struct{}{} }

	go a.handleAcks(ctx)
	go a.runWorker(ctx)
	a.records <- &kgo.Record{Topic: "changes", Offset: 1, Value: changeJSON("tx1")}

	select {
	case <-committed:
		t.Fatalf("offset committed before the changes were stored")
	case <-time.After(75 * time.Millisecond):
	}
	close(wait)
	select {
	case <-committed:
	case <-time.After(time.Second):
		t.Fatalf("expected commit after append")
	}
	if app.count() != 1 {
		t.Fatalf("appended %d records", app.count())
	}
}

func TestDuplicateDeliveryIsCommitted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app := &stubAppender{errFor: map[string]error{"dup": fmt.Errorf("insert: %w", storage.ErrDuplicateChange)}}
	a := testAdapter(app, 1)
	var commits atomic.Int32
	a.markCommit = func(*kgo.Record) { commits.Add(1) }

	go a.handleAcks(ctx)
	go a.runWorker(ctx)
	a.records <- &kgo.Record{Topic: "changes", Offset: 2, Value: changeJSON("dup")}
	deadline := time.Now().Add(time.Second)
	for commits.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if commits.Load() != 1 {
		t.Fatalf("expected duplicate to be committed, got %d", commits.Load())
	}
}

func TestCommitSkipsOnAppendFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app := &stubAppender{errFor: map[string]error{"tx1": errors.New("disk full")}}
	a := testAdapter(app, 1)
	var commits atomic.Int32
	a.markCommit = func(*kgo.Record) { commits.Add(1) }
	go a.handleAcks(ctx)
	go a.runWorker(ctx)
	a.records <- &kgo.Record{Topic: "changes", Offset: 1, Value: changeJSON("tx1")}
	time.Sleep(60 * time.Millisecond)
	if commits.Load() != 0 {
		t.Fatalf("expected no offset commit on append failure")
	}
}

func TestBackpressurePauseAndResume(t *testing.T) {
	a := testAdapter(&stubAppender{}, 2)
	paused := 0
	resumed := 0
	a.pauseFetch = func(...string) { paused++ }
	a.resumeFetch = func(...string) { resumed++ }

	a.records <- &kgo.Record{}
	a.records <- &kgo.Record{}
	a.maybePause()
	a.maybePause()
	if paused != 1 {
		t.Fatalf("expected one pause, got %d", paused)
	}
	<-a.records
	a.maybeResume()
	if resumed != 1 {
		t.Fatalf("expected resume, got %d", resumed)
	}
}
