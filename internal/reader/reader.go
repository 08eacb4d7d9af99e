package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"routeflow/internal/batch"
	"routeflow/internal/domain"
	"routeflow/internal/gaps"
	"routeflow/internal/logging"
	"routeflow/internal/storage"
)

// ErrTakeTimeout is returned by Take when no change arrives in time.
var ErrTakeTimeout = errors.New("timed out waiting for change to route")

type Config struct {
	PeekAhead       int
	TakeTimeout     time.Duration
	MaxGapsInQuery  int
	MaxPayloadBytes int
}

func (c Config) withDefaults() Config {
	if c.PeekAhead <= 0 {
		c.PeekAhead = 1000
	}
	if c.TakeTimeout <= 0 {
		c.TakeTimeout = 330 * time.Second
	}
	if c.MaxGapsInQuery <= 0 {
		c.MaxGapsInQuery = 100
	}
	return c
}

// Source is the change store query the reader drives.
type Source interface {
	SelectChanges(ctx context.Context, q storage.ChangeQuery) (storage.ChangeCursor, error)
}

// Reader streams the changes of one channel that fall inside the open gaps.
// It runs its query on its own goroutine and hands changes over through a
// bounded queue.
type Reader struct {
	src     Source
	cfg     Config
	channel domain.Channel
	gaps    []domain.DataGap
	wide    bool
	logger  hclog.Logger

	queue      chan domain.CapturedChange
	stop       chan struct{}
	stopOnce   sync.Once
	cancel     context.CancelFunc
	err        error
	reachedMax atomic.Bool
	read       atomic.Int64
}

// New prepares a reader over a snapshot of the gaps. wide disables the
// payload size limit.
func New(src Source, channel domain.Channel, gapSnapshot []domain.DataGap, wide bool, cfg Config, logger hclog.Logger) *Reader {
	cfg = cfg.withDefaults()
	return &Reader{
		src:     src,
		cfg:     cfg,
		channel: channel,
		gaps:    gapSnapshot,
		wide:    wide,
		logger:  logging.OrNull(logger).Named("reader").With("channel", channel.ID),
		queue:   make(chan domain.CapturedChange, cfg.PeekAhead),
		stop:    make(chan struct{}),
	}
}

// Start launches the producer. The queue is closed when it finishes.
func (r *Reader) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go func() {
		defer close(r.queue)
		defer r.cancel()
		if err := r.execute(ctx); err != nil && !r.stopped() {
			r.err = err
		}
	}()
}

// Take returns the next change. ok is false once the stream is exhausted, in
// which case err carries any failure the producer hit.
func (r *Reader) Take(ctx context.Context) (domain.CapturedChange, bool, error) {
	timer := time.NewTimer(r.cfg.TakeTimeout)
	defer timer.Stop()
	select {
	case c, ok := <-r.queue:
		if !ok {
			return domain.CapturedChange{}, false, r.err
		}
		return c, true, nil
	case <-timer.C:
		return domain.CapturedChange{}, false, fmt.Errorf("channel %s after %s: %w", r.channel.ID, r.cfg.TakeTimeout, ErrTakeTimeout)
	case <-ctx.Done():
		return domain.CapturedChange{}, false, ctx.Err()
	}
}

// StopReading asks the producer to stop. Changes already queued are still
// returned by Take before the end of the stream.
func (r *Reader) StopReading() {
	r.stopOnce.Do(func() {
		close(r.stop)
		if r.cancel != nil {
			r.cancel()
		}
	})
}

// ReachedMax reports whether the scan stopped at the channel's data cap with
// more data left to read.
func (r *Reader) ReachedMax() bool {
	return r.reachedMax.Load()
}

// Read is the number of changes handed to the queue so far.
func (r *Reader) Read() int64 {
	return r.read.Load()
}

func (r *Reader) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (r *Reader) query() storage.ChangeQuery {
	q := storage.ChangeQuery{
		ChannelID:       r.channel.ID,
		Gaps:            r.gaps,
		WidePayload:     r.wide || r.channel.ContainsBigPayload,
		MaxPayloadBytes: r.cfg.MaxPayloadBytes,
	}
	if len(r.gaps) > r.cfg.MaxGapsInQuery {
		q.GreaterThan = true
		r.logger.Debug("selecting changes past the first gap", "gaps", len(r.gaps), "start", r.gaps[0].StartID)
	}
	return q
}

func (r *Reader) execute(ctx context.Context) error {
	if len(r.gaps) == 0 {
		return nil
	}
	cursor, err := r.src.SelectChanges(ctx, r.query())
	if err != nil {
		return err
	}
	defer cursor.Close()

	var (
		limit     = int64(r.channel.MaxDataToRoute)
		nontx     = batch.Splits(r.channel)
		peek      = make([]domain.CapturedChange, 0, r.cfg.PeekAhead)
		lastTx    string
		inTx      bool
		more      = true
		emitCount int64
	)
	for limit <= 0 || emitCount < limit || (inTx && !nontx) {
		if more {
			if peek, more, err = r.fill(peek, cursor); err != nil {
				return err
			}
		}
		if len(peek) == 0 {
			break
		}
		if !inTx || nontx {
			c := peek[0]
			peek = peek[1:]
			if !r.emit(c) {
				return nil
			}
			emitCount++
			lastTx, inTx = c.TransactionID, c.InTransaction()
			continue
		}
		// pull the rest of the open transaction forward
		kept := peek[:0]
		found := 0
		for _, c := range peek {
			if c.TransactionID != lastTx {
				kept = append(kept, c)
				continue
			}
			if !r.emit(c) {
				return nil
			}
			emitCount++
			found++
		}
		peek = kept
		if found == 0 {
			inTx = false
		}
	}
	if limit > 0 && emitCount >= limit && (len(peek) > 0 || more) {
		r.reachedMax.Store(true)
		r.logger.Debug("reached max data to route", "limit", limit)
	}
	return nil
}

// fill tops the peek window up from the cursor, skipping rows outside the
// gaps. more is false once the cursor is exhausted.
func (r *Reader) fill(peek []domain.CapturedChange, cursor storage.ChangeCursor) ([]domain.CapturedChange, bool, error) {
	for len(peek) < r.cfg.PeekAhead {
		if r.stopped() {
			return peek, false, nil
		}
		c, err := cursor.Next()
		if errors.Is(err, io.EOF) {
			return peek, false, nil
		}
		if err != nil {
			return peek, false, err
		}
		if !gaps.Contains(r.gaps, c.ID) {
			continue
		}
		peek = append(peek, c)
	}
	return peek, true, nil
}

func (r *Reader) emit(c domain.CapturedChange) bool {
	if r.stopped() {
		return false
	}
	select {
	case r.queue <- c:
		r.read.Add(1)
		return true
	case <-r.stop:
		return false
	}
}

// Lookahead wraps a Reader with a one change look-ahead so the consumer
// learns whether each change ends its transaction.
type Lookahead struct {
	r    *Reader
	next *domain.CapturedChange
	eod  bool
}

func NewLookahead(r *Reader) *Lookahead {
	return &Lookahead{r: r}
}

// Next returns the next change and whether a transaction boundary follows
// it. ok is false at the end of the stream.
func (l *Lookahead) Next(ctx context.Context) (c domain.CapturedChange, boundary, ok bool, err error) {
	if l.next == nil && !l.eod {
		if err := l.advance(ctx); err != nil {
			return domain.CapturedChange{}, false, false, err
		}
	}
	if l.next == nil {
		return domain.CapturedChange{}, false, false, nil
	}
	c = *l.next
	l.next = nil
	if err := l.advance(ctx); err != nil {
		return domain.CapturedChange{}, false, false, err
	}
	boundary = l.next == nil || !c.InTransaction() || l.next.TransactionID != c.TransactionID
	return c, boundary, true, nil
}

func (l *Lookahead) advance(ctx context.Context) error {
	c, ok, err := l.r.Take(ctx)
	if err != nil {
		return err
	}
	if !ok {
		l.eod = true
		return nil
	}
	l.next = &c
	return nil
}
