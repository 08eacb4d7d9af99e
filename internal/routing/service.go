package routing

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"routeflow/internal/cluster"
	"routeflow/internal/config"
	"routeflow/internal/domain"
	"routeflow/internal/gaps"
	"routeflow/internal/logging"
	"routeflow/internal/reader"
	"routeflow/internal/route"
	"routeflow/internal/storage"
)

const (
	ModeSerial   = "serial"
	ModeParallel = "parallel"
)

type Options struct {
	// NodeID and GroupID identify the local node.
	NodeID  string
	GroupID string

	Mode                string
	PoolSize            int
	WaitTimeout         time.Duration
	// FlushEventThreshold commits pending routings at the next transaction
	// boundary. Every flush closes all open batches, so a low threshold also
	// caps batch size below the channel's MaxBatchSize.
	FlushEventThreshold int
	MaxExtraPasses      int
	EligibilityCacheTTL time.Duration
	NodeCacheTTL        time.Duration

	Gaps   gaps.Config
	Reader reader.Config

	Registry   *route.Registry
	Notifier   Notifier
	NodeFilter NodeFilter
	Logger     hclog.Logger
}

// OptionsFromConfig maps the routing related configuration sections.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		NodeID:              cfg.Node.ID,
		GroupID:             cfg.Node.GroupID,
		Mode:                cfg.Routing.Mode,
		PoolSize:            cfg.Routing.PoolSize,
		WaitTimeout:         cfg.Routing.WaitTimeout,
		FlushEventThreshold: cfg.Routing.FlushEventThreshold,
		MaxExtraPasses:      cfg.Routing.MaxExtraPasses,
		EligibilityCacheTTL: cfg.Routing.EligibilityCacheTTL,
		NodeCacheTTL:        cfg.Routing.NodeCacheTTL,
		Gaps: gaps.Config{
			Size:         cfg.Gaps.Size,
			StaleGapTime: cfg.Gaps.StaleGapTime,
		},
		Reader: reader.Config{
			PeekAhead:       cfg.Reader.PeekAhead,
			TakeTimeout:     cfg.Reader.TakeTimeout,
			MaxGapsInQuery:  cfg.Gaps.MaxGapsInQuery,
			MaxPayloadBytes: cfg.Reader.MaxPayloadBytes,
		},
	}
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = ModeSerial
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 4
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 30 * time.Second
	}
	if o.FlushEventThreshold <= 0 {
		o.FlushEventThreshold = 10000
	}
	if o.MaxExtraPasses < 0 {
		o.MaxExtraPasses = 0
	}
	if o.Registry == nil {
		o.Registry = route.DefaultRegistry()
	}
	return o
}

// Service routes captured changes into outgoing batches. RunOnce calls are
// serialized; channel passes within one run may execute in parallel.
type Service struct {
	store    storage.Store
	locker   cluster.Locker
	opts     Options
	registry *route.Registry
	tracker  *gaps.Tracker
	logger   hclog.Logger

	topo     *ttlCache[*topology]
	eligible *ttlCache[bool]
	shapes   *ttlCache[domain.TableShape]

	runMu  sync.Mutex
	swept  bool
	loadMu sync.Mutex

	mu          sync.Mutex
	nonCommon   map[string]bool
	lastCommon  map[string]bool
	warnedTypes sync.Map

	// routeFn runs one channel; replaced in tests.
	routeFn func(ctx context.Context, ch domain.Channel, topo *topology) ChannelStats
	// hash overrides the destination set hash of common batches.
	hash func(string) uint64
}

func NewService(store storage.Store, locker cluster.Locker, opts Options) *Service {
	opts = opts.withDefaults()
	if locker == nil {
		locker = cluster.NewLocal()
	}
	logger := logging.OrNull(opts.Logger).Named("routing")
	s := &Service{
		store:      store,
		locker:     locker,
		opts:       opts,
		registry:   opts.Registry,
		tracker:    gaps.NewTracker(store, opts.Gaps, logger),
		logger:     logger,
		topo:       newTTLCache[*topology](opts.NodeCacheTTL),
		eligible:   newTTLCache[bool](opts.EligibilityCacheTTL),
		shapes:     newTTLCache[domain.TableShape](opts.NodeCacheTTL),
		nonCommon:  make(map[string]bool),
		lastCommon: make(map[string]bool),
	}
	s.routeFn = s.routeChannel
	return s
}

// RunOnce routes every channel with pending changes and returns the number
// of changes routed. Unless force is set the cluster route lock must be
// acquired first; when another instance holds it nothing is done. Channel
// failures are joined into the returned error and never stop other channels.
func (s *Service) RunOnce(ctx context.Context, force bool) (int, error) {
	locked := false
	if !force {
		ok, err := s.locker.Acquire(ctx, cluster.LockRoute)
		if err != nil {
			return 0, fmt.Errorf("acquire %s lock: %w", cluster.LockRoute, err)
		}
		if !ok {
			s.logger.Debug("route lock held elsewhere")
			return 0, nil
		}
		locked = true
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), cluster.LockRoute); err != nil {
				s.logger.Warn("release route lock", "error", err)
			}
		}()
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	if err := s.ensureLoaded(ctx); err != nil {
		return 0, err
	}
	if !s.swept {
		if err := s.sweepAbandoned(ctx); err != nil {
			return 0, err
		}
		s.swept = true
	}

	start := time.Now()
	total := 0
	var errs []error
	for extra := 0; ; extra++ {
		topo, err := s.topology(ctx)
		if err != nil {
			return total, err
		}
		stats, err := s.routeChannels(ctx, topo, locked)
		more := false
		for _, st := range stats {
			total += int(st.DataRouted)
			if st.Err != nil {
				s.logger.Error("channel routing failed", "channel", st.ChannelID, "error", st.Err)
				errs = append(errs, fmt.Errorf("channel %s: %w", st.ChannelID, st.Err))
			}
			more = more || st.ReachedMax
		}
		if err != nil {
			errs = append(errs, err)
			break
		}
		if !more || extra >= s.opts.MaxExtraPasses || ctx.Err() != nil {
			break
		}
		s.logger.Debug("channel reached its data cap, routing again", "pass", extra+1)
	}

	if _, err := s.tracker.RepairExpired(ctx); err != nil {
		errs = append(errs, fmt.Errorf("repair expired gaps: %w", err))
	}
	if total > 0 {
		s.logger.Info("routed changes", "count", total, "elapsed", time.Since(start).String())
	}
	return total, errors.Join(errs...)
}

func (s *Service) ensureLoaded(ctx context.Context) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if s.tracker.Loaded() {
		return nil
	}
	if err := s.tracker.Load(ctx); err != nil {
		return fmt.Errorf("load gaps: %w", err)
	}
	return nil
}

// sweepAbandoned marks batches left open by an earlier writer as abandoned
// and puts their changes back into the gaps. This engine never persists open
// batches itself.
func (s *Service) sweepAbandoned(ctx context.Context) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	ids, n, err := tx.AbandonOpenBatches(ctx)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("abandon open batches: %w", err)
	}
	if n == 0 {
		return tx.Rollback()
	}
	if err := s.tracker.Reopen(ctx, tx, ids, tx.Commit); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("reopen abandoned changes: %w", err)
	}
	s.logger.Info("abandoned open batches", "batches", n, "changes", len(ids))
	return nil
}

// routeChannels runs one pass over every enabled channel that has changes at
// or after the first gap.
func (s *Service) routeChannels(ctx context.Context, topo *topology, locked bool) ([]ChannelStats, error) {
	from := s.tracker.NextScanStart()
	var work []domain.Channel
	for _, ch := range topo.channels {
		if !ch.Enabled {
			continue
		}
		has, err := s.store.HasChanges(ctx, ch.ID, from)
		if err != nil {
			return nil, fmt.Errorf("check channel %s: %w", ch.ID, err)
		}
		if has {
			work = append(work, ch)
		}
	}
	if len(work) == 0 {
		return nil, nil
	}
	if s.opts.Mode == ModeParallel {
		return s.routeParallel(ctx, topo, work, locked)
	}
	return s.routeSerial(ctx, topo, work, locked)
}

func (s *Service) routeSerial(ctx context.Context, topo *topology, work []domain.Channel, locked bool) ([]ChannelStats, error) {
	stats := make([]ChannelStats, 0, len(work))
	for i, ch := range work {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && locked {
			if err := s.locker.Refresh(ctx, cluster.LockRoute); err != nil {
				return stats, fmt.Errorf("refresh %s lock: %w", cluster.LockRoute, err)
			}
		}
		stats = append(stats, s.safeRoute(ctx, ch, topo))
	}
	return stats, nil
}

func (s *Service) routeParallel(ctx context.Context, topo *topology, work []domain.Channel, locked bool) ([]ChannelStats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		results = make([]ChannelStats, len(work))
		running sync.Map
		g       errgroup.Group
		done    = make(chan struct{})
	)
	g.SetLimit(s.opts.PoolSize)
	go func() {
		defer close(done)
		for i, ch := range work {
			g.Go(func() error {
				running.Store(ch.ID, time.Now())
				defer running.Delete(ch.ID)
				results[i] = s.safeRoute(ctx, ch, topo)
				return nil
			})
		}
		_ = g.Wait()
	}()

	var lockErr error
	for {
		select {
		case <-done:
			return results, lockErr
		case <-time.After(s.opts.WaitTimeout):
			if locked && lockErr == nil {
				if err := s.locker.Refresh(ctx, cluster.LockRoute); err != nil {
					lockErr = fmt.Errorf("refresh %s lock: %w", cluster.LockRoute, err)
					s.logger.Error("lost route lock, stopping channels", "error", err)
					cancel()
				}
			}
			s.logger.Info("waiting on channels", "channels", runningChannels(&running))
		}
	}
}

func runningChannels(running *sync.Map) string {
	var out []string
	running.Range(func(k, v any) bool {
		out = append(out, fmt.Sprintf("%s(%s)", k, time.Since(v.(time.Time)).Round(time.Second)))
		return true
	})
	sort.Strings(out)
	return strings.Join(out, ",")
}

func (s *Service) safeRoute(ctx context.Context, ch domain.Channel, topo *topology) (st ChannelStats) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("channel routing panicked", "channel", ch.ID, "panic", r, "stack", string(debug.Stack()))
			st = ChannelStats{ChannelID: ch.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return s.routeFn(ctx, ch, topo)
}

// PendingGaps returns the id ranges not yet confirmed routed.
func (s *Service) PendingGaps(ctx context.Context) ([]domain.DataGap, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	return s.tracker.Gaps(), nil
}

// UnroutedCount estimates the changes waiting to be routed: every id from the
// first gap up to the newest change.
func (s *Service) UnroutedCount(ctx context.Context) (int64, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return 0, err
	}
	maxID, err := s.store.MaxChangeID(ctx)
	if err != nil {
		return 0, fmt.Errorf("max change id: %w", err)
	}
	first := s.tracker.NextScanStart()
	if first == 0 {
		return 0, nil
	}
	return max(0, maxID-(first-1)), nil
}

// FlushCaches drops the cached configuration so the next pass reloads it.
func (s *Service) FlushCaches() {
	s.topo.Flush()
	s.eligible.Flush()
	s.shapes.Flush()
	s.logger.Debug("flushed routing caches")
}

func (s *Service) topology(ctx context.Context) (*topology, error) {
	return s.topo.GetOrCompute("topology", func() (*topology, error) {
		return loadTopology(ctx, s.store)
	})
}

func (s *Service) shape(ctx context.Context, c domain.CapturedChange) (domain.TableShape, error) {
	if c.TriggerHistID == 0 {
		return domain.TableShape{TableName: c.TableName}, nil
	}
	return s.shapes.GetOrCompute(shapeKey(c.TriggerHistID), func() (domain.TableShape, error) {
		shape, ok, err := s.store.TableShape(ctx, c.TriggerHistID)
		if err != nil {
			return domain.TableShape{}, fmt.Errorf("table shape %d: %w", c.TriggerHistID, err)
		}
		if !ok {
			s.logger.Warn("unknown table shape", "trigger_hist_id", c.TriggerHistID, "table", c.TableName)
			return domain.TableShape{ID: c.TriggerHistID, TableName: c.TableName}, nil
		}
		return shape, nil
	})
}

// router returns the implementation for r and the type name it was found
// under. Unknown types fall back to the default router.
func (s *Service) router(r domain.Router) (route.Router, string) {
	if impl, ok := s.registry.Lookup(r.Type); ok {
		return impl, r.Type
	}
	if !route.IsDefault(r.Type) {
		if _, warned := s.warnedTypes.LoadOrStore(r.ID, struct{}{}); !warned {
			s.logger.Warn("unsupported router type, using default", "router", r.ID, "type", r.Type)
		}
	}
	impl, _ := s.registry.Lookup(route.TypeDefault)
	if impl == nil {
		impl = route.Default{}
	}
	return impl, route.TypeDefault
}

func (s *Service) forceNonCommon(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonCommon[channelID] = true
}

// commonMode decides whether the channel's pass shares batches between
// destinations. A forced per-node pass is consumed here.
func (s *Service) commonMode(ch domain.Channel, topo *topology) (bool, error) {
	eligible, err := s.eligible.GetOrCompute(ch.ID, func() (bool, error) {
		return commonEligible(ch, topo), nil
	})
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	common := eligible && !s.nonCommon[ch.ID]
	delete(s.nonCommon, ch.ID)
	if last, seen := s.lastCommon[ch.ID]; !seen || last != common {
		if seen {
			s.logger.Info("common batch mode changed", "channel", ch.ID, "common", common)
		}
		s.lastCommon[ch.ID] = common
	}
	return common, nil
}

// commonEligible reports whether every destination of a change on ch can
// share one batch.
func commonEligible(ch domain.Channel, topo *topology) bool {
	switch ch.ID {
	case domain.ChannelConfig, domain.ChannelReload, domain.ChannelHeartbeat:
		return false
	}
	if ch.Reload || ch.FileSync {
		return false
	}
	tables := make(map[string]bool)
	for _, b := range topo.bindings[ch.ID] {
		if !b.Enabled {
			continue
		}
		if !route.IsDefault(b.Router.Type) || b.PingBack {
			return false
		}
		if b.Router.SourceGroupID == b.Router.TargetGroupID {
			return false
		}
		t := strings.ToLower(b.TableName)
		if tables[t] {
			return false
		}
		tables[t] = true
	}
	return true
}
