package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"routeflow/internal/batch"
	"routeflow/internal/domain"
	"routeflow/internal/reader"
	"routeflow/internal/route"
	"routeflow/internal/storage"
)

// pass routes the changes of one channel that are inside the gaps.
type pass struct {
	s      *Service
	ch     domain.Channel
	rc     *route.Context
	res    *resolver
	acc    *batch.Accumulator
	rd     *reader.Reader
	splits bool
	stats  *ChannelStats
	logger hclog.Logger

	atBoundary bool
}

// routeChannel runs a pass and retries it once in wide payload mode when a
// row was too large for the normal scan.
func (s *Service) routeChannel(ctx context.Context, ch domain.Channel, topo *topology) ChannelStats {
	start := time.Now()
	st := s.runPass(ctx, ch, topo, ch.ContainsBigPayload)
	if errors.Is(st.Err, storage.ErrPayloadTooLarge) && !ch.ContainsBigPayload {
		s.logger.Warn("retrying channel with wide payloads", "channel", ch.ID, "error", st.Err)
		st.add(s.runPass(ctx, ch, topo, true))
	}
	st.Elapsed = time.Since(start)
	st.log(s.logger)
	return st
}

func (s *Service) runPass(ctx context.Context, ch domain.Channel, topo *topology, wide bool) ChannelStats {
	st := ChannelStats{ChannelID: ch.ID}
	logger := s.logger.With("channel", ch.ID)

	common, err := s.commonMode(ch, topo)
	if err != nil {
		st.Err = err
		return st
	}
	st.CommonMode = common

	rc := route.NewContext(ch.ID, s.store, logger)
	rc.OnConfigChanged = s.FlushCaches

	rd := reader.New(s.store, ch, s.tracker.Gaps(), wide, s.opts.Reader, s.logger)
	rd.Start(ctx)
	defer rd.StopReading()

	acc := batch.NewAccumulator(batch.Config{
		Channel: ch,
		Common:  common,
		NextID:  s.store.NextBatchID,
		Hash:    s.hash,
	})
	p := &pass{
		s:          s,
		ch:         ch,
		rc:         rc,
		res:        newResolver(s, ch, topo, rc, logger),
		acc:        acc,
		rd:         rd,
		splits:     batch.Splits(ch),
		stats:      &st,
		logger:     logger,
		atBoundary: true,
	}
	st.Err = p.run(ctx, reader.NewLookahead(rd))
	p.res.logMismatches()
	st.DataRead = rd.Read()
	st.ReachedMax = rd.ReachedMax()
	return st
}

func (p *pass) run(ctx context.Context, la *reader.Lookahead) error {
	threshold := p.s.opts.FlushEventThreshold
	for {
		c, boundary, ok, err := la.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Debug("routing interrupted", "error", err)
				return p.finish(context.WithoutCancel(ctx))
			}
			p.discard(ctx)
			return err
		}
		if !ok {
			return p.flush(ctx)
		}

		start := time.Now()
		dests, err := p.res.resolve(ctx, c)
		p.stats.RouterTime += time.Since(start)
		if errors.Is(err, route.ErrDelay) {
			p.logger.Info("routing delayed", "change", c.ID, "error", err)
			p.stats.Delayed = true
			p.rd.StopReading()
			return p.finish(ctx)
		}
		if err != nil {
			p.discard(ctx)
			return err
		}

		if assigned, err := p.assign(ctx, c, dests); err != nil {
			if !errors.Is(err, batch.ErrCollision) {
				p.discard(ctx)
				return err
			}
			p.logger.Warn("destination set collision, deferring change to a per-node batch", "change", c.ID, "error", err)
			p.stats.Collision = true
			p.s.forceNonCommon(p.ch.ID)
			p.rd.StopReading()
			if assigned > 0 {
				// part of c is already in the open batches
				p.atBoundary = false
			}
			return p.finish(ctx)
		}
		p.acc.EndChange(c.ID, boundary)
		p.atBoundary = boundary || p.splits

		if threshold > 0 && p.acc.PendingRoutings() >= threshold && p.atBoundary {
			if err := p.flush(ctx); err != nil {
				return err
			}
		}
	}
}

// assign adds c to the batches of every destination and returns how many
// destinations were assigned before an error.
func (p *pass) assign(ctx context.Context, c domain.CapturedChange, dests []destination) (int, error) {
	if len(dests) == 0 {
		return 0, p.acc.Assign(ctx, c, "", nil)
	}
	for i, d := range dests {
		if err := p.acc.Assign(ctx, c, d.routerID, d.nodeIDs); err != nil {
			return i, err
		}
	}
	return len(dests), nil
}

// finish commits what was accumulated when the last change ended a
// transaction, and discards it otherwise. The discarded changes stay in the
// gaps for the next pass.
func (p *pass) finish(ctx context.Context) error {
	if p.atBoundary {
		return p.flush(ctx)
	}
	p.discard(ctx)
	return nil
}

func (p *pass) flush(ctx context.Context) error {
	if p.acc.PendingChanges() == 0 {
		p.acc.Reset()
		return nil
	}
	pending := p.acc.Drain()
	start := time.Now()
	err := p.s.commit(ctx, p.ch, p.rc, pending)
	p.stats.CommitTime += time.Since(start)
	if err != nil {
		p.s.abandon(ctx, p.ch, pending.Batches)
		return fmt.Errorf("flush channel %s: %w", p.ch.ID, err)
	}
	p.stats.DataRouted += int64(len(pending.RoutedIDs))
	p.stats.Batches += len(pending.Batches)
	p.stats.Routings += int64(len(pending.Routings))
	return nil
}

func (p *pass) discard(ctx context.Context) {
	pending := p.acc.Drain()
	p.s.abandon(ctx, p.ch, pending.Batches)
}
