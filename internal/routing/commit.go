package routing

import (
	"context"
	"fmt"

	"routeflow/internal/batch"
	"routeflow/internal/domain"
	"routeflow/internal/route"
)

// Notifier is told about batches that became ready to send.
type Notifier interface {
	BatchesReady(ctx context.Context, batches []domain.OutgoingBatch) error
}

// commit writes a drained accumulation in one transaction: batches, routings,
// router completion work and the gap delta. The gap tracker is updated in
// memory only once the transaction committed.
func (s *Service) commit(ctx context.Context, ch domain.Channel, rc *route.Context, pending batch.Pending) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if ch.Reload {
		loads := make(map[string]int64)
		for i, b := range pending.Batches {
			if b.NodeID == domain.UnroutedNodeID {
				continue
			}
			id, ok := loads[b.NodeID]
			if !ok {
				if id, err = tx.NextLoadID(ctx); err != nil {
					return fmt.Errorf("next load id: %w", err)
				}
				loads[b.NodeID] = id
			}
			pending.Batches[i].LoadID = id
		}
	}
	if err := tx.InsertBatches(ctx, pending.Batches); err != nil {
		return fmt.Errorf("insert batches: %w", err)
	}
	if err := tx.InsertRoutings(ctx, pending.Routings); err != nil {
		return fmt.Errorf("insert routings: %w", err)
	}
	used := rc.Used()
	for _, t := range used {
		r, ok := s.registry.Lookup(t)
		if !ok {
			continue
		}
		if bc, ok := r.(route.BatchCompleter); ok {
			if err := bc.CompleteBatch(ctx, rc, tx); err != nil {
				return fmt.Errorf("complete batch for %s router: %w", t, err)
			}
		}
	}
	if err := s.tracker.Advance(ctx, tx, pending.RoutedIDs, tx.Commit); err != nil {
		return fmt.Errorf("commit routing: %w", err)
	}
	committed = true
	rc.ResetUsed()

	for _, t := range used {
		if r, ok := s.registry.Lookup(t); ok {
			if cc, ok := r.(route.ContextCommitter); ok {
				cc.ContextCommitted(ctx, rc)
			}
		}
	}
	s.notify(ctx, ch, pending.Batches)
	return nil
}

func (s *Service) notify(ctx context.Context, ch domain.Channel, batches []domain.OutgoingBatch) {
	if s.opts.Notifier == nil {
		return
	}
	var ready []domain.OutgoingBatch
	for _, b := range batches {
		if b.Status == domain.BatchCommitted {
			ready = append(ready, b)
		}
	}
	if len(ready) == 0 {
		return
	}
	if err := s.opts.Notifier.BatchesReady(ctx, ready); err != nil {
		s.logger.Warn("batch notification failed", "channel", ch.ID, "batches", len(ready), "error", err)
	}
}

// abandon records batches that were opened but never committed. It is best
// effort: the batch ids are simply left unused when this fails.
func (s *Service) abandon(ctx context.Context, ch domain.Channel, batches []domain.OutgoingBatch) {
	if len(batches) == 0 {
		return
	}
	for i := range batches {
		batches[i].Status = domain.BatchAbandoned
	}
	if err := s.store.InsertBatches(context.WithoutCancel(ctx), batches); err != nil {
		s.logger.Warn("could not record abandoned batches", "channel", ch.ID, "batches", len(batches), "error", err)
		return
	}
	s.logger.Debug("abandoned batches", "channel", ch.ID, "batches", len(batches))
}
