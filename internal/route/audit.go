package route

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"routeflow/internal/domain"
	"routeflow/internal/storage"
)

// Audit copies every change it sees into an audit table for the change's
// table. It routes to no node.
type Audit struct{}

type auditPending struct {
	changes []domain.CapturedChange
}

func pendingAudits(rc *Context) *auditPending {
	v, _ := rc.Scratch("audit", func() (any, error) { return &auditPending{}, nil })
	return v.(*auditPending)
}

func (Audit) Route(_ context.Context, rc *Context, c *Change, _ []domain.Node) (mapset.Set[string], error) {
	p := pendingAudits(rc)
	p.changes = append(p.changes, c.CapturedChange)
	return mapset.NewSet[string](), nil
}

func (Audit) CompleteBatch(ctx context.Context, rc *Context, tx storage.Tx) error {
	p := pendingAudits(rc)
	for _, c := range p.changes {
		if err := tx.InsertAudit(ctx, c); err != nil {
			return fmt.Errorf("audit change %d: %w", c.ID, err)
		}
	}
	p.changes = nil
	return nil
}
