package route

import (
	"context"
	"errors"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/go-hclog"

	"routeflow/internal/domain"
	"routeflow/internal/logging"
	"routeflow/internal/storage"
)

var (
	// ErrDelay asks the caller to abandon the current scan and retry later.
	ErrDelay = errors.New("routing delayed")
	// ErrSyntax reports a router expression that cannot be parsed.
	ErrSyntax = errors.New("router expression syntax error")
)

// Router computes the destination node ids for one change. nodes holds the
// nodes the change may go to; a router never selects a node outside it.
type Router interface {
	Route(ctx context.Context, rc *Context, c *Change, nodes []domain.Node) (mapset.Set[string], error)
}

// BatchCompleter is implemented by routers with work to do inside the commit
// transaction of a routing context.
type BatchCompleter interface {
	CompleteBatch(ctx context.Context, rc *Context, tx storage.Tx) error
}

// ContextCommitter is implemented by routers that react after a routing
// context committed.
type ContextCommitter interface {
	ContextCommitted(ctx context.Context, rc *Context)
}

// Context is the per channel pass state shared by the routers. Routers are
// shared between channels, so anything they remember for a pass lives here.
type Context struct {
	ChannelID string
	Lookup    storage.LookupStore
	// Redirects maps an external id to the node registration was redirected to.
	Redirects map[string]string
	// OnConfigChanged is called after a commit that routed configuration changes.
	OnConfigChanged func()
	Logger          hclog.Logger

	scratch map[string]any
	used    map[string]struct{}
}

func NewContext(channelID string, lookup storage.LookupStore, logger hclog.Logger) *Context {
	return &Context{
		ChannelID: channelID,
		Lookup:    lookup,
		Logger:    logging.OrNull(logger),
		scratch:   make(map[string]any),
		used:      make(map[string]struct{}),
	}
}

// Scratch returns the value stored under key, building it on first use.
func (rc *Context) Scratch(key string, build func() (any, error)) (any, error) {
	if v, ok := rc.scratch[key]; ok {
		return v, nil
	}
	v, err := build()
	if err != nil {
		return nil, err
	}
	rc.scratch[key] = v
	return v, nil
}

// MarkUsed records that a router type took part in the current flush window.
func (rc *Context) MarkUsed(routerType string) {
	rc.used[normalizeType(routerType)] = struct{}{}
}

// Used returns the router types marked since the last ResetUsed, sorted.
func (rc *Context) Used() []string {
	out := make([]string, 0, len(rc.used))
	for t := range rc.used {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (rc *Context) ResetUsed() {
	rc.used = make(map[string]struct{})
}

// Registry maps router type names to implementations. Names are matched
// case-insensitively.
type Registry struct {
	routers map[string]Router
}

func NewRegistry() *Registry {
	return &Registry{routers: make(map[string]Router)}
}

// DefaultRegistry holds every built-in router type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypeDefault, Default{})
	r.Register(TypeColumn, &ColumnMatch{})
	r.Register(TypeLookupTable, &LookupTable{})
	r.Register(TypeSubSelect, &SubSelect{})
	r.Register(TypeAudit, &Audit{})
	r.Register(TypeConvertToReload, &ConvertToReload{})
	r.Register(TypeConfigurationChanged, &ConfigurationChanged{})
	return r
}

func (r *Registry) Register(routerType string, router Router) {
	r.routers[normalizeType(routerType)] = router
}

func (r *Registry) Lookup(routerType string) (Router, bool) {
	router, ok := r.routers[normalizeType(routerType)]
	return router, ok
}

func normalizeType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

// Router type names.
const (
	TypeDefault              = "default"
	TypeColumn               = "column"
	TypeLookupTable          = "lookuptable"
	TypeSubSelect            = "subselect"
	TypeAudit                = "audit"
	TypeConvertToReload      = "convertToReload"
	TypeConfigurationChanged = "configurationChanged"
)

// IsDefault reports whether routerType names the default router. An empty
// type is treated as default.
func IsDefault(routerType string) bool {
	t := normalizeType(routerType)
	return t == "" || t == TypeDefault
}

// Default routes to every node it is offered.
type Default struct{}

func (Default) Route(_ context.Context, _ *Context, _ *Change, nodes []domain.Node) (mapset.Set[string], error) {
	return NodeIDs(nodes), nil
}

// NodeIDs returns the ids of nodes as a set.
func NodeIDs(nodes []domain.Node) mapset.Set[string] {
	out := mapset.NewSet[string]()
	for _, n := range nodes {
		out.Add(n.ID)
	}
	return out
}
