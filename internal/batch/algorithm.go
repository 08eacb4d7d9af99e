package batch

import (
	"strings"

	"routeflow/internal/domain"
)

// Algorithm decides when an open batch has reached its boundary.
// txBoundary is true when the change just added ends its transaction.
type Algorithm interface {
	IsBoundaryReached(ch domain.Channel, b domain.OutgoingBatch, txBoundary bool) bool
}

// Algorithm names.
const (
	AlgorithmDefault          = "default"
	AlgorithmTransactional    = "transactional"
	AlgorithmNontransactional = "nontransactional"
	AlgorithmReload           = "reload"
)

// SizeAtTransaction closes a full batch once the current transaction ends.
type SizeAtTransaction struct{}

func (SizeAtTransaction) IsBoundaryReached(ch domain.Channel, b domain.OutgoingBatch, txBoundary bool) bool {
	return txBoundary && full(ch, b)
}

// EveryTransaction closes at each transaction boundary.
type EveryTransaction struct{}

func (EveryTransaction) IsBoundaryReached(_ domain.Channel, _ domain.OutgoingBatch, txBoundary bool) bool {
	return txBoundary
}

// SizeOnly closes on size alone and may split a transaction.
type SizeOnly struct{}

func (SizeOnly) IsBoundaryReached(ch domain.Channel, b domain.OutgoingBatch, _ bool) bool {
	return full(ch, b)
}

func full(ch domain.Channel, b domain.OutgoingBatch) bool {
	return ch.MaxBatchSize > 0 && b.Counters.DataEvents >= int64(ch.MaxBatchSize)
}

var algorithms = map[string]Algorithm{
	AlgorithmDefault:          SizeAtTransaction{},
	AlgorithmTransactional:    EveryTransaction{},
	AlgorithmNontransactional: SizeOnly{},
	// a reload batch holds exactly one load transaction
	AlgorithmReload: EveryTransaction{},
}

// Lookup returns the algorithm registered under name.
func Lookup(name string) (Algorithm, bool) {
	a, ok := algorithms[strings.ToLower(strings.TrimSpace(name))]
	return a, ok
}

// ForChannel returns the channel's algorithm, falling back to default for
// unknown names.
func ForChannel(ch domain.Channel) (Algorithm, bool) {
	if a, ok := Lookup(ch.BatchAlgorithm); ok {
		return a, true
	}
	return algorithms[AlgorithmDefault], ch.BatchAlgorithm == ""
}

// Splits reports whether the channel may split a transaction across batches.
func Splits(ch domain.Channel) bool {
	return strings.EqualFold(strings.TrimSpace(ch.BatchAlgorithm), AlgorithmNontransactional)
}
