package routing

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// ChannelStats describes one channel pass.
type ChannelStats struct {
	ChannelID string
	// DataRead is the number of changes the reader handed over.
	DataRead int64
	// DataRouted is the number of changes committed with their routings.
	DataRouted int64
	Batches    int
	Routings   int64
	ReachedMax bool
	Delayed    bool
	Collision  bool
	CommonMode bool
	RouterTime time.Duration
	CommitTime time.Duration
	Elapsed    time.Duration
	Err        error
}

func (s ChannelStats) log(logger hclog.Logger) {
	if s.DataRead == 0 && s.Err == nil {
		return
	}
	logger.Debug("routed channel",
		"channel", s.ChannelID,
		"read", s.DataRead,
		"routed", s.DataRouted,
		"batches", s.Batches,
		"routings", s.Routings,
		"common", s.CommonMode,
		"reached_max", s.ReachedMax,
		"router_ms", s.RouterTime.Milliseconds(),
		"commit_ms", s.CommitTime.Milliseconds(),
		"elapsed_ms", s.Elapsed.Milliseconds(),
	)
}

func (s *ChannelStats) add(o ChannelStats) {
	s.DataRead += o.DataRead
	s.DataRouted += o.DataRouted
	s.Batches += o.Batches
	s.Routings += o.Routings
	s.ReachedMax = o.ReachedMax
	s.Delayed = s.Delayed || o.Delayed
	s.Collision = s.Collision || o.Collision
	s.CommonMode = o.CommonMode
	s.RouterTime += o.RouterTime
	s.CommitTime += o.CommitTime
	s.Err = o.Err
}
