package domain

import "time"

// EventType is the single-letter change kind recorded by capture.
type EventType string

const (
	EventInsert EventType = "I"
	EventUpdate EventType = "U"
	EventDelete EventType = "D"
	EventReload EventType = "R"
	EventCreate EventType = "C"
	EventSQL    EventType = "S"
	EventScript EventType = "B"
)

// UnroutedNodeID is the destination used for changes no router selected.
const UnroutedNodeID = "-1"

// Reserved channel ids.
const (
	ChannelConfig    = "config"
	ChannelReload    = "reload"
	ChannelHeartbeat = "heartbeat"
	ChannelDefault   = "default"
)

type CapturedChange struct {
	ID            int64
	TableName     string
	EventType     EventType
	TransactionID string
	RowData       string
	OldData       string
	PKData        string
	NodeList      []string
	SourceNodeID  string
	ChannelID     string
	TriggerHistID int64
	CreateTime    time.Time
}

// InTransaction reports whether c carries a transaction id.
func (c CapturedChange) InTransaction() bool {
	return c.TransactionID != ""
}

// TableShape names the columns a change's payloads are encoded with.
type TableShape struct {
	ID            int64
	TriggerID     string
	TableName     string
	ColumnNames   []string
	PKColumnNames []string
}

type DataGap struct {
	StartID    int64
	EndID      int64
	CreateTime time.Time
}

// Contains reports whether id lies inside the gap.
func (g DataGap) Contains(id int64) bool {
	return id >= g.StartID && id <= g.EndID
}

// Size is the number of ids the gap spans.
func (g DataGap) Size() int64 {
	return g.EndID - g.StartID + 1
}

type Router struct {
	ID            string
	Type          string
	SourceGroupID string
	TargetGroupID string
	Expression    string
	SyncOnInsert  bool
	SyncOnUpdate  bool
	SyncOnDelete  bool
}

// Routes reports whether the router is configured to route events of type t.
func (r Router) Routes(t EventType) bool {
	switch t {
	case EventInsert:
		return r.SyncOnInsert
	case EventUpdate:
		return r.SyncOnUpdate
	case EventDelete:
		return r.SyncOnDelete
	default:
		return true
	}
}

// RouteBinding pairs a captured table with the router that fans its changes out.
type RouteBinding struct {
	TriggerID string
	TableName string
	ChannelID string
	Enabled   bool
	PingBack  bool
	Router    Router
}

type Channel struct {
	ID                 string
	ProcessingOrder    int
	MaxBatchSize       int
	MaxBatchToSend     int
	MaxDataToRoute     int
	BatchAlgorithm     string
	Enabled            bool
	ContainsBigPayload bool
	Reload             bool
	FileSync           bool
	IgnoreEnabled      bool
}

type Node struct {
	ID          string
	GroupID     string
	ExternalID  string
	SyncEnabled bool
}

type NodeGroupLink struct {
	SourceGroupID string
	TargetGroupID string
}

type BatchStatus string

const (
	BatchOpen      BatchStatus = "RT"
	BatchClosing   BatchStatus = "CL"
	BatchCommitted BatchStatus = "NE"
	BatchUnrouted  BatchStatus = "OK"
	BatchAbandoned BatchStatus = "AB"
)

type BatchCounters struct {
	DataEvents int64
	Inserts    int64
	Updates    int64
	Deletes    int64
	Reloads    int64
	Other      int64
}

// Count records one event of type t.
func (c *BatchCounters) Count(t EventType) {
	c.DataEvents++
	switch t {
	case EventInsert:
		c.Inserts++
	case EventUpdate:
		c.Updates++
	case EventDelete:
		c.Deletes++
	case EventReload:
		c.Reloads++
	default:
		c.Other++
	}
}

type OutgoingBatch struct {
	ID              int64
	NodeID          string
	ChannelID       string
	Status          BatchStatus
	Counters        BatchCounters
	LoadID          int64
	Common          bool
	DestinationHash uint64
	CreateTime      time.Time
}

// ChangeRouting associates one change with one batch for one destination node.
type ChangeRouting struct {
	ChangeID int64
	BatchID  int64
	NodeID   string
	RouterID string
}
