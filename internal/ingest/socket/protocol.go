package socket

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

type Operation int32

const (
	OperationUnknown       Operation = 0
	OperationAppend        Operation = 1
	OperationPing          Operation = 2
	OperationRunOnce       Operation = 3
	OperationPendingGaps   Operation = 4
	OperationUnroutedCount Operation = 5
	OperationFlushCaches   Operation = 6
)

func (o Operation) admin() bool {
	switch o {
	case OperationRunOnce, OperationPendingGaps, OperationUnroutedCount, OperationFlushCaches:
		return true
	}
	return false
}

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeOverloaded      ErrorCode = 3
	ErrorCodeInternal        ErrorCode = 4
	ErrorCodeDuplicate       ErrorCode = 5
)

type SocketRequest struct {
	RequestId string          `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken string          `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation int32           `protobuf:"varint,3,opt,name=operation,proto3"`
	Append    *AppendRequest  `protobuf:"bytes,4,opt,name=append,proto3"`
	RunOnce   *RunOnceRequest `protobuf:"bytes,5,opt,name=run_once,json=runOnce,proto3"`
}

func (*SocketRequest) Reset()         {}
func (*SocketRequest) String() string { return "SocketRequest" }
func (*SocketRequest) ProtoMessage()  {}

type SocketResponse struct {
	RequestId    string            `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32             `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string            `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Append       *AppendResponse   `protobuf:"bytes,4,opt,name=append,proto3"`
	Pong         *PongResponse     `protobuf:"bytes,5,opt,name=pong,proto3"`
	RunOnce      *RunOnceResponse  `protobuf:"bytes,6,opt,name=run_once,json=runOnce,proto3"`
	Gaps         *GapsResponse     `protobuf:"bytes,7,opt,name=gaps,proto3"`
	Unrouted     *UnroutedResponse `protobuf:"bytes,8,opt,name=unrouted,proto3"`
}

func (*SocketResponse) Reset()         {}
func (*SocketResponse) String() string { return "SocketResponse" }
func (*SocketResponse) ProtoMessage()  {}

// Change is the wire form of one captured change.
type Change struct {
	Id              int64    `protobuf:"varint,1,opt,name=id,proto3"`
	TableName       string   `protobuf:"bytes,2,opt,name=table_name,json=tableName,proto3"`
	EventType       string   `protobuf:"bytes,3,opt,name=event_type,json=eventType,proto3"`
	TransactionId   string   `protobuf:"bytes,4,opt,name=transaction_id,json=transactionId,proto3"`
	RowData         string   `protobuf:"bytes,5,opt,name=row_data,json=rowData,proto3"`
	OldData         string   `protobuf:"bytes,6,opt,name=old_data,json=oldData,proto3"`
	PkData          string   `protobuf:"bytes,7,opt,name=pk_data,json=pkData,proto3"`
	NodeList        []string `protobuf:"bytes,8,rep,name=node_list,json=nodeList,proto3"`
	SourceNodeId    string   `protobuf:"bytes,9,opt,name=source_node_id,json=sourceNodeId,proto3"`
	ChannelId       string   `protobuf:"bytes,10,opt,name=channel_id,json=channelId,proto3"`
	TriggerHistId   int64    `protobuf:"varint,11,opt,name=trigger_hist_id,json=triggerHistId,proto3"`
	CreateTimeUtcNs int64    `protobuf:"varint,12,opt,name=create_time_utc_ns,json=createTimeUtcNs,proto3"`
}

func (*Change) Reset()         {}
func (*Change) String() string { return "Change" }
func (*Change) ProtoMessage()  {}

// AppendRequest carries changes that are stored atomically.
type AppendRequest struct {
	Changes []*Change `protobuf:"bytes,1,rep,name=changes,proto3"`
}

func (*AppendRequest) Reset()         {}
func (*AppendRequest) String() string { return "AppendRequest" }
func (*AppendRequest) ProtoMessage()  {}

type AppendResponse struct {
	Ids []int64 `protobuf:"varint,1,rep,packed,name=ids,proto3"`
}

func (*AppendResponse) Reset()         {}
func (*AppendResponse) String() string { return "AppendResponse" }
func (*AppendResponse) ProtoMessage()  {}

type RunOnceRequest struct {
	Force bool `protobuf:"varint,1,opt,name=force,proto3"`
}

func (*RunOnceRequest) Reset()         {}
func (*RunOnceRequest) String() string { return "RunOnceRequest" }
func (*RunOnceRequest) ProtoMessage()  {}

type RunOnceResponse struct {
	Routed int64 `protobuf:"varint,1,opt,name=routed,proto3"`
}

func (*RunOnceResponse) Reset()         {}
func (*RunOnceResponse) String() string { return "RunOnceResponse" }
func (*RunOnceResponse) ProtoMessage()  {}

type Gap struct {
	StartId         int64 `protobuf:"varint,1,opt,name=start_id,json=startId,proto3"`
	EndId           int64 `protobuf:"varint,2,opt,name=end_id,json=endId,proto3"`
	CreateTimeUtcNs int64 `protobuf:"varint,3,opt,name=create_time_utc_ns,json=createTimeUtcNs,proto3"`
}

func (*Gap) Reset()         {}
func (*Gap) String() string { return "Gap" }
func (*Gap) ProtoMessage()  {}

type GapsResponse struct {
	Gaps []*Gap `protobuf:"bytes,1,rep,name=gaps,proto3"`
}

func (*GapsResponse) Reset()         {}
func (*GapsResponse) String() string { return "GapsResponse" }
func (*GapsResponse) ProtoMessage()  {}

type UnroutedResponse struct {
	Count int64 `protobuf:"varint,1,opt,name=count,proto3"`
}

func (*UnroutedResponse) Reset()         {}
func (*UnroutedResponse) String() string { return "UnroutedResponse" }
func (*UnroutedResponse) ProtoMessage()  {}

type PongResponse struct {
	UnixTimeNs int64 `protobuf:"varint,1,opt,name=unix_time_ns,json=unixTimeNs,proto3"`
}

func (*PongResponse) Reset()         {}
func (*PongResponse) String() string { return "PongResponse" }
func (*PongResponse) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalRequest(payload []byte) (*SocketRequest, error) {
	var req SocketRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalResponse(payload []byte) (*SocketResponse, error) {
	var res SocketResponse
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func ValidateRequest(req *SocketRequest) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	if req.Operation == int32(OperationUnknown) {
		return fmt.Errorf("operation is required")
	}
	if Operation(req.Operation) == OperationAppend && (req.Append == nil || len(req.Append.Changes) == 0) {
		return fmt.Errorf("append changes required")
	}
	return nil
}
