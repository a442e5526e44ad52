// Package socket exposes a journal over a framed socket protocol.
// Remote producers record lifecycle emissions and consumers replay
// recorded streams without linking the storage backend.
package socket

import (
	"fmt"

	"github.com/golang/protobuf/proto"

	"rxjournal/internal/journal"
)

type Operation int32

const (
	OperationUnknown     Operation = 0
	OperationRecord      Operation = 1
	OperationRecordBatch Operation = 2
	OperationReplay      Operation = 3
	OperationPing        Operation = 4
	OperationHealth      Operation = 5
)

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeNotFound        ErrorCode = 3
	ErrorCodeOverloaded      ErrorCode = 4
	ErrorCodeInternal        ErrorCode = 5
)

// Wire statuses keep 0 free so an absent field never reads as a valid
// lifecycle state.
const (
	wireStatusUnknown     int32 = 0
	wireStatusSubscribe   int32 = 1
	wireStatusNext        int32 = 2
	wireStatusError       int32 = 3
	wireStatusComplete    int32 = 4
	wireStatusUnsubscribe int32 = 5
)

func StatusToWire(s journal.Status) int32 {
	switch s {
	case journal.StatusSubscribe:
		return wireStatusSubscribe
	case journal.StatusNext:
		return wireStatusNext
	case journal.StatusError:
		return wireStatusError
	case journal.StatusComplete:
		return wireStatusComplete
	case journal.StatusUnsubscribe:
		return wireStatusUnsubscribe
	default:
		return wireStatusUnknown
	}
}

func StatusFromWire(v int32) (journal.Status, error) {
	switch v {
	case wireStatusSubscribe:
		return journal.StatusSubscribe, nil
	case wireStatusNext:
		return journal.StatusNext, nil
	case wireStatusError:
		return journal.StatusError, nil
	case wireStatusComplete:
		return journal.StatusComplete, nil
	case wireStatusUnsubscribe:
		return journal.StatusUnsubscribe, nil
	default:
		return 0, fmt.Errorf("unknown wire status %d", v)
	}
}

type SocketRequest struct {
	RequestId   string              `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken   string              `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation   int32               `protobuf:"varint,3,opt,name=operation,proto3"`
	Record      *RecordRequest      `protobuf:"bytes,4,opt,name=record,proto3"`
	RecordBatch *RecordBatchRequest `protobuf:"bytes,5,opt,name=record_batch,json=recordBatch,proto3"`
	Replay      *ReplayQuery        `protobuf:"bytes,6,opt,name=replay,proto3"`
	Ping        *PingRequest        `protobuf:"bytes,7,opt,name=ping,proto3"`
}

func (*SocketRequest) Reset()         {}
func (*SocketRequest) String() string { return "SocketRequest" }
func (*SocketRequest) ProtoMessage()  {}

type SocketResponse struct {
	RequestId    string          `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32           `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string          `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Record       *RecordResponse `protobuf:"bytes,4,opt,name=record,proto3"`
	Replay       *ReplayResponse `protobuf:"bytes,5,opt,name=replay,proto3"`
	Pong         *PongResponse   `protobuf:"bytes,6,opt,name=pong,proto3"`
	Health       *HealthResponse `protobuf:"bytes,7,opt,name=health,proto3"`
}

func (*SocketResponse) Reset()         {}
func (*SocketResponse) String() string { return "SocketResponse" }
func (*SocketResponse) ProtoMessage()  {}

// Emission is one lifecycle event of a remote stream.
type Emission struct {
	Filter  string `protobuf:"bytes,1,opt,name=filter,proto3"`
	Status  int32  `protobuf:"varint,2,opt,name=status,proto3"`
	Payload []byte `protobuf:"bytes,3,opt,name=payload,proto3"`
}

func (*Emission) Reset()         {}
func (*Emission) String() string { return "Emission" }
func (*Emission) ProtoMessage()  {}

type RecordRequest struct {
	Emission *Emission `protobuf:"bytes,1,opt,name=emission,proto3"`
}

func (*RecordRequest) Reset()         {}
func (*RecordRequest) String() string { return "RecordRequest" }
func (*RecordRequest) ProtoMessage()  {}

type RecordBatchRequest struct {
	Emissions []*Emission `protobuf:"bytes,1,rep,name=emissions,proto3"`
}

func (*RecordBatchRequest) Reset()         {}
func (*RecordBatchRequest) String() string { return "RecordBatchRequest" }
func (*RecordBatchRequest) ProtoMessage()  {}

type RecordResponse struct {
	Accepted bool `protobuf:"varint,1,opt,name=accepted,proto3"`
}

func (*RecordResponse) Reset()         {}
func (*RecordResponse) String() string { return "RecordResponse" }
func (*RecordResponse) ProtoMessage()  {}

type PingRequest struct{}

func (*PingRequest) Reset()         {}
func (*PingRequest) String() string { return "PingRequest" }
func (*PingRequest) ProtoMessage()  {}

type PongResponse struct {
	UnixTimeNs int64 `protobuf:"varint,1,opt,name=unix_time_ns,json=unixTimeNs,proto3"`
}

func (*PongResponse) Reset()         {}
func (*PongResponse) String() string { return "PongResponse" }
func (*PongResponse) ProtoMessage()  {}

// ReplayQuery asks for every entry of one filter, or the whole journal
// when Filter is empty. The reply is a snapshot; it never tails.
type ReplayQuery struct {
	Filter string `protobuf:"bytes,1,opt,name=filter,proto3"`
}

func (*ReplayQuery) Reset()         {}
func (*ReplayQuery) String() string { return "ReplayQuery" }
func (*ReplayQuery) ProtoMessage()  {}

type JournalEntry struct {
	Sequence uint64 `protobuf:"varint,1,opt,name=sequence,proto3"`
	TimeMs   int64  `protobuf:"varint,2,opt,name=time_ms,json=timeMs,proto3"`
	Status   int32  `protobuf:"varint,3,opt,name=status,proto3"`
	Filter   string `protobuf:"bytes,4,opt,name=filter,proto3"`
	Payload  []byte `protobuf:"bytes,5,opt,name=payload,proto3"`
}

func (*JournalEntry) Reset()         {}
func (*JournalEntry) String() string { return "JournalEntry" }
func (*JournalEntry) ProtoMessage()  {}

type ReplayResponse struct {
	Entries []*JournalEntry `protobuf:"bytes,1,rep,name=entries,proto3"`
}

func (*ReplayResponse) Reset()         {}
func (*ReplayResponse) String() string { return "ReplayResponse" }
func (*ReplayResponse) ProtoMessage()  {}

type HealthResponse struct {
	Ok      bool   `protobuf:"varint,1,opt,name=ok,proto3"`
	Message string `protobuf:"bytes,2,opt,name=message,proto3"`
}

func (*HealthResponse) Reset()         {}
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

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
	return nil
}
