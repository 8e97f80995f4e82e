// ABOUTME: Controller/worker message set: commands flow to workers, replies flow back.
// ABOUTME: Each variant dispatches to a handler method, so a new variant breaks every handler at compile time.

package protocol

import (
	"context"
	"fmt"

	"github.com/2389/shard-fleet/internal/session"
	"github.com/2389/shard-fleet/internal/shard"
)

// Op tags a message variant on the wire.
type Op uint8

const (
	OpConnect Op = iota + 1
	OpDestroy
	OpSend
	OpFetchStatus
	OpSessionInfoResponse
	OpShardCanIdentify

	OpConnected
	OpDestroyed
	OpEvent
	OpFetchStatusResponse
	OpWorkerReady
	OpCommandFailed
	OpRetrieveSessionInfo
	OpUpdateSessionInfo
	OpWaitForIdentify
)

var opNames = map[Op]string{
	OpConnect:             "connect",
	OpDestroy:             "destroy",
	OpSend:                "send",
	OpFetchStatus:         "fetch_status",
	OpSessionInfoResponse: "session_info_response",
	OpShardCanIdentify:    "shard_can_identify",
	OpConnected:           "connected",
	OpDestroyed:           "destroyed",
	OpEvent:               "event",
	OpFetchStatusResponse: "fetch_status_response",
	OpWorkerReady:         "worker_ready",
	OpCommandFailed:       "command_failed",
	OpRetrieveSessionInfo: "retrieve_session_info",
	OpUpdateSessionInfo:   "update_session_info",
	OpWaitForIdentify:     "wait_for_identify",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Command is a message from the controller to a worker.
type Command interface {
	Op() Op
	Dispatch(ctx context.Context, h CommandHandler)
}

// CommandHandler handles every command variant.
type CommandHandler interface {
	HandleConnect(ctx context.Context, cmd Connect)
	HandleDestroy(ctx context.Context, cmd Destroy)
	HandleSend(ctx context.Context, cmd Send)
	HandleFetchStatus(ctx context.Context, cmd FetchStatus)
	HandleSessionInfoResponse(ctx context.Context, cmd SessionInfoResponse)
	HandleShardCanIdentify(ctx context.Context, cmd ShardCanIdentify)
}

// Connect asks the worker to connect a shard.
type Connect struct {
	ShardID int `cbor:"shard_id"`
}

// Destroy asks the worker to destroy a shard.
type Destroy struct {
	ShardID int                  `cbor:"shard_id"`
	Options shard.DestroyOptions `cbor:"options"`
}

// Send relays a payload to a shard. It has no reply.
type Send struct {
	ShardID int `cbor:"shard_id"`
	Payload any `cbor:"payload"`
}

// FetchStatus asks for a shard's status; the reply echoes Nonce.
type FetchStatus struct {
	ShardID int    `cbor:"shard_id"`
	Nonce   string `cbor:"nonce"`
}

// SessionInfoResponse answers a RetrieveSessionInfo request.
type SessionInfoResponse struct {
	Nonce   string        `cbor:"nonce"`
	Session *session.Info `cbor:"session,omitempty"`
}

// ShardCanIdentify answers a WaitForIdentify request. A non-empty Error
// means the identify must not happen.
type ShardCanIdentify struct {
	Nonce string `cbor:"nonce"`
	Error string `cbor:"error,omitempty"`
}

func (Connect) Op() Op             { return OpConnect }
func (Destroy) Op() Op             { return OpDestroy }
func (Send) Op() Op                { return OpSend }
func (FetchStatus) Op() Op         { return OpFetchStatus }
func (SessionInfoResponse) Op() Op { return OpSessionInfoResponse }
func (ShardCanIdentify) Op() Op    { return OpShardCanIdentify }

func (c Connect) Dispatch(ctx context.Context, h CommandHandler)     { h.HandleConnect(ctx, c) }
func (c Destroy) Dispatch(ctx context.Context, h CommandHandler)     { h.HandleDestroy(ctx, c) }
func (c Send) Dispatch(ctx context.Context, h CommandHandler)        { h.HandleSend(ctx, c) }
func (c FetchStatus) Dispatch(ctx context.Context, h CommandHandler) { h.HandleFetchStatus(ctx, c) }
func (c SessionInfoResponse) Dispatch(ctx context.Context, h CommandHandler) {
	h.HandleSessionInfoResponse(ctx, c)
}
func (c ShardCanIdentify) Dispatch(ctx context.Context, h CommandHandler) {
	h.HandleShardCanIdentify(ctx, c)
}

// Reply is a message from a worker to the controller.
type Reply interface {
	Op() Op
	Dispatch(ctx context.Context, h ReplyHandler)
}

// ReplyHandler handles every reply variant.
type ReplyHandler interface {
	HandleConnected(ctx context.Context, r Connected)
	HandleDestroyed(ctx context.Context, r Destroyed)
	HandleShardEvent(ctx context.Context, r ShardEvent)
	HandleFetchStatusResponse(ctx context.Context, r FetchStatusResponse)
	HandleWorkerReady(ctx context.Context, r WorkerReady)
	HandleCommandFailed(ctx context.Context, r CommandFailed)
	HandleRetrieveSessionInfo(ctx context.Context, r RetrieveSessionInfo)
	HandleUpdateSessionInfo(ctx context.Context, r UpdateSessionInfo)
	HandleWaitForIdentify(ctx context.Context, r WaitForIdentify)
}

// Connected reports a finished connect.
type Connected struct {
	ShardID int `cbor:"shard_id"`
}

// Destroyed reports a finished destroy.
type Destroyed struct {
	ShardID int `cbor:"shard_id"`
}

// ShardEvent forwards a shard event.
type ShardEvent struct {
	ShardID int    `cbor:"shard_id"`
	Event   string `cbor:"event"`
	Data    any    `cbor:"data,omitempty"`
}

// FetchStatusResponse answers FetchStatus with the request's nonce.
type FetchStatusResponse struct {
	Status shard.Status `cbor:"status"`
	Nonce  string       `cbor:"nonce"`
}

// WorkerReady is sent once, after every shard is built and subscribed.
type WorkerReady struct{}

// CommandFailed reports that a Connect, Destroy or FetchStatus was
// rejected by the worker. Nonce is set for FetchStatus.
type CommandFailed struct {
	ShardID int    `cbor:"shard_id"`
	Command Op     `cbor:"command"`
	Nonce   string `cbor:"nonce,omitempty"`
	Error   string `cbor:"error"`
}

// RetrieveSessionInfo asks the controller for a shard's stored session.
type RetrieveSessionInfo struct {
	ShardID int    `cbor:"shard_id"`
	Nonce   string `cbor:"nonce"`
}

// UpdateSessionInfo stores (or, with a nil Session, clears) a shard's session.
type UpdateSessionInfo struct {
	ShardID int           `cbor:"shard_id"`
	Session *session.Info `cbor:"session,omitempty"`
}

// WaitForIdentify asks the controller's identify limiter for a grant.
type WaitForIdentify struct {
	ShardID int    `cbor:"shard_id"`
	Nonce   string `cbor:"nonce"`
}

func (Connected) Op() Op           { return OpConnected }
func (Destroyed) Op() Op           { return OpDestroyed }
func (ShardEvent) Op() Op          { return OpEvent }
func (FetchStatusResponse) Op() Op { return OpFetchStatusResponse }
func (WorkerReady) Op() Op         { return OpWorkerReady }
func (CommandFailed) Op() Op       { return OpCommandFailed }
func (RetrieveSessionInfo) Op() Op { return OpRetrieveSessionInfo }
func (UpdateSessionInfo) Op() Op   { return OpUpdateSessionInfo }
func (WaitForIdentify) Op() Op     { return OpWaitForIdentify }

func (r Connected) Dispatch(ctx context.Context, h ReplyHandler)   { h.HandleConnected(ctx, r) }
func (r Destroyed) Dispatch(ctx context.Context, h ReplyHandler)   { h.HandleDestroyed(ctx, r) }
func (r ShardEvent) Dispatch(ctx context.Context, h ReplyHandler)  { h.HandleShardEvent(ctx, r) }
func (r WorkerReady) Dispatch(ctx context.Context, h ReplyHandler) { h.HandleWorkerReady(ctx, r) }
func (r FetchStatusResponse) Dispatch(ctx context.Context, h ReplyHandler) {
	h.HandleFetchStatusResponse(ctx, r)
}
func (r CommandFailed) Dispatch(ctx context.Context, h ReplyHandler) {
	h.HandleCommandFailed(ctx, r)
}
func (r RetrieveSessionInfo) Dispatch(ctx context.Context, h ReplyHandler) {
	h.HandleRetrieveSessionInfo(ctx, r)
}
func (r UpdateSessionInfo) Dispatch(ctx context.Context, h ReplyHandler) {
	h.HandleUpdateSessionInfo(ctx, r)
}
func (r WaitForIdentify) Dispatch(ctx context.Context, h ReplyHandler) {
	h.HandleWaitForIdentify(ctx, r)
}
