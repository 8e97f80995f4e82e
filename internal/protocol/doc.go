// Package protocol defines the messages exchanged between the fleet
// controller and its workers.
//
// # Directions
//
// Commands (controller to worker): Connect, Destroy, Send, FetchStatus,
// SessionInfoResponse, ShardCanIdentify.
//
// Replies (worker to controller): Connected, Destroyed, ShardEvent,
// FetchStatusResponse, WorkerReady, CommandFailed, and the context-fetch
// requests RetrieveSessionInfo, UpdateSessionInfo, WaitForIdentify.
//
// The protocol is asymmetric: Send has no reply. Nonces appear only where
// several requests of one kind can be outstanding (FetchStatus and the
// fetch requests); replies echo them verbatim.
//
// # Dispatch
//
// Every variant implements Dispatch, which calls the matching method of
// CommandHandler or ReplyHandler. Handlers therefore cover every variant;
// adding one is a compile error until all handlers grow the new method.
//
// # Wire format
//
// Across a process boundary each message is a CBOR Envelope {op, body}.
// Decode failures and unknown ops are returned as errors; the transport
// treats them as fatal.
package protocol
