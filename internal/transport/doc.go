// Package transport carries protocol messages between the fleet controller
// and its workers.
//
// Pipe connects a controller and a worker running as goroutines in one
// process. StreamConn frames CBOR envelopes over byte streams, which is how
// the controller talks to worker processes over their stdin and stdout.
//
// Every failure is reported as *Error. The worker treats those as fatal and
// exits so its supervisor can restart it; context cancellation is returned
// unwrapped and is not a transport failure.
package transport
