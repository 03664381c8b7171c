// Package protocol owns the register-access protocol pipeline and its shared
// error taxonomy.
//
// Ownership boundary:
// - buf: pooled buffers and chains used to assemble and parse wire frames
// - port: the push/pop/attach/match contract every stack layer implements
// - depack, srp, mux, rssi: the protocol modules composed by internal/stack
//
// Error kinds:
// - ErrConfiguration: illegal stack composition
// - ErrInvalidArg: malformed caller parameters
// - ErrIO: timeouts and truncated responses
// - ErrBadStatus: device rejected the operation (see BadStatusError)
// - ErrInternal: invariant violation
package protocol
