// Package payload splits outgoing payloads into bounded chunks and
// reassembles incoming ones.
//
// A Payload is bytes, a file or a stream. NewOutgoing takes ownership of a
// Payload and returns an Internal whose DetachNextChunk yields chunks of at
// most the configured size, then nil. NewIncoming builds the matching
// receive side from a frame.PayloadHeader; AttachNextChunk appends data and
// a nil chunk finalizes it.
//
// ReleasePayload moves the Payload out again. The Internal keeps answering
// ID from its own copy, since the Payload may by then belong to someone
// else.
package payload
