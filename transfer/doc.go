// Package transfer moves payloads over endpoint channels.
//
// A Sender turns a payload.Internal into DATA frames, one per chunk, and
// finishes with an empty LAST_CHUNK frame. Cancel stops a send between
// chunks and tells the peer with a PAYLOAD_CANCELED control frame.
//
// A Receiver reads frames, creates the matching incoming payload on the
// first frame of each id, checks chunk offsets and hands finished payloads
// to its OnPayload callback. Progress tracks bytes, speed and stalls with
// an injectable TimeProvider.
package transfer
