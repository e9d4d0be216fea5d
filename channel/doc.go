// Package channel turns a medium.Socket into a framed endpoint channel.
//
// Every frame is a 4-byte big-endian length followed by that many bytes.
// Frames larger than limits.MaxFrameSize are refused on both paths. Close
// is idempotent and may race with Read and Write; once it returns, all I/O
// fails with ErrChannelClosed wrapped in an *Error.
package channel
