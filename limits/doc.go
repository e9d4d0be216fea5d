// Package limits provides centralized chunk and frame size constants and
// validation functions for payload transfer between nearby devices.
//
// # Size Hierarchy
//
//   - DefaultChunkSize (64KiB): the slice size an outgoing payload is cut
//     into when no other size is configured.
//
//   - BLEChunkSize (512 bytes): the slice size used over BLE.
//
//   - MaxChunkSize (1MB): the largest chunk body accepted from a peer.
//
//   - MaxFrameSize (MaxChunkSize + FrameOverhead): the largest
//     length-prefixed frame an endpoint channel will read. Anything larger
//     is treated as a corrupted or hostile stream.
//
// # Validation Functions
//
//	if err := limits.ValidateChunkSize(cfg.ChunkSize); err != nil {
//	    // ErrInvalidChunkSize
//	}
//
//	if err := limits.ValidateFrameSize(n, limits.MaxFrameSize); err != nil {
//	    // ErrFrameEmpty or ErrFrameTooLarge
//	}
//
// All network-received lengths should be validated before allocating.
package limits
