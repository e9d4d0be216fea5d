// Package frame encodes and decodes payload transfer frames.
//
// Frames use the protobuf wire format through protowire so that peers
// speaking the offline-frame protocol can read them without generated
// code. Field numbers:
//
//	PayloadTransferFrame { packet_type=1, payload_header=2, payload_chunk=3, control_message=4 }
//	PayloadHeader        { id=1, type=2, total_size=3, file_name=5 }
//	PayloadChunk         { flags=1, offset=2, body=3 }
//	ControlMessage       { event=1, offset=2 }
//
// Unknown fields are skipped on decode.
package frame
