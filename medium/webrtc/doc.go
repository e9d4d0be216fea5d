// Package webrtc implements medium.Radio over pion WebRTC data channels.
//
// Peers are addressed by an opaque peer id and exchange session
// descriptions through a Signaler supplied by the caller; ICE candidates
// are gathered before a description is sent, so one offer and one answer
// are all the signaling a connection needs. Each connection carries one
// ordered data channel labelled with the service id, detached and exposed
// as a byte stream. Advertising and discovery are not WebRTC operations.
package webrtc
