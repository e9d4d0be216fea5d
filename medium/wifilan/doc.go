// Package wifilan implements medium.Radio over an already joined IP network.
//
// Advertising broadcasts a small UDP announcement every AnnounceInterval;
// discovery listens for announcements, reports new services through
// OnFound and reports OnLost on a goodbye packet or after ServiceTTL of
// silence. Connections are plain TCP: the dialer sends the service id as a
// one-line preamble and the accept loop drops sockets for other services.
//
// Discovery callbacks run on the receive goroutine. They must not stop
// discovery synchronously; hand the work to another goroutine instead.
package wifilan
