// Package nearby establishes point-to-point connections between nearby
// devices over interchangeable radios and moves payloads across them.
//
// A [Core] ties together the per-radio [medium.Medium] state machines, the
// endpoint channels built on their sockets, and the chunked payload
// transfer loops running over those channels.
//
// # Getting Started
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	core, err := nearby.Open(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer core.Close()
//
//	core.OnPayloadReceived(func(endpointID string, p *payload.Payload) {
//	    fmt.Printf("%s sent %d bytes\n", endpointID, len(p.Bytes()))
//	})
//
//	// Receiving side
//	err = core.StartAdvertising(medium.WifiLan, "com.example.chat", "alice")
//	err = core.StartAcceptingConnections(medium.WifiLan, "com.example.chat")
//
//	// Sending side, after discovery reported info
//	endpointID, err := core.Connect(ctx, medium.WifiLan, info, "com.example.chat")
//	future, err := core.SendPayload(endpointID, payload.NewBytes([]byte("hi")))
//	_, err = future.Get(ctx)
//
// # Core Types
//
//   - [Core]: owns the Mediums, endpoint channels and transfer loops
//   - [medium.Medium]: advertise, discover and accept on one radio
//   - [channel.EndpointChannel]: framed byte channel over a radio socket
//   - [payload.Payload]: bytes, file or stream content to transfer
//
// # Callbacks
//
// Payload and disconnect callbacks run on the endpoint's receive
// goroutine. A stream payload is delivered when its first chunk arrives and
// the receive loop waits for the stream to be read, so read it from another
// goroutine.
//
// # Thread Safety
//
// All Core methods are safe for concurrent use. Several payloads may be in
// flight on one endpoint; their frames interleave and are reassembled by
// payload id.
package nearby
