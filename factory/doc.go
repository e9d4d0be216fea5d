// Package factory builds the radios and Mediums of a nearby process from
// configuration.
//
// The factory decouples consumers from concrete radio backends so the same
// code can run against real hardware or against the in-memory simulated
// air, switching at runtime:
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	f := factory.NewMediumFactory(cfg)
//	set, err := f.CreateMediumSet()
//
// For tests, switch the factory to simulation first. Every simulated radio
// joins the given air under "<address>/<medium>":
//
//	air := sim.NewAir()
//	f.SwitchToSimulation(air, "alice")
//	set, err := f.CreateMediumSet()
//
// The WebRTC radio needs a signaling channel; install one with SetSignaler
// before enabling WEB_RTC.
package factory
