package main

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/opd-ai/nearby"
	"github.com/opd-ai/nearby/config"
	"github.com/opd-ai/nearby/factory"
	"github.com/opd-ai/nearby/medium"
	"github.com/opd-ai/nearby/medium/sim"
	"github.com/opd-ai/nearby/payload"
	"github.com/spf13/cobra"
)

func newDemoCmd(opts *options) *cobra.Command {
	var size int64

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Transfer random bytes between two simulated devices",
		Long:  `demo runs two cores on an in-memory simulated medium, connects them and transfers a random payload, showing progress. No radio is touched.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			air := sim.NewAir()
			sender, err := openSimulated(opts.cfg, air, "sender")
			if err != nil {
				return err
			}
			defer sender.Close()
			receiver, err := openSimulated(opts.cfg, air, "receiver")
			if err != nil {
				return err
			}
			defer receiver.Close()

			data := make([]byte, size)
			if _, err := rand.Read(data); err != nil {
				return err
			}

			received := make(chan *payload.Payload, 1)
			receiver.OnPayloadReceived(func(_ string, p *payload.Payload) { received <- p })
			bars := newProgressBars(cmd.ErrOrStderr())
			sender.OnTransferUpdate(bars.update)

			if err := receiver.StartAcceptingConnections(medium.WifiLan, opts.serviceID); err != nil {
				return err
			}
			if err := receiver.StartAdvertising(medium.WifiLan, opts.serviceID, "receiver"); err != nil {
				return err
			}

			info, err := findPeer(cmd.Context(), sender, medium.WifiLan, opts.serviceID, "receiver", 5*time.Second)
			if err != nil {
				return err
			}
			endpointID, err := sender.Connect(cmd.Context(), medium.WifiLan, info, opts.serviceID)
			if err != nil {
				return err
			}

			start := time.Now()
			future, err := sender.SendPayload(endpointID, payload.NewBytes(data))
			if err != nil {
				return err
			}
			if _, err := future.Get(cmd.Context()); err != nil {
				return err
			}

			select {
			case p := <-received:
				if !bytes.Equal(p.Bytes(), data) {
					return fmt.Errorf("received payload differs from the one sent")
				}
			case <-time.After(10 * time.Second):
				return fmt.Errorf("payload never arrived")
			}

			fmt.Fprintf(cmd.OutOrStdout(), "transferred %d bytes in %s\n", size, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().Int64Var(&size, "size", 1<<20, "payload size in bytes")
	return cmd
}

func openSimulated(base *config.Config, air *sim.Air, name string) (*nearby.Core, error) {
	cfg := *base
	cfg.Mediums.Enabled = []string{medium.WifiLan.String()}

	f := factory.NewMediumFactory(&cfg)
	f.SwitchToSimulation(air, name)
	set, err := f.CreateMediumSet()
	if err != nil {
		return nil, err
	}
	core, err := nearby.New(&cfg, set)
	if err != nil {
		_ = set.Close()
		return nil, err
	}
	return core, nil
}
