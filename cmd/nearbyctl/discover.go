package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opd-ai/nearby"
	"github.com/opd-ai/nearby/medium"
	"github.com/spf13/cobra"
)

func newDiscoverCmd(opts *options) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List devices advertising the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := opts.kind()
			if err != nil {
				return err
			}
			core, err := nearby.Open(opts.cfg)
			if err != nil {
				return err
			}
			defer core.Close()

			out := cmd.OutOrStdout()
			err = core.StartDiscovery(kind, opts.serviceID, medium.DiscoveredServiceCallback{
				OnFound: func(info medium.ServiceInfo) {
					fmt.Fprintf(out, "found %q at %s\n", info.Name, info.Address)
				},
				OnLost: func(info medium.ServiceInfo) {
					fmt.Fprintf(out, "lost  %q at %s\n", info.Name, info.Address)
				},
			})
			if err != nil {
				return err
			}
			defer core.StopDiscovery(kind, opts.serviceID)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}
