package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opd-ai/nearby"
	"github.com/opd-ai/nearby/medium"
	"github.com/opd-ai/nearby/payload"
	"github.com/spf13/cobra"
)

var errNoPeer = errors.New("no matching peer found")

func newSendCmd(opts *options) *cobra.Command {
	var (
		peer    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <file>",
		Short: "Send a file to the first discovered peer",
		Long:  `send discovers peers advertising the service, connects to the first one (or the one named by --peer) and sends the file.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := opts.kind()
			if err != nil {
				return err
			}
			p, err := payload.OpenFile(args[0])
			if err != nil {
				return err
			}

			core, err := nearby.Open(opts.cfg)
			if err != nil {
				p.File().Close()
				return err
			}
			defer core.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			info, err := findPeer(ctx, core, kind, opts.serviceID, peer, timeout)
			if err != nil {
				p.File().Close()
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "connecting to %q at %s\n", info.Name, info.Address)

			endpointID, err := core.Connect(ctx, kind, info, opts.serviceID)
			if err != nil {
				p.File().Close()
				return err
			}

			bars := newProgressBars(cmd.ErrOrStderr())
			core.OnTransferUpdate(bars.update)

			future, err := core.SendPayload(endpointID, p)
			if err != nil {
				return err
			}
			if _, err := future.Get(ctx); err != nil {
				core.CancelPayload(p.ID())
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", p.FileName())
			return nil
		},
	}
	cmd.Flags().StringVarP(&peer, "peer", "p", "", "advertised name of the peer (default: first found)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "how long to look for a peer")
	return cmd
}

// findPeer runs discovery until a service named peer (any when empty) shows up.
func findPeer(ctx context.Context, core *nearby.Core, kind medium.Kind, serviceID, peer string, timeout time.Duration) (medium.ServiceInfo, error) {
	found := make(chan medium.ServiceInfo, 1)
	err := core.StartDiscovery(kind, serviceID, medium.DiscoveredServiceCallback{
		OnFound: func(info medium.ServiceInfo) {
			if peer != "" && info.Name != peer {
				return
			}
			select {
			case found <- info:
			default:
			}
		},
	})
	if err != nil {
		return medium.ServiceInfo{}, err
	}
	defer core.StopDiscovery(kind, serviceID)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case info := <-found:
		return info, nil
	case <-ctx.Done():
		return medium.ServiceInfo{}, fmt.Errorf("%w for %q: %w", errNoPeer, serviceID, ctx.Err())
	}
}
