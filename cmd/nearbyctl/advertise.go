package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/opd-ai/nearby"
	"github.com/opd-ai/nearby/payload"
	"github.com/spf13/cobra"
)

func newAdvertiseCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "advertise",
		Short: "Advertise the service and save incoming payloads",
		Long:  `advertise makes this device discoverable and accepts connections until interrupted. Files land in payload.download_dir.`,
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
			bars := newProgressBars(cmd.ErrOrStderr())
			core.OnTransferUpdate(bars.update)
			core.OnPayloadReceived(func(endpointID string, p *payload.Payload) {
				reportPayload(out, endpointID, p)
			})
			core.OnEndpointDisconnected(func(endpointID string, err error) {
				fmt.Fprintf(out, "%s disconnected\n", endpointID)
			})

			if err := core.StartAcceptingConnections(kind, opts.serviceID); err != nil {
				return err
			}
			if err := core.StartAdvertising(kind, opts.serviceID, opts.name); err != nil {
				return err
			}
			fmt.Fprintf(out, "advertising %q as %q on %s, press Ctrl+C to stop\n", opts.serviceID, opts.name, kind)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
}

// reportPayload prints what arrived. Streams are drained off the receive
// goroutine, which waits for them to be read.
func reportPayload(out io.Writer, endpointID string, p *payload.Payload) {
	switch p.Kind() {
	case payload.KindBytes:
		fmt.Fprintf(out, "%s sent %d bytes: %q\n", endpointID, len(p.Bytes()), truncate(p.Bytes(), 64))
	case payload.KindFile:
		fmt.Fprintf(out, "%s sent file %s saved to %s\n", endpointID, p.FileName(), p.FilePath())
	case payload.KindStream:
		go func() {
			defer p.Stream().Close()
			n, err := io.Copy(io.Discard, p.Stream())
			fmt.Fprintf(out, "%s streamed %d bytes (%v)\n", endpointID, n, err)
		}()
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

