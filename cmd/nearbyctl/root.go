package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/opd-ai/nearby/config"
	"github.com/opd-ai/nearby/logging"
	"github.com/opd-ai/nearby/medium"
	"github.com/spf13/cobra"
)

const defaultServiceID = "com.opd-ai.nearby"

// options are the flags shared by every subcommand.
type options struct {
	configPath string
	serviceID  string
	mediumName string
	name       string

	cfg       *config.Config
	logCloser io.Closer
}

func (o *options) kind() (medium.Kind, error) {
	kind, ok := medium.ParseKind(strings.ToUpper(o.mediumName))
	if !ok {
		return medium.Unknown, fmt.Errorf("unknown medium %q", o.mediumName)
	}
	return kind, nil
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "nearbyctl",
		Short:         "Connect to nearby devices and transfer payloads",
		Long:          `nearbyctl drives the nearby core: advertise a service, discover peers, and send files over Wi-Fi LAN or the other configured mediums.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			closer, err := logging.Setup(cfg.Log)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.logCloser = closer
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.logCloser != nil {
				return opts.logCloser.Close()
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file (default $"+config.EnvConfigPath+")")
	flags.StringVarP(&opts.serviceID, "service", "s", defaultServiceID, "service id to advertise or discover")
	flags.StringVarP(&opts.mediumName, "medium", "m", medium.WifiLan.String(), "medium to use")
	flags.StringVarP(&opts.name, "name", "n", defaultName(), "advertised endpoint name")

	root.AddCommand(
		newAdvertiseCmd(opts),
		newDiscoverCmd(opts),
		newSendCmd(opts),
		newDemoCmd(opts),
	)
	return root
}
