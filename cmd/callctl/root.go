package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"callctl/internal/appversion"
	"callctl/pkg/api"
	"callctl/pkg/config"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	addr       string
	output     string
}

// loadConfig loads the config file named by --config, or the default one
// in the callctl home.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		path = config.DefaultPath()
	}
	return config.Load(path)
}

// client returns an API client for the daemon at --addr, or at the
// configured address when the flag is unset.
func (o *rootOptions) client() (*api.Client, error) {
	addr := o.addr
	if addr == "" {
		cfg, err := o.loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.Addr
	}
	return api.NewClient(addr, &http.Client{Timeout: 60 * time.Second}), nil
}

// newRootCmd creates the root callctl command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "callctl",
		Short:         "Voice-call agent control plane",
		Long:          "callctl supervises one worker process per voice agent, binds agents to\noutbound calls, and drives each call through its control state machine.",
		Version:       fmt.Sprintf("callctl %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (.yaml, .yml or .toml)")
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", "", "daemon address (default from config)")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "", "output format: table or json (default table on a terminal)")

	cmd.AddCommand(
		newServeCmd(opts),
		newAgentCmd(opts),
		newStartCmd(opts),
		newStopCmd(opts),
		newStatusCmd(opts),
		newListCmd(opts),
		newDispatchCmd(opts),
		newEventsCmd(opts),
		newDashCmd(opts),
		newWorkerCmd(opts),
		newVersionCmd(),
	)

	return cmd
}

// newVersionCmd creates the "callctl version" subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the callctl version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "callctl %s\n", appversion.String())
		},
	}
}
