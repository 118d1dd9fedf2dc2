package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dermesser/clusterinvoke/config"
	"github.com/dermesser/clusterinvoke/log"
	"github.com/dermesser/clusterinvoke/transport"
)

type globalFlags struct {
	configFile string
	logLevel   string
	console    bool
}

func newRootCmd() *cobra.Command {
	var flags globalFlags
	var cfg config.Config

	rootCmd := &cobra.Command{
		Use:           "clusterinvoke",
		Short:         "Distribute work to the fastest connected worker nodes",
		Long:          "clusterinvoke runs a master node that accepts client and worker connections, exchanges invocation messages with them and routes work to the worker process that performed best so far.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(flags.configFile)
			if err != nil {
				return err
			}
			if flags.logLevel != "" {
				loaded.Log.Level = flags.logLevel
			}
			if flags.console {
				loaded.Log.Console = true
			}
			ll, err := config.LogLevel(loaded.Log.Level)
			if err != nil {
				return fmt.Errorf("--log-level: %w", err)
			}
			log.Configure(log.Config{Console: loaded.Log.Console, Output: cmd.ErrOrStderr()})
			log.SetLoglevel(ll)
			cfg = *loaded
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&flags.configFile, "config", "", "configuration file (default ./clusterinvoke.toml)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log.level (error, warn, info, debug)")
	rootCmd.PersistentFlags().BoolVar(&flags.console, "console", false, "human-readable log output")

	rootCmd.AddCommand(
		newServeCmd(&cfg),
		newWorkerCmd(&cfg),
		newFarmCmd(&cfg),
		newKeygenCmd(),
		newConfigCmd(&cfg),
	)
	return rootCmd
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// transportOptions builds the message size limit and the CURVE settings of the
// zmq transport. Without key files, connections are not encrypted.
func transportOptions(cfg *config.Config, listening bool) (transport.Options, error) {
	opts := transport.Options{MaxMessageSize: cfg.Server.MaxMessageSize}
	sec := cfg.Security
	if sec.PublicKeyFile == "" {
		return opts, nil
	}
	keys, err := transport.LoadKeyPair(sec.PublicKeyFile, sec.SecretKeyFile)
	if err != nil {
		return transport.Options{}, err
	}
	if listening {
		opts.Server = &transport.ServerSecurity{
			Keys:              keys,
			AllowedClientKeys: sec.AllowedClientKeys,
			AllowedAddresses:  sec.AllowedAddresses,
			DeniedAddresses:   sec.DeniedAddresses,
		}
	} else {
		opts.Client = &transport.ClientSecurity{Keys: keys, ServerPublic: sec.ServerPublicKey}
	}
	return opts, nil
}
