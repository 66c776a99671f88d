package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	dap "github.com/junkurihara/doh-auth-proxy-go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type options struct {
	configPath string
	logLevel   uint32
}

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:   "doh-auth-proxy",
		Short: "Local stub DNS resolver that forwards queries as DoH/ODoH over HTTPS",
		Long: `doh-auth-proxy listens for plain DNS queries over UDP and TCP and
forwards them as DNS-over-HTTPS, Oblivious DoH, or multi-relay Oblivious
DoH requests, with optional bearer-token authentication, response
caching and default-host/block/override query manipulation.`,
		Example: `  doh-auth-proxy -c config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opt)
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVarP(&opt.configPath, "config", "c", "config.toml", "path to the TOML configuration file")
	cmd.Flags().Uint32VarP(&opt.logLevel, "log-level", "l", uint32(logrus.InfoLevel), "log level; 0=Panic .. 6=Trace")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opt options) error {
	if opt.logLevel > 6 {
		return fmt.Errorf("invalid log level: %d", opt.logLevel)
	}
	dap.Log.SetLevel(logrus.Level(opt.logLevel))

	cfg, err := dap.LoadConfig(opt.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		dap.Log.Info("received shutdown signal")
		cancel()
	}()

	proxy, err := dap.NewProxy(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build proxy: %w", err)
	}

	dap.Log.WithField("listeners", cfg.ListenAddresses).Info("starting doh-auth-proxy")
	return proxy.Run(ctx)
}
