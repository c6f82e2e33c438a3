// Command onion-client is the command-line front end: it bootstraps the
// directory, manages guard state, and reports status.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/onionkit/onionkit/pkg/config"
	"github.com/onionkit/onionkit/pkg/directory"
	"github.com/onionkit/onionkit/pkg/guard"
	"github.com/onionkit/onionkit/pkg/logger"
)

var (
	cfgFile  string
	yamlFile string
	logLevel string
)

func main() {
	root := &cobra.Command{
		Use:   "onion-client",
		Short: "A client for the onion routing network",
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "torrc-style configuration file")
	root.PersistentFlags().StringVar(&yamlFile, "config-yaml", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(bootstrapCmd(), guardsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves the configuration from flags and files
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg := config.DefaultConfig()
	if cfgFile != "" {
		if err := config.LoadFromFile(cfgFile, cfg); err != nil {
			return nil, nil, err
		}
	}
	if yamlFile != "" {
		if err := config.LoadYAML(yamlFile, cfg); err != nil {
			return nil, nil, err
		}
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.New(level, os.Stderr), nil
}

// bootstrapCmd drives a directory bootstrap and waits for publication
func bootstrapCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Download and validate the network directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			mgr, err := directory.NewManager(&directory.Config{
				CacheDir: cfg.CacheDirectory,
				Options:  directory.DefaultOptions(directory.DefaultAuthorities),
			}, nil, log)
			if err != nil {
				return err
			}
			defer mgr.Close()

			if mgr.Mode() != directory.ModeReadWrite {
				log.Warn("another process holds the cache lock; following its writes")
			}

			watch := mgr.Watch()
			if err := mgr.Bootstrap(ctx); err != nil {
				return err
			}

			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-watch:
				nd := mgr.NetDir()
				fmt.Printf("directory ready: %d relays, %d microdescriptors\n",
					len(nd.Consensus.Relays), len(nd.Microdescs))
				return nil
			case <-timer.C:
				return fmt.Errorf("bootstrap did not complete within %v", wait)
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Minute, "how long to wait for the directory")
	return cmd
}

// guardsCmd prints the persisted guard state
func guardsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "guards",
		Short: "Show the persisted guard sample",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			mgr, err := guard.NewManager(cfg.DataDirectory, cfg.GuardParams(), log)
			if err != nil {
				return err
			}
			snap := mgr.Snapshot()
			fmt.Printf("sample: %d guards, %d confirmed, %d primary\n",
				len(snap.Sample), len(snap.Confirmed), len(snap.Primary))
			for _, g := range snap.Sample {
				marker := " "
				for _, p := range snap.Primary {
					if p == g.ID {
						marker = "*"
					}
				}
				fmt.Printf("%s %-20s %-22s %-12s confirmed=%v\n",
					marker, g.Nickname, g.Addr, g.Reachable, g.Confirmed)
			}
			return nil
		},
	}
}
