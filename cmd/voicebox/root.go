package main

import (
	"fmt"
	"net"
	"strconv"

	"voicebox/pkg/config"

	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	username   string
	port       int
	redis      string
	headless   bool
}

// configPaths are tried in order when --config is not given.
var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"config.yaml",
}

func newRootCommand() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "voicebox",
		Short: "Peer-to-peer voice and text chat node",
		Long: "voicebox registers a username in the shared directory, accepts calls from\n" +
			"other nodes and streams microphone audio to every connected peer.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, flags.headless)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "path to the YAML configuration")
	cmd.Flags().StringVarP(&flags.username, "username", "u", "", "username to register (prompted when empty)")
	cmd.Flags().IntVarP(&flags.port, "port", "p", 0, "port to accept peers on")
	cmd.Flags().StringVar(&flags.redis, "redis", "", "redis address of the shared directory")
	cmd.Flags().BoolVar(&flags.headless, "headless", false, "run without the interactive menu")

	return cmd
}

// loadConfig reads the configuration and lays the command line flags over it.
func loadConfig(flags rootFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flags.configPath != "" {
		cfg, err = config.Load(flags.configPath)
	} else {
		for _, path := range configPaths {
			if cfg, err = config.Load(path); err == nil {
				break
			}
		}
	}
	if err != nil {
		return nil, err
	}

	if flags.username != "" {
		cfg.Node.Username = flags.username
	}
	if flags.port != 0 {
		host, _, splitErr := net.SplitHostPort(cfg.Node.ListenAddress)
		if splitErr != nil {
			host = ""
		}
		cfg.Node.ListenAddress = net.JoinHostPort(host, strconv.Itoa(flags.port))
	}
	if flags.redis != "" {
		cfg.Redis.Address = flags.redis
		cfg.Directory.Backend = "redis"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
