package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roostlabs/roost/internal/config"
)

var (
	confRedisAddr string
	confStrategy  string
	confTimeout   int
	confToken     string
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write a node configuration file",
	Long: `Write a roost configuration file with defaults plus any overrides
given as flags. Existing settings at the target path are replaced.`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().StringVar(&confRedisAddr, "redis-addr", "", "redis address (host:port)")
	configureCmd.Flags().StringVar(&confStrategy, "strategy", "", "lease strategy: script or watch")
	configureCmd.Flags().IntVar(&confTimeout, "lease-timeout", 0, "lease timeout in seconds")
	configureCmd.Flags().StringVar(&confToken, "auth-token", "", "shared token inbound messages must carry")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if confRedisAddr != "" {
		cfg.Redis.Addr = confRedisAddr
	}
	if confStrategy != "" {
		cfg.Lease.Strategy = confStrategy
	}
	if confTimeout > 0 {
		cfg.Lease.TimeoutSeconds = confTimeout
	}
	if confToken != "" {
		cfg.Auth.Token = confToken
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	loader := config.NewLoader(cfgFile)
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	configPath, err := loader.Path()
	if err != nil {
		return err
	}
	fmt.Printf("Configuration saved to: %s\n", configPath)
	fmt.Println("Start a node with: roost start")

	return nil
}
