package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crowdgate/crowdgate/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "crowdgate",
	Short: "Multi-tenant comment moderation and reply pipeline",
	Long:  "Ingests comments from connected platforms, classifies toxicity, escalates repeat offenders through shield actions, and generates automated replies.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
