package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file and
environment overrides have been applied.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		out, err := cfg.Dump()
		if err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}

		_, err = os.Stdout.Write(out)

		return err
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
