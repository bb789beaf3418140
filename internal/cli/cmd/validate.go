package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tidemark-io/tideline/internal/cli/runner"
)

// validateCmd validates the configuration file and its referenced inputs
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file and report any errors, including missing archive or API batch files.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()

		// Check if file exists
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return fmt.Errorf("config file does not exist: %s", path)
		}

		cfg, err := loadConfig()
		if err != nil {
			color.Red("❌ Configuration has errors:")
			printErrorLines(err)
			return fmt.Errorf("configuration validation failed")
		}

		r := runner.New(runner.Options{Verbose: verbose}, cfg, factories, slog.Default())
		if err := r.Validate(); err != nil {
			color.Red("❌ Referenced inputs are missing or invalid:")
			printErrorLines(err)
			return fmt.Errorf("configuration validation failed")
		}

		color.Green("✅ Configuration is valid (%d jobs, %d sinks)", len(cfg.Jobs), len(cfg.Sinks))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

// printErrorLines prints a possibly joined error one bullet per line.
func printErrorLines(err error) {
	for _, line := range strings.Split(err.Error(), "\n") {
		fmt.Printf("  • %s\n", line)
	}
}
