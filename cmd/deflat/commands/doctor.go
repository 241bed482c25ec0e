package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/l3aro/go-deflat/internal/healthcheck"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run health checks on the configuration",
	Long: `Checks the configuration in effect: that it validates, that the errors
directory is writable, that the listen address is usable and that the
response cache file can be loaded.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, configPath, err := LoadConfig(cmd)
		if err != nil {
			return err
		}

		result, err := healthcheck.Check(cmd.Context(), cfg, "", configPath)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}

		displayDoctorResult(result)
		if !result.OK() {
			return fmt.Errorf("health check failed: one or more checks reported an error")
		}
		return nil
	},
}

func displayDoctorResult(result *healthcheck.HealthCheckResult) {
	if result.EffectivePath == "" {
		fmt.Println("Using config: defaults and environment (run 'deflat init' to create a file)")
	} else {
		fmt.Printf("Using config: %s (%s)\n", result.EffectivePath, result.EffectiveScope)
	}
	fmt.Println()
	printItems(result.Items)
}

func printItems(items []healthcheck.Item) {
	for _, it := range items {
		fmt.Printf("  %s %-11s %s\n", formatStatusIcon(it.Status), it.Name, it.Detail)
	}
}

func formatStatusIcon(status string) string {
	switch status {
	case healthcheck.StatusOK:
		return "✓"
	case healthcheck.StatusWarn:
		return "◐"
	case healthcheck.StatusError:
		return "✗"
	default:
		return "?"
	}
}

func init() {
	RootCmd.AddCommand(doctorCmd)
}
