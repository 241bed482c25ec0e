package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/l3aro/go-deflat/internal/config"
	"github.com/l3aro/go-deflat/internal/healthcheck"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize deflat configuration interactively",
	Long: `Guides you through setting up deflat configuration step by step.
Creates a config file with the analysis defaults and the HTTP server settings.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInit(cmd)
	},
}

func runInit(cmd *cobra.Command) error {
	cfg := config.DefaultConfig()

	// === SECTION 1: Analysis ===
	maturity := "auto"
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Maturity").
				Description("Maturity assumed when a task does not name one").
				Options(
					huh.NewOption("From the graph", "auto"),
					huh.NewOption("MMAT_PREOPTIMIZED", "preoptimized"),
					huh.NewOption("MMAT_LOCOPT", "locopt"),
					huh.NewOption("MMAT_CALLS", "calls"),
					huh.NewOption("MMAT_GLBOPT1", "glbopt1"),
					huh.NewOption("MMAT_GLBOPT2", "glbopt2"),
					huh.NewOption("MMAT_GLBOPT3", "glbopt3"),
				).
				Value(&maturity),
			huh.NewSelect[string]().
				Title("Dispatcher policy").
				Description("What to do when an address is not a dispatcher").
				Options(
					huh.NewOption("Tolerate: report it and keep going", "tolerate"),
					huh.NewOption("Abort: fail the whole run", "abort"),
				).
				Value(&cfg.DispatcherPolicy),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("interactive prompt failed: %w", err)
	}
	if maturity != "auto" {
		cfg.Maturity = maturity
	}

	// === SECTION 2: Server ===
	timeout := strconv.Itoa(cfg.TimeoutSeconds)
	cacheSize := strconv.Itoa(cfg.CacheSize)
	form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen address").
				Placeholder(cfg.Listen).
				Value(&cfg.Listen),
			huh.NewInput().
				Title("Request timeout (seconds)").
				Placeholder(timeout).
				Validate(positiveInt).
				Value(&timeout),
			huh.NewInput().
				Title("Directory for failing requests (empty to disable)").
				Placeholder(cfg.ErrorsDir).
				Value(&cfg.ErrorsDir),
			huh.NewInput().
				Title("Response cache size (0 to disable)").
				Placeholder(cacheSize).
				Validate(nonNegativeInt).
				Value(&cacheSize),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("interactive prompt failed: %w", err)
	}
	cfg.TimeoutSeconds, _ = strconv.Atoi(timeout)
	cfg.CacheSize, _ = strconv.Atoi(cacheSize)

	// === SECTION 3: Config Location ===
	var saveLocationChoice string
	form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Save Configuration").
				Description("Where to save the configuration file?").
				Options(
					huh.NewOption("Global (~/.deflat/config.yaml)", "global"),
					huh.NewOption("Project (./.deflat/config.yaml)", "project"),
				).
				Value(&saveLocationChoice),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("interactive prompt failed: %w", err)
	}

	configPath := config.ProjectConfigFilePath()
	if saveLocationChoice == "global" {
		configPath = config.GlobalConfigFilePath()
	}

	if _, err := os.Stat(configPath); err == nil {
		var overwrite bool
		form = huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title("Config file exists").
					Description(fmt.Sprintf("Overwrite existing config at %s?", configPath)).
					Affirmative("Overwrite").
					Negative("Cancel").
					Value(&overwrite),
			),
		)
		if err := form.Run(); err != nil {
			return fmt.Errorf("interactive prompt failed: %w", err)
		}
		if !overwrite {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	fmt.Println("\n=== Configuration Preview ===")
	fmt.Printf("Config path: %s\n", configPath)
	if cfg.Maturity == "" {
		fmt.Println("Maturity: from the graph")
	} else {
		fmt.Printf("Maturity: %s\n", cfg.Maturity)
	}
	fmt.Printf("Dispatcher policy: %s\n", cfg.DispatcherPolicy)
	fmt.Printf("Listen: %s\n", cfg.Listen)
	fmt.Printf("Timeout: %s\n", cfg.Timeout())
	fmt.Printf("Errors dir: %s\n", cfg.ErrorsDir)
	fmt.Printf("Cache size: %d\n", cfg.CacheSize)
	fmt.Println("================================")

	if err := cfg.Save(configPath); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	fmt.Printf("Configuration saved to: %s\n", configPath)

	// === SECTION 4: Health Check ===
	fmt.Println("\n=== Running Health Check ===")
	loadedCfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("loading saved config: %w", err)
	}
	result, err := healthcheck.Check(cmd.Context(), loadedCfg, configPath, configPath)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	fmt.Printf("\nConfig Scope: %s\n", result.SavedScope)
	if result.SavedScope == "global" {
		fmt.Printf("Config Path: %s\n", configPath)
	} else {
		absPath, _ := filepath.Abs(configPath)
		fmt.Printf("Config Path: %s\n", absPath)
	}
	fmt.Println()
	printItems(result.Items)

	fmt.Println("\n=== Initialization Complete ===")
	return nil
}

func positiveInt(s string) error {
	if n, err := strconv.Atoi(s); err != nil || n <= 0 {
		return fmt.Errorf("enter a positive number")
	}
	return nil
}

func nonNegativeInt(s string) error {
	if n, err := strconv.Atoi(s); err != nil || n < 0 {
		return fmt.Errorf("enter zero or a positive number")
	}
	return nil
}

func init() {
	RootCmd.AddCommand(initCmd)
}
