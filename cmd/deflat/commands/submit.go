package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/l3aro/go-deflat/internal/client"
	"github.com/l3aro/go-deflat/internal/server"
)

// submitCmd represents the submit command
var submitCmd = &cobra.Command{
	Use:   "submit <task.json>",
	Short: "Send a task to the deflat server",
	Long: `Posts a task file to a running deflat server, the way the IDA plugin does,
and prints the response. Without a reachable server the task is processed
in-process with the same response format.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := LoadConfig(cmd)
		if err != nil {
			return err
		}
		logger := NewLogger(cfg)

		body, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading task: %w", err)
		}

		var opts []client.RouterOption
		if url, _ := cmd.Flags().GetString("url"); url != "" {
			opts = append(opts, client.WithClient(client.New(cfg.Listen, client.WithURL(url))))
		}
		switch mode, _ := cmd.Flags().GetString("mode"); mode {
		case "auto":
		case "remote":
			opts = append(opts, client.WithServer())
		case "local":
			opts = append(opts, client.WithoutServer())
		default:
			return fmt.Errorf("unknown mode %q (use auto, remote or local)", mode)
		}

		router := client.NewRouter(cfg, opts...)
		resp, remote, err := router.Process(cmd.Context(), body)
		if err != nil {
			return err
		}
		logger.Debug("processed", "remote", remote, "code", resp.Code)

		output, _ := cmd.Flags().GetString("output")
		if output != "" {
			data, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return fmt.Errorf("marshaling JSON: %w", err)
			}
			if err := os.WriteFile(output, data, 0644); err != nil {
				return fmt.Errorf("writing %s: %w", output, err)
			}
		} else {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			if jsonOutput {
				data, err := json.MarshalIndent(resp, "", "  ")
				if err != nil {
					return fmt.Errorf("marshaling JSON: %w", err)
				}
				fmt.Println(string(data))
			} else {
				printResponse(resp)
			}
		}

		if resp.Code != server.CodeOK {
			return fmt.Errorf("request failed with code %d: %s", resp.Code, resp.Error)
		}
		return nil
	},
}

func printResponse(resp server.Response) {
	fmt.Printf("Code: %d\n", resp.Code)
	if resp.Error != "" {
		fmt.Printf("Error: %s\n", resp.Error)
	}
	if resp.Warn != "" {
		fmt.Printf("Warnings:\n%s\n", resp.Warn)
	}
	if resp.Data.Report != nil {
		fmt.Println()
		printSummary(resp.Data.Report)
	}
	if resp.Data.MBA != "" {
		fmt.Printf("Patched graph: %d bytes (base64)\n", len(resp.Data.MBA))
	}
}

func init() {
	submitCmd.Flags().String("url", "", "Server URL (default: the configured listen address)")
	submitCmd.Flags().String("mode", "auto", "auto, remote or local")
	submitCmd.Flags().StringP("output", "o", "", "Write the response JSON to this file")
	submitCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	RootCmd.AddCommand(submitCmd)
}
