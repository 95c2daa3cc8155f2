// Package cli implements the operator command-line client for the control
// plane's HTTP surface: submitting SQL fan-out and cache SCAN jobs, polling
// status, and cancelling in-flight runs.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		output, _ := rootCmd.PersistentFlags().GetString("output")
		if output == "json" {
			errObj := map[string]interface{}{"error": err.Error()}
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				errObj["http_status"] = apiErr.HTTPStatus
				errObj["code"] = apiErr.Code
			}
			_ = printJSON(os.Stdout, errObj)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var (
		host   string
		token  string
		output string
	)

	rootCmd := &cobra.Command{
		Use:           "fanoutctl",
		Short:         "Control-plane CLI",
		Long:          "Command-line interface for the multi-cloud SQL/cache fan-out control plane.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("host") {
				if v := os.Getenv("FANOUTCTL_HOST"); v != "" {
					host = v
				}
			}
			if !cmd.Flags().Changed("token") {
				if v := os.Getenv("FANOUTCTL_TOKEN"); v != "" {
					token = v
				}
			}
			if !cmd.Flags().Changed("output") {
				if v := os.Getenv("FANOUTCTL_OUTPUT"); v != "" {
					output = v
				}
			}
			if err := validateOutputFormat(output); err != nil {
				return err
			}
			return validateHostURL(host)
		},
	}

	rootCmd.PersistentFlags().StringVar(&host, "host", "http://localhost:8080", "control plane host URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "JWT bearer token for authentication")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "json", "output format (json)")

	client := NewClient(host, token)
	originalPreRun := rootCmd.PersistentPreRunE
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if originalPreRun != nil {
			if err := originalPreRun(cmd, args); err != nil {
				return err
			}
		}
		client.BaseURL = host
		client.Token = token
		return nil
	}

	rootCmd.AddCommand(newQueryCmd(client))
	rootCmd.AddCommand(newRedisCmd(client))

	return rootCmd
}
