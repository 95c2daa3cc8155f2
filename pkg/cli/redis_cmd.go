package cli

import (
	"github.com/spf13/cobra"
)

func newRedisCmd(client *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "redis",
		Short: "Run cache commands and SCAN/UNLINK sweeps across clouds",
	}

	cmd.AddCommand(newRedisExecuteCmd(client))
	cmd.AddCommand(newRedisScanCmd(client))
	cmd.AddCommand(newRedisScanStatusCmd(client))
	cmd.AddCommand(newRedisScanCancelCmd(client))

	return cmd
}

func newRedisExecuteCmd(client *Client) *cobra.Command {
	var (
		cloud string
		raw   bool
	)

	cmd := &cobra.Command{
		Use:   "execute <command> [args...]",
		Short: "Fan a single cache command out to every resolved cloud and block for the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			err := client.Post("/api/redis/execute", map[string]any{
				"command": args[0],
				"args":    args[1:],
				"cloud":   cloud,
				"raw":     raw,
			}, &resp)
			if err != nil {
				return err
			}
			return printResult(cmd, resp)
		},
	}

	cmd.Flags().StringVar(&cloud, "cloud", "both", `"both" or a single KV cloud name`)
	cmd.Flags().BoolVar(&raw, "raw", false, "submit as a RAW command (MASTER role only)")

	return cmd
}

func newRedisScanCmd(client *Client) *cobra.Command {
	var (
		cloud     string
		action    string
		scanCount int
	)

	cmd := &cobra.Command{
		Use:   "scan <pattern>",
		Short: "Submit a cache SCAN preview or UNLINK sweep",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				ExecutionID string `json:"executionId"`
			}
			err := client.Post("/api/redis/scan", map[string]any{
				"pattern":   args[0],
				"cloud":     cloud,
				"action":    action,
				"scanCount": scanCount,
			}, &resp)
			if err != nil {
				return err
			}
			return printResult(cmd, resp)
		},
	}

	cmd.Flags().StringVar(&cloud, "cloud", "both", `"both" or a single KV cloud name`)
	cmd.Flags().StringVar(&action, "action", "preview", `"preview" or "delete"`)
	cmd.Flags().IntVar(&scanCount, "scan-count", 1000, "SCAN COUNT hint per iteration")

	return cmd
}

func newRedisScanStatusCmd(client *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "scan-status <execution-id>",
		Short: "Poll a cache SCAN/UNLINK run's current record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := client.Get("/api/redis/scan/"+args[0], &resp); err != nil {
				return err
			}
			return printResult(cmd, resp)
		},
	}
}

func newRedisScanCancelCmd(client *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "scan-cancel <execution-id>",
		Short: "Cancel an in-flight cache SCAN/UNLINK run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := client.Post("/api/redis/scan/"+args[0]+"/cancel", nil, &resp); err != nil {
				return err
			}
			return printResult(cmd, resp)
		},
	}
}
