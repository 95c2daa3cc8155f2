package cli

import (
	"github.com/spf13/cobra"
)

func newQueryCmd(client *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Submit and track SQL fan-out executions",
	}

	cmd.AddCommand(newQueryExecuteCmd(client))
	cmd.AddCommand(newQueryValidateCmd(client))
	cmd.AddCommand(newQueryStatusCmd(client))
	cmd.AddCommand(newQueryCancelCmd(client))
	cmd.AddCommand(newQueryActiveCmd(client))

	return cmd
}

func newQueryExecuteCmd(client *Client) *cobra.Command {
	var (
		database        string
		mode            string
		pgSchema        string
		timeoutMs       int
		password        string
		continueOnError bool
	)

	cmd := &cobra.Command{
		Use:   "execute <sql>",
		Short: "Submit a SQL statement batch for fan-out execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				ExecutionID string `json:"executionId"`
			}
			err := client.Post("/api/query/execute", map[string]any{
				"query":           args[0],
				"database":        database,
				"mode":            mode,
				"pgSchema":        pgSchema,
				"timeout":         timeoutMs,
				"password":        password,
				"continueOnError": continueOnError,
			}, &resp)
			if err != nil {
				return err
			}
			return printResult(cmd, resp)
		},
	}

	cmd.Flags().StringVar(&database, "database", "", "database name declared on every targeted cloud")
	cmd.Flags().StringVar(&mode, "mode", "both", `"both" or a single cloud name`)
	cmd.Flags().StringVar(&pgSchema, "pg-schema", "", "schema to SET search_path to before executing")
	cmd.Flags().IntVar(&timeoutMs, "timeout-ms", 0, "per-statement timeout override in milliseconds")
	cmd.Flags().StringVar(&password, "password", "", "re-authentication password for dangerous statements under MASTER")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "keep executing remaining statements after a failure")
	_ = cmd.MarkFlagRequired("database")

	return cmd
}

func newQueryValidateCmd(client *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <sql>",
		Short: "Classify and authorize a statement batch without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Valid bool   `json:"valid"`
				Error string `json:"error,omitempty"`
			}
			if err := client.Post("/api/query/validate", map[string]any{"query": args[0]}, &resp); err != nil {
				return err
			}
			return printResult(cmd, resp)
		},
	}
}

func newQueryStatusCmd(client *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Poll an execution's current record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := client.Get("/api/query/status/"+args[0], &resp); err != nil {
				return err
			}
			return printResult(cmd, resp)
		},
	}
}

func newQueryCancelCmd(client *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel an in-flight execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := client.Post("/api/query/cancel/"+args[0], nil, &resp); err != nil {
				return err
			}
			return printResult(cmd, resp)
		},
	}
}

func newQueryActiveCmd(client *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "List in-flight executions on the replica answering this request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp []map[string]any
			if err := client.Get("/api/query/active", &resp); err != nil {
				return err
			}
			return printResult(cmd, resp)
		},
	}
}
