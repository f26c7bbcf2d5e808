package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/pulsar/internal/client"
	"github.com/oriys/pulsar/internal/output"
	"github.com/oriys/pulsar/internal/protocol"
)

func execCmd() *cobra.Command {
	var (
		params     string
		instance   string
		timeout    time.Duration
		noRetry    bool
		formatFlag string
	)

	cmd := &cobra.Command{
		Use:   "exec <command>",
		Short: "Run a command on an editor instance",
		Long:  "Send a command through the relay and print the result. Transient failures are retried with backoff unless --no-retry is set.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := args[0]
			p := output.NewPrinter(output.ParseFormat(formatFlag))

			var rawParams json.RawMessage
			if params != "" {
				if !json.Valid([]byte(params)) {
					return fmt.Errorf("--params is not valid JSON")
				}
				rawParams = json.RawMessage(params)
			}

			opts := []client.Option{client.WithDefaultTimeout(timeout)}
			if noRetry {
				// A zero budget makes the first transient failure terminal.
				opts = append(opts, client.WithRetryPolicy(0, 0, 0))
			}
			cli := client.New(relayAddr(), opts...)

			retries := 0
			callOpts := []client.CallOption{
				client.WithOnRetry(func(attempt int, code protocol.ErrorCode, delay time.Duration) {
					retries = attempt
					fmt.Fprintf(os.Stderr, "retrying in %s (attempt %d failed: %s)\n", delay, attempt, code)
				}),
			}
			if instance != "" {
				callOpts = append(callOpts, client.WithInstance(instance))
			}

			start := time.Now()
			data, err := cli.Call(context.Background(), command, rawParams, callOpts...)
			cli.Close()

			result := output.ExecResult{
				Command:    command,
				Instance:   instance,
				Success:    err == nil,
				Data:       data,
				DurationMs: time.Since(start).Milliseconds(),
				Attempts:   retries + 1,
			}
			if err != nil {
				var ce *client.CallError
				if !errors.As(err, &ce) {
					// Transport failure: the relay was never reached.
					return err
				}
				result.Code = string(ce.Code)
				result.Error = ce.Message
			}

			if perr := p.PrintExecResult(result); perr != nil {
				return perr
			}
			if !result.Success {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&params, "params", "p", "", "JSON parameter object for the command")
	cmd.Flags().StringVarP(&instance, "instance", "i", "", "Target instance id (default: the relay's default instance)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "Per-request deadline")
	cmd.Flags().BoolVar(&noRetry, "no-retry", false, "Fail immediately on transient errors")
	cmd.Flags().StringVarP(&formatFlag, "output", "o", "table", "Output format (table, json, yaml)")

	return cmd
}
