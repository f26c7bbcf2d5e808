package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/oriys/pulsar/internal/client"
	"github.com/oriys/pulsar/internal/output"
)

func defaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "default <instance-id>",
		Short: "Set the default editor instance",
		Long:  "Pin the instance that untargeted exec requests are routed to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli := client.New(relayAddr())
			defer cli.Close()

			if err := cli.SetDefault(context.Background(), args[0]); err != nil {
				return err
			}

			p := output.NewPrinter(output.FormatTable)
			p.Success("Default instance set to %s", args[0])
			return nil
		},
	}
}
