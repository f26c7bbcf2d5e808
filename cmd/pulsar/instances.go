package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/oriys/pulsar/internal/client"
	"github.com/oriys/pulsar/internal/output"
)

func instancesCmd() *cobra.Command {
	var formatFlag string

	cmd := &cobra.Command{
		Use:     "instances",
		Aliases: []string{"ls"},
		Short:   "List connected editor instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli := client.New(relayAddr())
			defer cli.Close()

			infos, err := cli.ListInstances(context.Background())
			if err != nil {
				return err
			}

			rows := make([]output.InstanceRow, 0, len(infos))
			for _, info := range infos {
				rows = append(rows, output.InstanceRow{
					ID:           info.ID,
					ProjectName:  info.ProjectName,
					Version:      info.Version,
					Status:       info.Status,
					Capabilities: info.Capabilities,
					IsDefault:    info.IsDefault,
					QueueSize:    info.QueueSize,
				})
			}

			p := output.NewPrinter(output.ParseFormat(formatFlag))
			return p.PrintInstances(rows)
		},
	}

	cmd.Flags().StringVarP(&formatFlag, "output", "o", "table", "Output format (table, wide, json, yaml)")

	return cmd
}
