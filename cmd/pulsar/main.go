package main

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	relayHost string
	relayPort int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pulsar",
		Short: "Pulsar - command relay for editor instances",
		Long:  "Pulsar brokers CLI commands to long-lived editor instances over a framed TCP protocol",
	}

	rootCmd.PersistentFlags().StringVar(&relayHost, "host", "127.0.0.1", "Relay host")
	rootCmd.PersistentFlags().IntVar(&relayPort, "port", 6500, "Relay port")

	rootCmd.AddCommand(
		daemonCmd(),
		execCmd(),
		instancesCmd(),
		defaultCmd(),
		simCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func relayAddr() string {
	return net.JoinHostPort(relayHost, strconv.Itoa(relayPort))
}
