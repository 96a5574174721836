// Command relayproxy runs the HTTP/HTTPS intercepting proxy relay.
package main

import (
	"fmt"
	"os"

	"github.com/relaycore/manager-relay/internal/relayapp"
	"github.com/spf13/cobra"
)

var (
	// Version is set via -ldflags at release build time.
	Version = "dev"

	watchConfigPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relayproxy",
		Short: "Intercepting HTTP/HTTPS proxy relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return relayapp.Run(cmd.Context(), relayapp.Options{
				Version:         Version,
				WatchConfigPath: watchConfigPath,
			})
		},
	}
	rootCmd.Flags().StringVar(&watchConfigPath, "watch-config", "", "optional file to watch for hot-reloadable settings (manager token, decision timeout)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the relayproxy version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
