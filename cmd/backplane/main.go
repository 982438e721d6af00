package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "backplane",
		Short: "Postgres LISTEN/NOTIFY backplane",
		Long:  "Backplane fans websocket messages out across servers sharing one Postgres database.",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Configuration file (json or yaml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the websocket host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	rootCmd.AddCommand(serveCmd)

	initTableCmd := &cobra.Command{
		Use:   "init-table",
		Short: "Create the payload table when missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return initTable(cmd.Context(), configPath)
		},
	}
	rootCmd.AddCommand(initTableCmd)

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired payloads once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sweep(cmd.Context(), configPath)
		},
	}
	rootCmd.AddCommand(sweepCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
