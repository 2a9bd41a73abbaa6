package main

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:          "geolake",
	Short:        "Request broker of the geolake data service",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(apiCmd)
	rootCmd.AddCommand(dispatcherCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(standaloneCmd)
	rootCmd.AddCommand(userCmd)
}
