package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "corecache",
	Short: "A clustered key-value store",
	Long: `A clustered key-value store: each node runs a log-structured storage
engine, and nodes elect a leader that routes keys over a consistent-hash ring.`,
	SilenceUsage: true,
}

func ExecuteServer() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("couldn't execute app,", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(startNodeCmd)
}
