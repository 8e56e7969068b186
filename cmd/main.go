package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bims-ledger",
		Short: "BIMS ledger",
		Long:  `BIMS ledger keeps the tamper-evident audit chain of inventory transactions and streams new blocks to connected clients`,
	}
	rootCmd.AddCommand(NewServeCmd())
	rootCmd.AddCommand(NewVerifyCmd())
	rootCmd.AddCommand(NewReindexCmd())
	return rootCmd
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
