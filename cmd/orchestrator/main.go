package main

import (
	"fmt"
	"os"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Browser automation task orchestrator",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
