// Sage — autonomous research assistant.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sage",
	Short: "Sage — autonomous research assistant with a staged reasoning pipeline.",
	Long: `Sage answers complex questions by running them through a staged research
pipeline: the question is decomposed into sub-questions, each sub-question is
answered in parallel, the findings are synthesized into a summary, the summary
is validated, and insufficient summaries trigger a bounded enrichment loop
against an external knowledge source before the final explanation is produced.`,
	RunE:          runServer, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serverCmd, askCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
