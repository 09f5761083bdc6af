// tenantcreds — multi-tenant AWS credential resolution service.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tenantcreds",
	Short: "tenantcreds — per-tenant AWS credential resolution for shared services.",
	Long: `tenantcreds resolves AWS credentials per tenant account for a shared,
concurrently-serving process. Accounts are registered with either encrypted
static keys or an IAM role plus external ID; resolved credentials are cached
with single-flight refresh and travel only through request contexts.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, accountCmd, encryptCmd, keygenCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
