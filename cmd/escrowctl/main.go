// Command escrowctl drives the operator endpoints of a running settlegate
// server: retrying failed settlements and fee legs, forcing expiry sweeps
// and running reconciliation on demand.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var opts clientOptions

	root := &cobra.Command{
		Use:           "escrowctl",
		Short:         "Operator CLI for the settlegate escrow engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.baseURL, "url", envOr("SETTLEGATE_URL", "http://localhost:8080"), "settlegate server URL")
	root.PersistentFlags().StringVar(&opts.secret, "secret", os.Getenv("ADMIN_SECRET"), "admin secret (default $ADMIN_SECRET)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", defaultTimeout, "request timeout")

	newClient := func() *client { return newAPIClient(opts) }

	root.AddCommand(
		expireCmd(newClient),
		eventsCmd(newClient),
		retryFeeCmd(newClient),
		retrySettlementCmd(newClient),
		retryForwardCmd(newClient),
		failedForwardsCmd(newClient),
		reconcileCmd(newClient),
		monitorsCmd(newClient),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
