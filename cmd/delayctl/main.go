// Command delayctl is the operator CLI: dev tokens, the oracle and
// purchase simulators, and flight directory maintenance.
package main

import (
	"DelayLedger/internal/config"
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// settings loads the shared configuration once flags are parsed.
type settings struct {
	v          *viper.Viper
	configFile string
}

func (s *settings) load() (config.Config, error) {
	return config.Load(s.v, s.configFile)
}

func run() error {
	s := &settings{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "delayctl",
		Short: "DelayLedger operator CLI",
		Long: `DelayLedger operator CLI.

  delayctl token <identity>          Issue a bearer token for the HTTP API
  delayctl report <policy> <delay>   Publish an oracle delay report
  delayctl purchase ...              Publish a policy purchase request
  delayctl company add <id> <name>   Register an airline in the directory
  delayctl flight add <code> ...     Register a flight in the directory`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&s.configFile, "config", "", "config file path")
	config.BindFlags(rootCmd, s.v)

	rootCmd.AddCommand(newTokenCmd(s))
	rootCmd.AddCommand(newReportCmd(s))
	rootCmd.AddCommand(newPurchaseCmd(s))
	rootCmd.AddCommand(newCompanyCmd(s))
	rootCmd.AddCommand(newFlightCmd(s))

	return rootCmd.ExecuteContext(context.Background())
}
