// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "inlineesp",
	Short: "inlineesp - inline IPsec ESP tunnel processing with an offloaded crypto engine",
	Long: `inlineesp runs packets through an inline ESP tunnel-mode pipeline.

Cleartext IPv4 packets matching a security association are encapsulated and
handed to the crypto accelerator for encryption; ESP packets are decrypted in
two passes and decapsulated. Packets without a valid association pass through
unchanged.`,
	Version:      "0.1.0",
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/inlineesp/config.yml",
		"config file path")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(saCmd)
}
