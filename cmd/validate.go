package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/inlineesp/internal/accel"
	"firestige.xyz/inlineesp/internal/config"
	"firestige.xyz/inlineesp/internal/source"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and SA table",
	Long: `Load the configuration file, the SA table it points at, the accelerator
algorithm and the BPF prefilter without processing any packet.

Examples:
  inlineesp validate -c config.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(configFile, cmd.OutOrStdout())
	},
}

func runValidate(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}
	table, err := loadTable(cfg.SA)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}
	if _, err := accel.ParseAlgorithm(cfg.Accelerator.Algorithm); err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}
	filter, err := source.CompileFilter(cfg.Pipeline.BPFFilter, cfg.Pipeline.SnapLen)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}

	records := table.Records()
	valid := 0
	for _, r := range records {
		if r.Valid {
			valid++
		}
	}
	fmt.Fprintf(out, "VALID: %d association(s), %d valid, algorithm %s\n",
		len(records), valid, cfg.Accelerator.Algorithm)
	if filter != nil {
		fmt.Fprintf(out, "filter %q: %d bpf instructions\n", filter, len(filter.Raw()))
	}
	return nil
}
