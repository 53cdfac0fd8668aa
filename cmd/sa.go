package cmd

import (
	"fmt"
	"io"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"firestige.xyz/inlineesp/internal/config"
	"firestige.xyz/inlineesp/internal/sa"
)

// saCmd represents the sa command group
var saCmd = &cobra.Command{
	Use:   "sa",
	Short: "Inspect the security association table",
	Long: `Inspect the SA table referenced by the configuration.

Subcommands:
  list    - List all associations
  lookup  - Resolve one association index the way the pipeline does`,
}

var saListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all associations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := tableFromConfig(configFile)
		if err != nil {
			return err
		}
		renderRecords(cmd.OutOrStdout(), t.Records())
		return nil
	},
}

var saLookupCmd = &cobra.Command{
	Use:   "lookup <index>",
	Short: "Look up one association index",
	Long: `Look up an association index. Unknown indexes resolve to an invalid
record, exactly as the pipeline sees them.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.ParseUint(args[0], 0, 32)
		if err != nil {
			return fmt.Errorf("invalid index %q: %w", args[0], err)
		}
		t, err := tableFromConfig(configFile)
		if err != nil {
			return err
		}
		renderRecords(cmd.OutOrStdout(), []sa.Record{t.Lookup(uint32(index))})
		return nil
	},
}

func init() {
	saCmd.AddCommand(saListCmd)
	saCmd.AddCommand(saLookupCmd)
}

func tableFromConfig(path string) (*sa.Table, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return loadTable(cfg.SA)
}

// renderRecords prints records with keys redacted.
func renderRecords(out io.Writer, records []sa.Record) {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(out)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Index", "SPI", "Salt", "Key", "ESN", "Auth", "Valid", "Seq"})
	for _, r := range records {
		key := "-"
		if r.KeySize.Valid() {
			key = fmt.Sprintf("%d-bit", r.KeySize)
		}
		tbl.AppendRow(table.Row{
			r.Index,
			fmt.Sprintf("0x%08x", r.SPI),
			fmt.Sprintf("0x%08x", r.Salt),
			key,
			r.ExtSeqEnabled,
			r.AuthEnabled,
			r.Valid,
			r.Seq,
		})
	}
	tbl.Render()
}
