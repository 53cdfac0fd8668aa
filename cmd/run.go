package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/inlineesp/internal/accel"
	"firestige.xyz/inlineesp/internal/config"
	"firestige.xyz/inlineesp/internal/log"
	"firestige.xyz/inlineesp/internal/metrics"
	"firestige.xyz/inlineesp/internal/pipeline"
	"firestige.xyz/inlineesp/internal/sa"
	"firestige.xyz/inlineesp/internal/sink"
	"firestige.xyz/inlineesp/internal/source"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process the configured input through the ESP pipeline",
	Long: `Read frames from the configured pcap input, encrypt or decrypt them according
to the SA table, write forwarded frames to the configured output and report
every verdict.

Examples:
  inlineesp run -c /etc/inlineesp/config.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runPipeline(ctx, configFile, cmd.OutOrStdout())
	},
}

func runPipeline(ctx context.Context, path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := log.Init(cfg.Log); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	table, err := loadTable(cfg.SA)
	if err != nil {
		return err
	}
	if cfg.SA.Watch {
		go func() {
			if err := table.Watch(ctx, cfg.SA.File); err != nil {
				log.GetLogger().WithError(err).Error("sa watcher stopped")
			}
		}()
	}

	acc, err := accel.NewSoft(cfg.Accelerator.Algorithm)
	if err != nil {
		return err
	}

	filter, err := source.CompileFilter(cfg.Pipeline.BPFFilter, cfg.Pipeline.SnapLen)
	if err != nil {
		return err
	}
	src, err := source.OpenFile(cfg.Pipeline.Input, filter)
	if err != nil {
		return err
	}
	defer src.Close()

	var sinks []pipeline.Sink
	if cfg.Pipeline.Output != "" {
		w, err := sink.CreatePcap(cfg.Pipeline.Output, cfg.Pipeline.SnapLen)
		if err != nil {
			return err
		}
		defer w.Close()
		sinks = append(sinks, w)
	}

	var reporters []pipeline.Reporter
	if cfg.Reporter.Console {
		reporters = append(reporters, sink.NewConsoleReporter())
	}
	if cfg.Reporter.Kafka.Enabled {
		k, err := sink.NewKafkaReporter(cfg.Reporter.Kafka)
		if err != nil {
			return fmt.Errorf("failed to create kafka reporter: %w", err)
		}
		defer k.Close()
		reporters = append(reporters, k)
	}

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer srv.Stop(context.Background())
	}

	p := pipeline.NewBuilder().
		WithStore(table).
		WithSelector(table).
		WithDefaultIndex(cfg.Pipeline.DefaultSAIndex).
		WithAccelerator(acc).
		WithResubmitQueue(cfg.Pipeline.ResubmitQueue).
		WithSource(src).
		WithSinks(sinks...).
		WithReporters(reporters...).
		Build()

	runErr := p.Run(ctx)
	printStats(out, p.Stats(), src.Filtered())
	if runErr != nil && ctx.Err() == nil {
		return fmt.Errorf("pipeline failed: %w", runErr)
	}
	return nil
}

func loadTable(cfg config.SAConfig) (*sa.Table, error) {
	table := sa.NewTable()
	if cfg.File == "" {
		log.GetLogger().Warn("no sa table configured, every packet passes through")
		return table, nil
	}
	if err := table.LoadFile(cfg.File); err != nil {
		return nil, err
	}
	return table, nil
}

func printStats(out io.Writer, s pipeline.Stats, filtered uint64) {
	fmt.Fprintf(out, "received:    %d\n", s.Received)
	fmt.Fprintf(out, "filtered:    %d\n", filtered)
	fmt.Fprintf(out, "encrypted:   %d\n", s.Encrypted)
	fmt.Fprintf(out, "decrypted:   %d\n", s.Decrypted)
	fmt.Fprintf(out, "passed:      %d\n", s.Passed)
	fmt.Fprintf(out, "dropped:     %d\n", s.Dropped)
	fmt.Fprintf(out, "resubmitted: %d\n", s.Resubmitted)
}
