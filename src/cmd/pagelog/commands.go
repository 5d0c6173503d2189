package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/bucketlog/src"
	"github.com/Blackdeer1524/bucketlog/src/app"
	"github.com/Blackdeer1524/bucketlog/src/pkg/config"
	"github.com/Blackdeer1524/bucketlog/src/recovery"
	"github.com/Blackdeer1524/bucketlog/src/wal"
	"github.com/Blackdeer1524/bucketlog/src/wal/po"

	_ "github.com/Blackdeer1524/bucketlog/src/sbtree"
)

type options struct {
	envFiles []string
	walDir   string
	dataDir  string
	quiet    bool
}

func (o *options) load() (config.Config, src.Logger, error) {
	cfg, err := config.Load(o.envFiles...)
	if err != nil {
		return config.Config{}, nil, err
	}
	if o.walDir != "" {
		cfg.WALDir = o.walDir
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.quiet {
		return cfg, src.NoLogs(), nil
	}

	log, err := cfg.NewLogger()
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

func newRootCmd(fs afero.Fs) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "pagelog",
		Short:         "Inspect and replay the page operation log",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	flags := root.PersistentFlags()
	flags.StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files to read before the environment")
	flags.StringVar(&opts.walDir, "wal-dir", "", "log directory, overrides BUCKETLOG_WAL_DIR")
	flags.StringVar(&opts.dataDir, "data-dir", "", "page file directory, overrides BUCKETLOG_DATA_DIR")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "disable logging")

	root.AddCommand(
		newDumpCmd(fs, opts),
		newVerifyCmd(fs, opts),
		newRecoverCmd(fs, opts),
	)
	return root
}

func newDumpCmd(fs afero.Fs, opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print every frame of the log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			return eachFrame(cmd.Context(), fs, cfg.WALDir, func(f wal.Frame) error {
				return printFrame(cmd.OutOrStdout(), f)
			})
		},
	}
}

func printFrame(out io.Writer, f wal.Frame) error {
	var err error
	if f.Type == wal.FrameOperation {
		_, err = fmt.Fprintf(out, "%s\t%s\t%s\n", f.LSN, f.Type, f.Record)
	} else {
		_, err = fmt.Fprintf(out, "%s\t%s\t%s\n", f.LSN, f.Type, f.Unit)
	}
	return err
}

func eachFrame(ctx context.Context, fs afero.Fs, dir string, fn func(wal.Frame) error) error {
	reader, err := wal.NewReader(ctx, fs, dir)
	if err != nil {
		return err
	}
	for {
		f, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
	}
}

var errRoundTrip = errors.New("record doesn't survive a round trip")

// verifyRecord checks that decoding the serialized record and encoding it
// again gives the same bytes.
func verifyRecord(r *po.Record) error {
	data := r.Marshal()
	decoded, next, err := po.Decode(data, 0)
	if err != nil {
		return err
	}
	if next != len(data) {
		return fmt.Errorf("%w: %s consumed %d of %d bytes", errRoundTrip, r.Kind(), next, len(data))
	}
	if again := decoded.Marshal(); !bytes.Equal(again, data) {
		return fmt.Errorf("%w: %s", errRoundTrip, r.Kind())
	}
	return nil
}

func newVerifyCmd(fs afero.Fs, opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check checksums and record encodings of the whole log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			var (
				frames  int
				records int
			)
			err = eachFrame(cmd.Context(), fs, cfg.WALDir, func(f wal.Frame) error {
				frames++
				if f.Type != wal.FrameOperation {
					return nil
				}
				records++
				if err := verifyRecord(f.Record); err != nil {
					return fmt.Errorf("at %s: %w", f.LSN, err)
				}
				return nil
			})
			if err != nil {
				log.Errorw("log verification failed", "dir", cfg.WALDir, "error", err)
				return err
			}

			log.Infow("log verified", "dir", cfg.WALDir, "frames", frames, "records", records)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "ok: %d frames, %d records\n", frames, records)
			return err
		},
	}
}

func newRecoverCmd(fs afero.Fs, opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Replay the log into the page files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			report, err := runRecovery(cmd.Context(), fs, cfg, log)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(
				cmd.OutOrStdout(),
				"redone %d, compensated %d, skipped %d, undone %d, committed units %d, rolled back units %d\n",
				report.Redone,
				report.Compensated,
				report.Skipped,
				report.Undone,
				report.Committed,
				len(report.Losers),
			)
			return err
		},
	}
}

func runRecovery(
	ctx context.Context,
	fs afero.Fs,
	cfg config.Config,
	log src.Logger,
) (recovery.Report, error) {
	store, err := app.Open(ctx, fs, cfg, log)
	if err != nil {
		return recovery.Report{}, err
	}
	return store.Recovered(), store.Close()
}
