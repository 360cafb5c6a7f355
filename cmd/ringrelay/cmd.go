package main

import (
	"context"
	"io"
	"net"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jacoelho/ringbuf/internal/config"
	"github.com/jacoelho/ringbuf/internal/relay"
)

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"listen":        "listen",
	"input":         "input",
	"output":        "output",
	"capacity":      "capacity",
	"chunk-size":    "chunk_size",
	"read-size":     "read_size",
	"max-chunks":    "max_chunks",
	"drain-timeout": "drain_timeout",
	"log-level":     "log_level",
}

func newRootCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "ringrelay",
		Short: "Relay a byte stream through a bounded ring buffer",
		Long: `ringrelay receives a stream from a single TCP sender (or a file) on one
goroutine and hands it to a second goroutine through a fixed-capacity ring
buffer, which writes it to the output in its own read sizes.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, overrides(cmd.Flags()))
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer logger.Sync()
			return run(cmd.Context(), cfg, logger)
		},
	}

	defaults := config.Default()
	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flags.String("listen", "", "TCP address to accept a single sender on")
	flags.String("input", "", `file to relay instead of listening, "-" for stdin`)
	flags.StringP("output", "o", defaults.Output, `file to write the stream to, "-" for stdout`)
	flags.String("capacity", defaults.Capacity.String(), "ring buffer capacity")
	flags.String("chunk-size", defaults.ChunkSize.String(), "bytes received per source read")
	flags.String("read-size", defaults.ReadSize.String(), "bytes requested per consumer read")
	flags.Int("max-chunks", defaults.MaxChunks, "stop after receiving this many chunks, 0 for no limit")
	flags.Duration("drain-timeout", defaults.DrainTimeout, "how long to wait for the consumer to drain")
	flags.String("log-level", defaults.LogLevel, "log level: debug, info, warn, error")
	return cmd
}

// overrides returns the explicitly set flags as config keys, so that
// unset flags do not shadow values from the config file.
func overrides(fs *pflag.FlagSet) map[string]interface{} {
	out := make(map[string]interface{})
	fs.Visit(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return
		}
		switch f.Value.Type() {
		case "int":
			v, _ := fs.GetInt(f.Name)
			out[key] = v
		default:
			out[key] = f.Value.String()
		}
	})
	return out
}

func newLogger(level string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, "invalid log level")
	}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(w),
		zap.NewAtomicLevelAt(lvl),
	)
	return zap.New(core), nil
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	source, err := openSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer source.Close()
	// a blocked receive only returns once the source is closed
	stop := context.AfterFunc(ctx, func() { source.Close() })
	defer stop()

	sink, err := openSink(cfg.Output)
	if err != nil {
		return err
	}
	return relayTo(ctx, cfg, source, sink, logger)
}

// relayTo runs one session into sink and closes it. A close error is
// reported only when the session itself succeeded.
func relayTo(ctx context.Context, cfg config.Config, source io.Reader, sink io.WriteCloser, logger *zap.Logger) (err error) {
	defer func() {
		if cErr := sink.Close(); cErr != nil && err == nil {
			err = errors.Wrap(cErr, "failed to close output")
		}
	}()

	session, err := relay.New(cfg, source, sink, logger)
	if err != nil {
		return err
	}
	_, err = session.Run(ctx)
	return err
}

func openSource(ctx context.Context, cfg config.Config, logger *zap.Logger) (io.ReadCloser, error) {
	if cfg.Input != "" {
		if cfg.Input == "-" {
			return io.NopCloser(os.Stdin), nil
		}
		f, err := os.Open(cfg.Input)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open input")
		}
		return f, nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.Listen)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", cfg.Listen)
	}
	defer ln.Close()
	logger.Info("waiting for sender", zap.Stringer("address", ln.Addr()))
	return acceptOne(ctx, ln, logger)
}

// acceptOne waits for a single connection on ln or until ctx is done.
func acceptOne(ctx context.Context, ln net.Listener, logger *zap.Logger) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	conn, err := ln.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.Wrap(err, "failed to accept sender")
	}
	logger.Info("sender connected", zap.Stringer("remote", conn.RemoteAddr()))
	return conn, nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func openSink(path string) (io.WriteCloser, error) {
	if path == "-" {
		return nopWriteCloser{os.Stdout}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create output")
	}
	return f, nil
}
