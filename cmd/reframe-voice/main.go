package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/reframe-ai/reframe-voice/internal/dotenv"
	"github.com/reframe-ai/reframe-voice/pkg/gateway/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd(stderr io.Writer, deps serveDeps) *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "reframe-voice",
		Short:         "Voice session gateway for the Reframe assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return dotenv.LoadFile(envFile)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading REFRAME_* variables")
	root.SetErr(stderr)
	root.SetOut(stderr)

	root.AddCommand(
		newServeCmd(stderr, deps),
		newMigrateCmd(stderr, deps),
		&cobra.Command{
			Use:   "version",
			Short: "Print the build version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps serveDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	root := newRootCmd(stderr, deps)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "reframe-voice: %v\n", err)
		return 1
	}
	return 0
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stderr, defaultServeDeps()))
}
