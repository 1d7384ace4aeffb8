// Command psosim drives a pipeline cache device through a synthetic
// workload and reports cache behavior.
//
// Usage:
//
//	psosim run [--scenario file.toml] [--dump report.msgpack]
//	psosim inspect report.msgpack
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gogpu/psocache"
)

var (
	colorMode string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:           "psosim",
	Short:         "Simulate pipeline cache workloads",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		switch colorMode {
		case "auto":
		case "on":
			color.NoColor = false
		case "off":
			color.NoColor = true
		default:
			return fmt.Errorf("invalid --color %q (auto|on|off)", colorMode)
		}
		return setupLogging(cmd.ErrOrStderr(), logLevel)
	},
}

func setupLogging(w io.Writer, level string) error {
	if level == "" || level == "off" {
		return nil
	}
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	psocache.SetLogger(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})))
	return nil
}

func newRunCmd() *cobra.Command {
	var (
		scenarioPath string
		dumpPath     string
		every        uint64
		frames       int64
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulation scenario",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sc, err := loadScenario(scenarioPath)
			if err != nil {
				return err
			}
			if frames > 0 {
				sc.Frames = frames
			}

			sim, err := newSimulation(sc, cmd.OutOrStdout(), every)
			if err != nil {
				return err
			}
			rep, err := sim.run(cmd.Context())
			if rep != nil {
				rep.print(cmd.OutOrStdout())
				if dumpPath != "" {
					if werr := writeReport(dumpPath, rep); werr != nil {
						return werr
					}
				}
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&scenarioPath, "scenario", "s", "", "scenario TOML file (defaults built in)")
	cmd.Flags().StringVar(&dumpPath, "dump", "", "write the report as msgpack to this file")
	cmd.Flags().Uint64Var(&every, "every", 10, "print a status line every N frames (0 disables)")
	cmd.Flags().Int64Var(&frames, "frames", 0, "override the scenario frame count")
	return cmd
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <report.msgpack>",
		Short: "Print a report written by run --dump",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := readReport(args[0])
			if err != nil {
				return err
			}
			rep.print(cmd.OutOrStdout())
			return nil
		},
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&colorMode, "color", "auto", "colorize output (auto|on|off)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "off", "cache log level (off|debug|info|warn|error)")
	rootCmd.AddCommand(newRunCmd(), newInspectCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.New(color.FgRed, color.Bold).Sprint("error:"), err)
		stop()
		os.Exit(1)
	}
}
