package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"media-workbench/internal/bootstrap"
	"media-workbench/internal/domain"
	"media-workbench/internal/logging"
	"media-workbench/internal/media"
)

var (
	settingsPath string
	logJSON      bool
	logLevel     string

	log = zap.NewNop().Sugar()
)

var rootCmd = &cobra.Command{
	Use:   "media-workbench",
	Short: "Desktop media toolbox backed by ffmpeg",
	Long: `Media Workbench trims audio, compresses video, converts containers,
extracts audio tracks and adjusts volume through a local ffmpeg install.

Without a subcommand the desktop window opens. Use "process" to run one
operation from a script.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := logging.New(logJSON, logLevel)
		if err != nil {
			return err
		}
		log = logger
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := bootstrap.New(bootstrap.Options{SettingsPath: settingsPath, Logger: log})
		if err != nil {
			return errors.Wrap(err, "bootstrap app")
		}
		return app.Run()
	},
}

var (
	processOp        string
	processIn        string
	processOut       string
	processOverwrite bool
	processOptions   map[string]string
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run one operation without opening the window",
	Example: `  media-workbench process --op trim-audio --in talk.wav --out intro.wav --opt start=0:05 --opt duration=30
  media-workbench process --op compress-video --in clip.mov --out clip.mp4 --opt crf=28`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		res, err := bootstrap.RunHeadless(ctx, bootstrap.Options{SettingsPath: settingsPath, Logger: log},
			bootstrap.HeadlessRequest{
				Operation:  processOp,
				InputPath:  processIn,
				OutputPath: processOut,
				Overwrite:  processOverwrite,
				Options:    processOptions,
			},
			func(job domain.JobHandle) {
				fmt.Fprintf(out, "\r%5.1f%%", job.ProgressPercent)
			},
		)
		fmt.Fprintln(out)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %s\n", res.Message, res.OutputPath)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", "", "settings file (default ~/.media-workbench/settings.json)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit JSON logs")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	processCmd.Flags().StringVar(&processOp, "op", "", "operation: "+strings.Join(media.Operations(), ", "))
	processCmd.Flags().StringVar(&processIn, "in", "", "input media file")
	processCmd.Flags().StringVar(&processOut, "out", "", "output file")
	processCmd.Flags().BoolVar(&processOverwrite, "overwrite", false, "replace an existing output file")
	processCmd.Flags().StringToStringVar(&processOptions, "opt", nil, "operation option as key=value (repeatable)")
	_ = processCmd.MarkFlagRequired("op")
	_ = processCmd.MarkFlagRequired("in")
	_ = processCmd.MarkFlagRequired("out")

	rootCmd.AddCommand(processCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Errorw("command failed", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	_ = log.Sync()
}
