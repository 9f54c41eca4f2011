package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	verbose     bool
	configPath  string
	storePath   string
	protocolDir string
	controlPath string
	optimise    bool
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVarP(&configPath, "config", "c", "", "Parameter file (yaml, json, toml or hcl)")
	pf.StringVarP(&storePath, "store", "s", "", "Map database (empty keeps the map in memory)")
	pf.StringVar(&protocolDir, "protocol", "", "Directory of the run protocol database")
	pf.StringVar(&controlPath, "control", "", "Control file published after every flush")
	pf.BoolVar(&optimise, "optimise", false, "Skip clean-up passes and relax interpolation")
}

var rootCmd = &cobra.Command{
	Use:           "tracemerge",
	Short:         "Merge GPS traces into a directed road graph",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
	},
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
