package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/elfhook"
	"github.com/sliverarmory/elfhook/elfinfo"
	"github.com/sliverarmory/elfhook/image"
)

var (
	logLevel string
	viewName string
	cfg      = elfhook.DefaultConfig()
	log      = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:          "elfhook",
	Short:        "Inspect ELF dynamic metadata and redirect PLT/GOT slots",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := elfhook.LoadConfig()
		if err != nil {
			return err
		}
		cfg = loaded
		if cmd.Flags().Changed("log-level") {
			if cfg.LogLevel, err = logrus.ParseLevel(logLevel); err != nil {
				return fmt.Errorf("--log-level: %w", err)
			}
		}
		if cmd.Flags().Changed("view") {
			if cfg.View, err = elfinfo.ParseView(viewName); err != nil {
				return fmt.Errorf("--view: %w", err)
			}
		}
		log = cfg.Logger()
		log.SetOutput(cmd.ErrOrStderr())
		return nil
	},
}

// openFile opens path with the configured view.
func openFile(path string) (*image.Handle, *elfinfo.Info, error) {
	h, err := image.OpenFile(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := elfinfo.Extract(h, cfg.View)
	if err != nil {
		_ = h.Close()
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	log.WithFields(logrus.Fields{"path": path, "view": cfg.View}).Debug("extracted dynamic metadata")
	return h, info, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (overrides "+elfhook.EnvLogLevel+")")
	rootCmd.PersistentFlags().StringVar(&viewName, "view", "segment", "Metadata view for files: segment or section (overrides "+elfhook.EnvView+")")
	rootCmd.AddCommand(inspectCmd, resolveCmd, hashCmd, hookCmd)
}
