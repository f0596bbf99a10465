package elfhook

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/xyproto/env/v2"

	"github.com/sliverarmory/elfhook/elfinfo"
	"github.com/sliverarmory/elfhook/image"
)

// Environment variables read by LoadConfig.
const (
	EnvLogLevel = "ELFHOOK_LOG_LEVEL"
	EnvMaps     = "ELFHOOK_MAPS"
	EnvView     = "ELFHOOK_VIEW"
)

type Config struct {
	LogLevel logrus.Level
	// MapsPath is the /proc/<pid>/maps formatted module list.
	MapsPath string
	// View is the metadata strategy for file-backed images. Live modules
	// always use the segment view.
	View elfinfo.View
}

func DefaultConfig() Config {
	return Config{
		LogLevel: logrus.WarnLevel,
		MapsPath: image.DefaultMapsPath,
		View:     elfinfo.SegmentView,
	}
}

// LoadConfig reads the environment. Invalid values keep their defaults and
// are reported together in the returned error.
func LoadConfig() (Config, error) {
	// env caches the environment on first use
	env.Load()

	cfg := DefaultConfig()
	var errs []error

	if level, err := logrus.ParseLevel(env.Str(EnvLogLevel, cfg.LogLevel.String())); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", EnvLogLevel, err))
	} else {
		cfg.LogLevel = level
	}
	cfg.MapsPath = env.Str(EnvMaps, cfg.MapsPath)
	if view, err := elfinfo.ParseView(env.Str(EnvView, cfg.View.String())); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", EnvView, err))
	} else {
		cfg.View = view
	}
	return cfg, errors.Join(errs...)
}

// Logger returns a text logger on stderr at the configured level.
func (c Config) Logger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(c.LogLevel)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return log
}
