package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/bledive/internal/engine/simproto"
	"github.com/srg/bledive/internal/radio"
	"github.com/srg/bledive/internal/radio/goble"
	"github.com/srg/bledive/internal/radio/simlink"
	"github.com/srg/bledive/internal/radio/tinyble"
	"github.com/srg/bledive/internal/session"
	"github.com/srg/bledive/internal/store"
	"github.com/srg/bledive/pkg/config"
)

// Simulated dive computer served by --simulate.
const (
	simAddress = "5a:1b:00:00:10:92"
	simName    = "Reef 4242"
	simSerial  = 4242
	simDives   = 6
)

var simFirstDive = time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)

// newCentralFunc creates the radio central for a backend (can be overridden in tests)
var newCentralFunc = newCentral

// cliEnv is what every command needs after flag parsing.
type cliEnv struct {
	cfg     *config.Config
	logger  *logrus.Logger
	central radio.Central
}

func defaultConfigHint() string {
	if p := config.DefaultConfigPath(); p != "" {
		return p
	}
	return "~/.config/bledive/config.yaml"
}

// loadConfig reads --config (or the default path) and reports whether a file
// was actually loaded.
func loadConfig(cmd *cobra.Command) (*config.Config, bool, error) {
	path, _ := cmd.Flags().GetString("config")
	explicit := path != ""
	if !explicit {
		path = config.DefaultConfigPath()
	}

	cfg, err := config.LoadOrDefault(path, explicit)
	if err != nil {
		return nil, false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, false, fmt.Errorf("invalid config %s: %w", path, err)
	}

	_, statErr := os.Stat(path)
	return cfg, statErr == nil, nil
}

// setupEnv loads config, configures logging and color, and creates the
// radio backend. simulate forces the simulated backend.
func setupEnv(cmd *cobra.Command, simulate bool) (*cliEnv, error) {
	cfg, fromFile, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg, fromFile)
	if err != nil {
		return nil, err
	}
	if !cfg.Output.Color {
		color.NoColor = true
	}

	backend := cfg.Radio.Backend
	if simulate {
		backend = "sim"
	}
	central, err := newCentralFunc(backend, logger)
	if err != nil {
		return nil, err
	}
	logger.WithField("backend", backend).Debug("Radio backend selected")

	return &cliEnv{cfg: cfg, logger: logger, central: central}, nil
}

func newCentral(backend string, logger *logrus.Logger) (radio.Central, error) {
	switch backend {
	case "goble":
		return goble.NewCentral(logger), nil
	case "tinyble":
		return tinyble.NewCentral(logger), nil
	case "sim":
		return simlink.NewCentral(logger, demoPeripheral()), nil
	default:
		return nil, fmt.Errorf("unknown radio backend %q", backend)
	}
}

func demoPeripheral() *simlink.Peripheral {
	return &simlink.Peripheral{
		Address: simAddress,
		Name:    simName,
		RSSI:    -52,
		MTU:     185,
		Model:   simproto.DemoModel(simSerial, simDives, simFirstDive),
	}
}

func (e *cliEnv) newEngine() *simproto.Engine {
	eng := simproto.NewEngine(e.logger)
	eng.Timeout = e.cfg.Transport.ReadTimeout
	return eng
}

func (e *cliEnv) openStores() (*store.BlobStore, *store.BlobStore, error) {
	fingerprints, err := store.Open(e.cfg.FingerprintDir(), e.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open fingerprint store: %w", err)
	}
	accessCodes, err := store.Open(e.cfg.AccessCodeDir(), e.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open access code store: %w", err)
	}
	return fingerprints, accessCodes, nil
}

// newController wires the session controller with persistent stores.
func (e *cliEnv) newController() (*session.Controller, error) {
	fingerprints, accessCodes, err := e.openStores()
	if err != nil {
		return nil, err
	}
	return session.NewController(e.central, e.newEngine(), fingerprints, accessCodes, e.logger, e.cfg.SessionOptions()), nil
}

// outputFormat applies --format over the config default.
func (e *cliEnv) outputFormat(cmd *cobra.Command) (string, error) {
	format := e.cfg.Output.Format
	if cmd.Flags().Changed("format") {
		format, _ = cmd.Flags().GetString("format")
	}
	switch format {
	case "table", "json":
		return format, nil
	default:
		return "", fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}
}
