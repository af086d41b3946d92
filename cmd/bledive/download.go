package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/bledive/internal/download"
	"github.com/srg/bledive/internal/scanner"
	"github.com/srg/bledive/internal/session"
)

const pollInterval = 100 * time.Millisecond

type downloadFlags struct {
	vendor   string
	product  string
	format   string
	force    bool
	simulate bool
}

func newDownloadCmd() *cobra.Command {
	f := &downloadFlags{}
	cmd := &cobra.Command{
		Use:   "download [address]",
		Short: "Download dives from a dive computer",
		Long: `Connect to a BLE dive computer and download its dives.

Only dives newer than the last download are transferred unless --force is
given. Without --vendor/--product the model is identified from the device's
advertised name; without an address the first supported device found by a
scan is used. Ctrl+C cancels the download and keeps the dives received so far.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var address string
			if len(args) > 0 {
				address = args[0]
			}
			return runDownload(cmd, f, address)
		},
	}

	cmd.Flags().StringVar(&f.vendor, "vendor", "", "Dive computer vendor (see 'bledive descriptors')")
	cmd.Flags().StringVar(&f.product, "product", "", "Dive computer product (see 'bledive descriptors')")
	cmd.Flags().StringVarP(&f.format, "format", "f", "table", "Output format (table, json)")
	cmd.Flags().BoolVar(&f.force, "force", false, "Download all dives, ignoring the stored fingerprint")
	cmd.Flags().BoolVar(&f.simulate, "simulate", false, "Use the simulated dive computer")
	return cmd
}

func runDownload(cmd *cobra.Command, f *downloadFlags, address string) error {
	if (f.vendor == "") != (f.product == "") {
		return fmt.Errorf("--vendor and --product must be given together")
	}

	env, err := setupEnv(cmd, f.simulate)
	if err != nil {
		return err
	}
	format, err := env.outputFormat(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	controller, err := env.newController()
	if err != nil {
		return err
	}
	defer func() {
		if err := controller.Close(); err != nil {
			env.logger.WithError(err).Warn("Disconnect reported errors")
		}
	}()

	ctx, stop := withInterrupt(cmd.Context(), cmd.ErrOrStderr(), "download")
	defer stop()

	vendor, product := f.vendor, f.product
	if vendor == "" || address == "" {
		dev, err := identify(ctx, env, controller, address)
		if err != nil {
			return err
		}
		address = dev.Address
		if vendor == "" {
			vendor, product = dev.Descriptor.Vendor, dev.Descriptor.Product
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Found %s (%s) at %s\n", displayName(dev), dev.Descriptor, dev.Address)
	}

	if err := controller.Connect(ctx, address, vendor, product); err != nil {
		return err
	}

	if err := controller.StartDownload(context.Background(), f.force); err != nil {
		return err
	}

	status, cancelled := followDownload(ctx, cmd, controller, env.logger)
	lost := !cancelled && controller.State() != session.SessionOpen

	results, err := controller.Results()
	if err != nil {
		return err
	}
	if err := displayDives(cmd.OutOrStdout(), results, format); err != nil {
		return err
	}
	printSummary(cmd, status, len(results), cancelled)

	switch {
	case cancelled:
		return nil
	case lost && !status.OK():
		return fmt.Errorf("%w after %d dives", ErrConnectionLost, len(results))
	default:
		if err := status.Err(); err != nil {
			return fmt.Errorf("download failed: %w", err)
		}
		return nil
	}
}

// followDownload renders progress until the download ends, cancelling it on
// the first interrupt.
func followDownload(ctx context.Context, cmd *cobra.Command, controller *session.Controller, logger *logrus.Logger) (download.Status, bool) {
	errOut := cmd.ErrOrStderr()

	var progress *ProgressPrinter
	if isTerminal(errOut) {
		progress = NewProgressPrinter(errOut, "Downloading", "connecting")
		progress.Start()
		defer progress.Stop()
	}

	statusCh := make(chan download.Status, 1)
	go func() {
		status, err := controller.Wait(context.Background())
		if err != nil {
			logger.WithError(err).Warn("Download wait failed")
		}
		statusCh <- status
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	done := ctx.Done()
	cancelled := false
	for {
		select {
		case <-done:
			done = nil
			cancelled = true
			if err := controller.CancelDownload(); err != nil && !errors.Is(err, session.ErrNoDevice) {
				logger.WithError(err).Warn("Failed to cancel download")
			}
		case status := <-statusCh:
			drainEvents(controller, progress, logger)
			return status, cancelled
		case <-ticker.C:
			drainEvents(controller, progress, logger)
			if snap, err := controller.Progress(); err == nil && progress != nil {
				progress.SetFraction(snap.Progress)
			}
		}
	}
}

func drainEvents(controller *session.Controller, progress *ProgressPrinter, logger *logrus.Logger) {
	events, err := controller.Events()
	if err != nil {
		return
	}
	for _, ev := range events {
		switch e := ev.(type) {
		case download.DeviceInfoEvent:
			logger.WithFields(logrus.Fields{
				"serial":   e.Serial,
				"firmware": e.Firmware,
				"model":    e.Model,
			}).Info("Device identified")
			if progress != nil {
				progress.Callback()(fmt.Sprintf("serial %d", e.Serial))
			}
		case download.DiveEvent:
			if !e.Record.OK() {
				logger.WithFields(logrus.Fields{
					"dive":  e.Record.Number,
					"error": e.Record.Error,
				}).Warn("Dive could not be decoded")
			}
			if progress != nil {
				progress.Callback()(fmt.Sprintf("dive %d", e.Record.Number))
			}
		case download.CompleteEvent:
			logger.WithFields(logrus.Fields{
				"status": e.Status.String(),
				"dives":  e.Dives,
			}).Info("Download complete")
		}
	}
}

func printSummary(cmd *cobra.Command, status download.Status, dives int, cancelled bool) {
	errOut := cmd.ErrOrStderr()
	switch {
	case cancelled:
		color.New(color.FgYellow).Fprintf(errOut, "Download cancelled, %d dives kept\n", dives)
	case status.OK() && dives == 0:
		fmt.Fprintln(errOut, "No new dives")
	case status.OK():
		color.New(color.FgGreen).Fprintf(errOut, "Downloaded %d dives\n", dives)
	default:
		color.New(color.FgRed).Fprintf(errOut, "Download ended with %s after %d dives\n", status, dives)
	}
}

// identify scans until a supported device (at address, when given) shows up.
func identify(ctx context.Context, env *cliEnv, matcher scanner.Matcher, address string) (scanner.Device, error) {
	opts := &scanner.Options{
		Duration:      env.cfg.Radio.ScanTimeout,
		SupportedOnly: true,
	}
	if address != "" {
		opts.AllowList = []string{address}
	}
	s := scanner.New(env.central, matcher, env.logger, opts)
	defer s.Close()

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Scan(scanCtx, nil)
		errCh <- err
	}()

	found := func(d scanner.Device) (scanner.Device, error) {
		cancel()
		<-errCh
		return d, nil
	}

	for {
		select {
		case ev := <-s.Events():
			if ev.Device.Supported() {
				return found(ev.Device)
			}
		case err := <-errCh:
			for _, d := range s.Devices() {
				if d.Supported() {
					return d, nil
				}
			}
			if err != nil {
				return scanner.Device{}, err
			}
			if ctx.Err() != nil {
				return scanner.Device{}, ctx.Err()
			}
			if address != "" {
				return scanner.Device{}, fmt.Errorf("%w: no supported dive computer advertising at %s", ErrNoModel, address)
			}
			return scanner.Device{}, fmt.Errorf("%w: no supported dive computer found within %s", ErrNoModel, env.cfg.Radio.ScanTimeout)
		}
	}
}
