package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/bledive/internal/radio"
	"github.com/srg/bledive/internal/scanner"
	"github.com/srg/bledive/internal/session"
)

type scanFlags struct {
	duration time.Duration
	format   string
	services []string
	allow    []string
	block    []string
	all      bool
	watch    bool
	simulate bool
}

func newScanCmd() *cobra.Command {
	f := &scanFlags{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for BLE dive computers",
		Long: `Scan for Bluetooth Low Energy dive computers in the vicinity.

Discovered devices are matched against the supported models by their
advertised name. Use --all to also list devices that match no model.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, f)
		},
	}

	cmd.Flags().DurationVarP(&f.duration, "duration", "d", 0, "Scan duration (default from config radio.scan_timeout)")
	cmd.Flags().StringVarP(&f.format, "format", "f", "table", "Output format (table, json)")
	cmd.Flags().StringSliceVarP(&f.services, "services", "s", nil, "Filter by advertised service UUIDs")
	cmd.Flags().StringSliceVar(&f.allow, "allow", nil, "Only show devices with these addresses")
	cmd.Flags().StringSliceVar(&f.block, "block", nil, "Hide devices with these addresses")
	cmd.Flags().BoolVarP(&f.all, "all", "a", false, "Include devices that match no supported model")
	cmd.Flags().BoolVarP(&f.watch, "watch", "w", false, "Print devices as they are discovered")
	cmd.Flags().BoolVar(&f.simulate, "simulate", false, "Use the simulated dive computer")
	return cmd
}

func runScan(cmd *cobra.Command, f *scanFlags) error {
	for _, u := range f.services {
		if radio.NormalizeUUID(u) == "" {
			return fmt.Errorf("invalid service UUID: %q", u)
		}
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

	duration := env.cfg.Radio.ScanTimeout
	if f.duration > 0 {
		duration = f.duration
	}

	matcher := session.NewController(env.central, env.newEngine(), nil, nil, env.logger, nil)
	s := scanner.New(env.central, matcher, env.logger, &scanner.Options{
		Duration:      duration,
		SupportedOnly: !f.all,
		ServiceUUIDs:  f.services,
		AllowList:     f.allow,
		BlockList:     f.block,
	})
	defer s.Close()

	ctx, stop := withInterrupt(cmd.Context(), cmd.ErrOrStderr(), "scan")
	defer stop()

	out := cmd.OutOrStdout()
	if f.watch {
		return runWatch(ctx, s, out)
	}

	if isTerminal(cmd.ErrOrStderr()) {
		progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for dive computers", "Scanning", duration, "Processing results")
		progress.Start()
		defer progress.Stop()
		devices, err := s.Scan(ctx, progress.Callback())
		if err != nil {
			return err
		}
		progress.Stop()
		return displayDevices(out, devices, format)
	}

	devices, err := s.Scan(ctx, nil)
	if err != nil {
		return err
	}
	return displayDevices(out, devices, format)
}

// runWatch prints each newly discovered device while the scan runs.
func runWatch(ctx context.Context, s *scanner.Scanner, out io.Writer) error {
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Scan(ctx, nil)
		errCh <- err
	}()

	for {
		select {
		case err := <-errCh:
			for drained := false; !drained; {
				select {
				case ev := <-s.Events():
					printWatchEvent(out, ev)
				default:
					drained = true
				}
			}
			if n := s.Dropped(); n > 0 {
				fmt.Fprintf(out, "(%d updates dropped)\n", n)
			}
			return err
		case ev := <-s.Events():
			printWatchEvent(out, ev)
		}
	}
}

func printWatchEvent(out io.Writer, ev scanner.Event) {
	if ev.Type != scanner.EventNew {
		return
	}
	d := ev.Device
	fmt.Fprintf(out, "%s %s %s %d dBm %s\n",
		color.GreenString("+"), d.Address, displayName(d), d.RSSI, modelName(d))
}

func displayName(d scanner.Device) string {
	if d.Name == "" {
		return "(unnamed)"
	}
	return d.Name
}

func modelName(d scanner.Device) string {
	if d.Descriptor == nil {
		return "-"
	}
	return d.Descriptor.String()
}

func displayDevices(out io.Writer, devices []scanner.Device, format string) error {
	if format == "json" {
		return displayDevicesJSON(out, devices)
	}
	if len(devices) == 0 {
		fmt.Fprintln(out, "No dive computers discovered")
		return nil
	}
	return displayDevicesTable(out, devices)
}

func displayDevicesTable(out io.Writer, devices []scanner.Device) error {
	rows := make([]string, 0, len(devices))
	for _, d := range devices {
		name := displayName(d)
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		service := d.SerialService
		if service == "" {
			service = "-"
		}
		lastSeen := time.Since(d.LastSeen).Truncate(time.Second)

		rows = append(rows, fmt.Sprintf("%s\t%s\t%d dBm\t%s\t%s\t%s ago",
			name, d.Address, d.RSSI, modelName(d), service, lastSeen))
	}
	return writeTable(out, "NAME\tADDRESS\tRSSI\tMODEL\tSERVICE\tLAST SEEN", rows)
}

type deviceJSON struct {
	Name      string   `json:"name"`
	Address   string   `json:"address"`
	RSSI      int      `json:"rssi"`
	Vendor    string   `json:"vendor,omitempty"`
	Product   string   `json:"product,omitempty"`
	Service   string   `json:"service,omitempty"`
	Services  []string `json:"services,omitempty"`
	Supported bool     `json:"supported"`
}

func displayDevicesJSON(out io.Writer, devices []scanner.Device) error {
	list := make([]deviceJSON, 0, len(devices))
	for _, d := range devices {
		j := deviceJSON{
			Name:      d.Name,
			Address:   d.Address,
			RSSI:      d.RSSI,
			Service:   d.SerialService,
			Services:  d.Services,
			Supported: d.Supported(),
		}
		if d.Descriptor != nil {
			j.Vendor = d.Descriptor.Vendor
			j.Product = d.Descriptor.Product
		}
		list = append(list, j)
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(list)
}
