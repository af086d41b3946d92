package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/srg/bledive/internal/engine"
	"github.com/srg/bledive/internal/session"
)

func newDescriptorsCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:     "descriptors",
		Aliases: []string{"models"},
		Short:   "List supported dive computer models",
		Long: `List the dive computer models that can be downloaded over BLE.

The vendor and product columns are the values accepted by
'bledive download --vendor --product'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setupEnv(cmd, true)
			if err != nil {
				return err
			}
			format, err := env.outputFormat(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			eng := env.newEngine()
			descs := session.NewController(env.central, eng, nil, nil, env.logger, nil).Descriptors()
			if all {
				descs = eng.Descriptors()
			}
			return displayDescriptors(cmd.OutOrStdout(), descs, format)
		},
	}
	cmd.Flags().StringP("format", "f", "table", "Output format (table, json)")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include models without BLE support")
	return cmd
}

func displayDescriptors(out io.Writer, descs []engine.Descriptor, format string) error {
	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(descs)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VENDOR\tPRODUCT\tFAMILY\tMODEL\tTRANSPORTS\tBLE NAMES")
	for _, d := range descs {
		names := strings.Join(d.NamePrefixes, ",")
		if names == "" {
			names = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t0x%02x\t%s\t%s\n", d.Vendor, d.Product, d.Family, d.Model, d.Transports, names)
	}
	return w.Flush()
}
