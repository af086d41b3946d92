package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/srg/bledive/internal/download"
)

func newFingerprintsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fingerprints",
		Short: "Manage stored download fingerprints",
		Long: `Fingerprints identify the newest dive downloaded from each dive computer.
The next download stops when it reaches that dive. Resetting them makes the
next download transfer every dive again.`,
	}
	cmd.AddCommand(newFingerprintsListCmd())
	cmd.AddCommand(newFingerprintsResetCmd())
	return cmd
}

func newFingerprintsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored fingerprints by device serial",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setupEnv(cmd, true)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			fingerprints, _, err := env.openStores()
			if err != nil {
				return err
			}
			keys, err := fingerprints.Keys()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(keys) == 0 {
				fmt.Fprintln(out, "No fingerprints stored")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SERIAL\tFINGERPRINT")
			for _, k := range keys {
				fp, ok, err := fingerprints.Load(k)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\n", k, hex.EncodeToString(fp))
			}
			return w.Flush()
		},
	}
}

func newFingerprintsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset [serial]",
		Short: "Forget stored fingerprints (all, or one device serial)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var serial uint64
			if len(args) == 1 {
				var err error
				serial, err = strconv.ParseUint(args[0], 10, 32)
				if err != nil {
					return fmt.Errorf("invalid serial %q: must be a decimal number", args[0])
				}
			}

			env, err := setupEnv(cmd, true)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				fingerprints, _, err := env.openStores()
				if err != nil {
					return err
				}
				if err := fingerprints.Delete(download.FingerprintKey(uint32(serial))); err != nil {
					return err
				}
				fmt.Fprintf(out, "Fingerprint for serial %d removed\n", serial)
				return nil
			}

			controller, err := env.newController()
			if err != nil {
				return err
			}
			defer controller.Close()

			n, err := controller.ResetFingerprints()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Removed %d fingerprints\n", n)
			return nil
		},
	}
}
