package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/local/docpdf/internal/cleanup"
	"github.com/local/docpdf/internal/filetype"
	"github.com/local/docpdf/internal/staging"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired files from both staging areas now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			comp, err := ctx.build(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer comp.close()

			rep, sweepErr := comp.sweeper.Sweep(cmd.Context())
			out := cmd.OutOrStdout()
			if asJSON {
				if err := writeJSON(cmd, rep); err != nil {
					return err
				}
				return sweepErr
			}
			rows := [][]string{
				{"uploads", strconv.Itoa(rep.DeletedUploads)},
				{"outputs", strconv.Itoa(rep.DeletedOutputs)},
				{"total", strconv.Itoa(rep.TotalDeleted)},
			}
			fmt.Fprintln(out, renderTable([]string{"Area", "Deleted"}, rows, []columnAlignment{alignLeft, alignRight}))
			for _, p := range append(rep.UploadFiles, rep.OutputFiles...) {
				fmt.Fprintln(out, "  removed", p)
			}
			return sweepErr
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show staging area usage and cleanup settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			comp, err := ctx.build(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer comp.close()

			st := comp.sweeper.Stats()
			if asJSON {
				return writeJSON(cmd, st)
			}
			rows := [][]string{
				areaRow("uploads", ctx.config.Storage.UploadDir, st.UploadDir),
				areaRow("outputs", ctx.config.Storage.OutputDir, st.OutputDir),
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable(
				[]string{"Area", "Path", "Exists", "Files", "Size"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight},
			))
			fmt.Fprintf(out, "cleanup enabled=%t interval=%dm expire=%dh\n",
				st.CleanupEnabled, st.CleanupIntervalMinutes, st.FileExpireHours)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the statistics as JSON")
	return cmd
}

func areaRow(name, path string, a cleanup.AreaStats) []string {
	return []string{name, path, strconv.FormatBool(a.Exists), humanize.Comma(int64(a.FileCount)), a.TotalSizeHuman}
}

func newConvertCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "convert <file>",
		Short: "Convert one local document to PDF and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if !filetype.IsSupported(path) {
				return fmt.Errorf("unsupported file type %q", filepath.Ext(path))
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			comp, err := ctx.build(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer comp.close()

			res, err := comp.flow.RunSync(cmd.Context(), filepath.Base(path), content)
			if err != nil {
				return err
			}
			output := ""
			if res.Success {
				output = filepath.Join(comp.store.Dir(staging.Outbound), res.OutputName)
			}
			rows := [][]string{
				{"success", strconv.FormatBool(res.Success)},
				{"message", res.Message},
				{"staged", res.InputName},
				{"output", output},
				{"pages", strconv.Itoa(res.Pages)},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, nil))
			if !res.Success {
				return fmt.Errorf("conversion failed: %s", res.Message)
			}
			return nil
		},
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
