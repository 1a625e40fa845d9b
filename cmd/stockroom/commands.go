package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/stockroom/internal/app"
	"github.com/agentworkforce/stockroom/internal/httpapi"
	"github.com/agentworkforce/stockroom/internal/inventory"
	"github.com/agentworkforce/stockroom/internal/mapping"
	"github.com/agentworkforce/stockroom/internal/refdata"
	"github.com/agentworkforce/stockroom/internal/watcher"
)

const writebackWaitTimeout = 30 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local API and reload on sheet changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(opts, func(a *app.App) error {
				if addr == "" {
					addr = a.Config.ListenAddr
				}
				return serve(ctx, a, addr)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default listen_addr from config)")
	return cmd
}

func serve(ctx context.Context, a *app.App, addr string) error {
	if _, err := a.Manager.ReloadAll(ctx); err != nil {
		return err
	}
	a.SyncBuyers()

	var w *watcher.Watcher
	afterReload := func() {
		a.SyncBuyers()
		if _, err := w.Sync(a.WatchedFiles()); err != nil {
			a.Logger.Error().Err(err).Msg("watch refresh failed")
		}
	}
	w = watcher.New(watcher.Options{
		Debounce: a.Config.Debounce,
		Reload: func(ctx context.Context) error {
			_, err := a.Manager.ReloadAll(ctx)
			return err
		},
		Notify: func(err error) {
			if err != nil {
				a.Logger.Error().Err(err).Msg("reload after change failed")
				return
			}
			afterReload()
		},
		Logger: a.Logger.With().Str("component", "watcher").Logger(),
	})
	defer w.Close()
	if _, err := w.Sync(a.WatchedFiles()); err != nil {
		return err
	}

	server := &http.Server{
		Addr: addr,
		Handler: httpapi.NewServerWithConfig(a.Manager, a.Activity, httpapi.ServerConfig{
			APIToken:        a.Config.APIToken,
			RateLimitMax:    intEnv("STOCKROOM_RATE_LIMIT_MAX", 0),
			RateLimitWindow: durationEnv("STOCKROOM_RATE_LIMIT_WINDOW", time.Minute),
			MaxBodyBytes:    int64Env("STOCKROOM_MAX_BODY_BYTES", 0),
			Logger:          a.Logger.With().Str("component", "httpapi").Logger(),
			OnReload:        afterReload,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", addr).Strs("dirs", w.Dirs()).Msg("stockroom listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.Logger.Info().Msg("shutting down")
	return server.Shutdown(shutdownCtx)
}

func newReloadCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Rebuild the consolidated inventory and report each source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app.App) error {
				summary, err := a.Manager.ReloadAll(cmd.Context())
				if err != nil {
					return err
				}
				a.SyncBuyers()
				out := cmd.OutOrStdout()
				if opts.json {
					return printJSON(out, summary)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SOURCE\tSTATUS\tROWS")
				for _, source := range summary.Sources {
					fmt.Fprintf(tw, "%s\t%s\t%d\n", source.DisplayName, source.Status, source.Rows)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(out, "%d items, %d hidden, %d conflicts\n", summary.Items, summary.Hidden, summary.Conflicts)
				return nil
			})
		},
	}
}

func newMapCommand(opts *rootOptions) *cobra.Command {
	var (
		sheetName string
		supplier  string
		columns   []string
	)
	cmd := &cobra.Command{
		Use:   "map <file>",
		Short: "Map a spreadsheet's columns to inventory fields",
		Example: `  stockroom map stock.xlsx --sheet Phones --column IMEI=imei --column "Model Name=model" --column Cost=price
  stockroom map returns.csv --column Serial=imei --column Phone=model`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			columnMap, err := parseColumns(columns)
			if err != nil {
				return err
			}
			return withApp(opts, func(a *app.App) error {
				key := mapping.SourceKey(path, sheetName)
				entry := mapping.Entry{FilePath: path, SheetName: sheetName, Mapping: columnMap, Supplier: supplier}
				if err := a.Mappings.Set(key, entry); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "mapped %s (%d columns)\n", key, len(columnMap))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sheetName, "sheet", "", "worksheet name (xlsx only; default first sheet)")
	cmd.Flags().StringVar(&supplier, "supplier", "", "supplier recorded on rows without a supplier column")
	cmd.Flags().StringArrayVar(&columns, "column", nil, "header=field pair, repeatable")
	_ = cmd.MarkFlagRequired("column")
	return cmd
}

// parseColumns turns "Header=field" pairs into a column to field map. Field
// names must be canonical and imei and model are required.
func parseColumns(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	fields := map[string]bool{}
	for _, pair := range pairs {
		column, field, ok := strings.Cut(pair, "=")
		column, field = strings.TrimSpace(column), strings.ToLower(strings.TrimSpace(field))
		if !ok || column == "" || field == "" {
			return nil, fmt.Errorf("invalid column mapping %q, want Header=field", pair)
		}
		if !mapping.IsField(field) {
			return nil, fmt.Errorf("unknown field %q", field)
		}
		out[column] = field
		fields[field] = true
	}
	for _, required := range []string{mapping.FieldIMEI, mapping.FieldModel} {
		if !fields[required] {
			return nil, fmt.Errorf("mapping must include the %s field", required)
		}
	}
	return out, nil
}

func newUnmapCommand(opts *rootOptions) *cobra.Command {
	var sheetName string
	cmd := &cobra.Command{
		Use:   "unmap <file>",
		Short: "Forget a spreadsheet mapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			return withApp(opts, func(a *app.App) error {
				key := mapping.SourceKey(path, sheetName)
				if _, ok := a.Mappings.Get(key); !ok {
					return fmt.Errorf("no mapping for %s", key)
				}
				if err := a.Mappings.Remove(key); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sheetName, "sheet", "", "worksheet name")
	return cmd
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "status <id> <IN|OUT|RTN>",
		Short: "Change an item's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(opts, func(a *app.App) error {
				if _, err := a.Manager.ReloadAll(cmd.Context()); err != nil {
					return err
				}
				result, err := a.Manager.UpdateStatus(cmd.Context(), id, args[1], write)
				if err != nil {
					return err
				}
				return reportUpdate(cmd, opts, a, result)
			})
		},
	}
	cmd.Flags().BoolVar(&write, "write", false, "also write the status into the source sheet")
	return cmd
}

func newUpdateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "update <id> field=value...",
		Short:   "Edit item fields and write them back to the source sheet",
		Example: "  stockroom update 42 buyer=\"Ravi Kumar\" buyer_contact=98450 price_original=12500",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			patch := map[string]any{}
			for _, pair := range args[1:] {
				field, value, ok := strings.Cut(pair, "=")
				if !ok || strings.TrimSpace(field) == "" {
					return fmt.Errorf("invalid field assignment %q, want field=value", pair)
				}
				patch[strings.TrimSpace(field)] = value
			}
			return withApp(opts, func(a *app.App) error {
				if _, err := a.Manager.ReloadAll(cmd.Context()); err != nil {
					return err
				}
				result, err := a.Manager.UpdateData(cmd.Context(), id, patch)
				if err != nil {
					return err
				}
				a.SyncBuyers()
				return reportUpdate(cmd, opts, a, result)
			})
		},
	}
}

// reportUpdate prints the update outcome, waiting for the writeback when one
// was queued.
func reportUpdate(cmd *cobra.Command, opts *rootOptions, a *app.App, result inventory.UpdateResult) error {
	out := cmd.OutOrStdout()
	var writeback *inventory.WritebackResult
	if result.OpID != "" {
		ctx, cancel := context.WithTimeout(cmd.Context(), writebackWaitTimeout)
		defer cancel()
		res, err := a.Manager.Wait(ctx, result.OpID)
		if err != nil {
			return err
		}
		writeback = &res
	}
	if opts.json {
		return printJSON(out, map[string]any{"update": result, "writeback": writeback})
	}
	if result.RedirectedFrom != nil {
		fmt.Fprintf(out, "item %d was merged into %d\n", *result.RedirectedFrom, result.ID)
	}
	fmt.Fprintf(out, "updated item %d\n", result.ID)
	if writeback != nil {
		fmt.Fprintln(out, writeback.Message)
		if !writeback.OK {
			return fmt.Errorf("writeback failed: %s", writeback.Message)
		}
	}
	return nil
}

func newMergeCommand(opts *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "merge [imei]",
		Short: "List duplicate IMEIs, or merge one conflict into its first row",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app.App) error {
				if _, err := a.Manager.ReloadAll(cmd.Context()); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				switch {
				case len(args) == 1:
					result, err := a.Manager.ResolveConflictByIMEI(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return printMerge(out, opts, []inventory.MergeResult{result})
				case all:
					var results []inventory.MergeResult
					for _, c := range a.Manager.Conflicts() {
						result, err := a.Manager.ResolveConflict(cmd.Context(), c)
						if err != nil {
							return err
						}
						results = append(results, result)
					}
					return printMerge(out, opts, results)
				default:
					conflicts := a.Manager.Conflicts()
					if opts.json {
						return printJSON(out, conflicts)
					}
					tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "IMEI\tMODEL\tIDS\tSOURCES")
					for _, c := range conflicts {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.IMEI, c.Model, joinInts(c.UniqueIDs), strings.Join(c.Sources, ", "))
					}
					return tw.Flush()
				}
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "merge every current conflict")
	return cmd
}

func printMerge(out io.Writer, opts *rootOptions, results []inventory.MergeResult) error {
	if opts.json {
		return printJSON(out, results)
	}
	for _, result := range results {
		if len(result.Merged) == 0 {
			fmt.Fprintf(out, "item %d: nothing to merge\n", result.Keeper)
			continue
		}
		fmt.Fprintf(out, "merged %s into %d\n", joinInts(result.Merged), result.Keeper)
	}
	return nil
}

func newRepairCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Fix broken merge pointers in the ID registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app.App) error {
				report, err := a.Registry.Repair()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.json {
					return printJSON(out, report)
				}
				if !report.Changed() {
					fmt.Fprintln(out, "registry is consistent")
					return nil
				}
				fmt.Fprintf(out, "self merges: %d\ncollapsed chains: %d\ndangling pointers: %d\ncycles: %d\n",
					report.SelfMerges, report.Collapsed, report.Dangling, report.Cycles)
				return nil
			})
		},
	}
}

func newExportCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export [path]",
		Short: "Export the inventory and its history to a workbook",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app.App) error {
				path := filepath.Join(a.Config.OutputFolder, "Inventory_Export_"+time.Now().Format("20060102_150405")+".xlsx")
				if len(args) == 1 {
					path = args[0]
				}
				if _, err := a.Manager.ReloadAll(cmd.Context()); err != nil {
					return err
				}
				if err := a.Manager.Export(path); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported %d items to %s\n", len(a.Manager.Rows()), path)
				return nil
			})
		},
	}
}

func newBackupsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List or restore spreadsheet backups",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list <file>",
		Short: "List retained backups of a source file, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app.App) error {
				entries, err := a.Backups.ListFor(args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.json {
					return printJSON(out, entries)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "BACKUP\tSIZE\tMODIFIED")
				for _, entry := range entries {
					fmt.Fprintf(tw, "%s\t%d\t%s\n", entry.Path, entry.Size, entry.ModTime.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "restore <backup> <target>",
		Short: "Copy a backup over its source file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app.App) error {
				if err := a.Backups.Restore(args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "restored %s from %s\n", args[1], filepath.Base(args[0]))
				return nil
			})
		},
	})
	return cmd
}

func newListsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "lists <colors|buyers|grades> [add|remove <value>]",
		Short:     "Show or edit the pick lists offered when editing items",
		ValidArgs: []string{string(refdata.Colors), string(refdata.Buyers), string(refdata.Grades)},
		Args:      cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			list := refdata.List(strings.ToLower(args[0]))
			return withApp(opts, func(a *app.App) error {
				switch {
				case len(args) == 3 && args[1] == "add":
					if err := a.RefData.Add(list, args[2]); err != nil {
						return err
					}
				case len(args) == 3 && args[1] == "remove":
					if err := a.RefData.Remove(list, args[2]); err != nil {
						return err
					}
				case len(args) != 1:
					return fmt.Errorf("usage: %s", cmd.Use)
				}
				values, err := a.RefData.Values(list)
				if err != nil {
					return err
				}
				if opts.json {
					return printJSON(cmd.OutOrStdout(), values)
				}
				for _, value := range values {
					fmt.Fprintln(cmd.OutOrStdout(), value)
				}
				return nil
			})
		},
	}
	return cmd
}

func parseID(raw string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid item id %q", raw)
	}
	return id, nil
}

func joinInts(ids []int) string {
	sorted := append([]int(nil), ids...)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ", ")
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
