// Command defectlevels analyzes point-defect formation energy diagrams:
// it loads a batch of charge-state energy records, solves the lower
// envelope of each configuration, and reports transition levels, stable
// charge ranges, and correlation energies.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/talgya/defect-levels/internal/api"
	"github.com/talgya/defect-levels/internal/config"
	"github.com/talgya/defect-levels/internal/defect"
	"github.com/talgya/defect-levels/internal/diagram"
	"github.com/talgya/defect-levels/internal/filter"
	"github.com/talgya/defect-levels/internal/persistence"
	"github.com/talgya/defect-levels/internal/uvalue"
)

func main() {
	var (
		verbose bool
		cfgPath string
		cfg     config.Config
	)

	rootCmd := &cobra.Command{
		Use:   "defectlevels",
		Short: "Point-defect formation energy diagram analysis",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			}))
			slog.SetDefault(logger)

			cfg = config.Default()
			if cfgPath != "" {
				loaded, err := config.Load(cfgPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to config.yaml")

	rootCmd.AddCommand(analyzeCmd(&cfg))
	rootCmd.AddCommand(uCmd())
	rootCmd.AddCommand(inspectCmd())
	rootCmd.AddCommand(archiveCmd(&cfg))
	rootCmd.AddCommand(serveCmd(&cfg))
	rootCmd.AddCommand(initCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// filterFlags binds the filtering options shared by analyze and serve.
func filterFlags(cmd *cobra.Command, opts *filter.Options) {
	cmd.Flags().StringSliceVar(&opts.Keywords, "keywords", nil, "Keep only records matching these patterns")
	cmd.Flags().StringSliceVar(&opts.Include, "include", nil, "Re-admit excluded records matching these patterns")
	cmd.Flags().StringSliceVar(&opts.Exclude, "exclude", nil, "Drop records matching these patterns")
	cmd.Flags().StringSliceVar(&opts.Whitelist, "whitelist", nil, "Keep exactly these canonical names")
	cmd.Flags().BoolVar(&opts.DropUnconverged, "drop-unconverged", true, "Drop unconverged records")
	cmd.Flags().BoolVar(&opts.DropShallow, "drop-shallow", true, "Drop perturbed-host (shallow) records")
}

func analyzeCmd(cfg *config.Config) *cobra.Command {
	var (
		opts    filter.Options
		xMin    float64
		xMax    float64
		archive bool
	)

	cmd := &cobra.Command{
		Use:   "analyze <dataset.json>",
		Short: "Solve all diagrams of a batch and print the transition levels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := defect.LoadFile(args[0])
			if err != nil {
				return err
			}
			slog.Info("dataset loaded",
				"path", args[0],
				"title", ds.Title,
				"records", ds.Len(),
				"band_gap", fmt.Sprintf("%.3f", ds.BandGap()))

			view, removals, err := filter.Apply(ds, opts)
			if err != nil {
				return err
			}
			for _, r := range removals {
				slog.Info("record filtered out", "canonical", r.Canonical, "reason", string(r.Reason))
			}

			dom := diagram.DefaultDomain(view.BandGap)
			if cmd.Flags().Changed("x-min") || cmd.Flags().Changed("x-max") {
				dom = diagram.Domain{XMin: xMin, XMax: xMax}
			}

			profiles, err := diagram.BuildAll(cmd.Context(), view, dom, cfg.Tolerance, cfg.Workers)
			if err != nil {
				return err
			}

			printProfiles(cmd, profiles)
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s solved, %s filtered out\n",
				countNoun(len(profiles), "configuration"), countNoun(len(removals), "record"))

			if archive {
				db, err := persistence.Open(cfg.ArchivePath)
				if err != nil {
					return err
				}
				defer db.Close()
				id, err := db.SaveBatch(ds, profiles, cfg.Tolerance)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "archived as %s\n", id)
			}
			return nil
		},
	}

	filterFlags(cmd, &opts)
	cmd.Flags().Float64Var(&xMin, "x-min", 0, "Lower Fermi-level bound (eV above VBM)")
	cmd.Flags().Float64Var(&xMax, "x-max", 0, "Upper Fermi-level bound (eV above VBM)")
	cmd.Flags().BoolVar(&archive, "archive", false, "Archive the solved batch")
	return cmd
}

func printProfiles(cmd *cobra.Command, profiles map[string]*diagram.Profile) {
	out := cmd.OutOrStdout()

	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := profiles[name]
		fmt.Fprintf(out, "\n%s  [%g, %g]\n", name, p.Domain.XMin, p.Domain.XMax)
		for _, seg := range p.Segments {
			fmt.Fprintf(out, "  q=%+d stable over [%.4f, %.4f]\n", seg.Charge, seg.XStart, seg.XEnd)
		}
		for _, c := range p.Transitions {
			fmt.Fprintf(out, "  ε(%+d/%+d) = %.4f eV (formation energy %.4f eV)\n",
				c.Upper, c.Lower, c.X, c.Y)
		}
		if p.NegativeAtXMin {
			fmt.Fprintf(out, "  note: negatively charged across the whole domain start\n")
		}
		if p.PositiveAtXMax {
			fmt.Fprintf(out, "  note: positively charged up to the domain end\n")
		}
		if !p.Monotonic {
			fmt.Fprintf(out, "  warning: stable charge is not monotonic; inspect the input energies\n")
		}
	}
}

func uCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "u <dataset.json> <name> <q> <q+1> <q+2>",
		Short: "Compute the correlation energy U over three consecutive charges",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := defect.LoadFile(args[0])
			if err != nil {
				return err
			}

			charges := make([]int, 3)
			for i, arg := range args[2:] {
				q, err := strconv.Atoi(arg)
				if err != nil {
					return fmt.Errorf("invalid charge %q: %w", arg, err)
				}
				charges[i] = q
			}

			result, err := uvalue.Compute(ds, args[1], charges, nil)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  U(%+d/%+d/%+d) = %.4f eV\n",
				result.Name, result.Charges[0], result.Charges[1], result.Charges[2], result.U)
			for i := range result.Charges {
				label := result.Annotations[i]
				if label == "" {
					label = "-"
				}
				fmt.Fprintf(out, "  q=%+d  E=%.4f eV  annotation=%s\n",
					result.Charges[i], result.Energies[i], label)
			}
			if result.NegativeU() {
				fmt.Fprintln(out, "  negative-U center: the intermediate charge state is never stable")
			}
			return nil
		},
	}
	return cmd
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <dataset.json>",
		Short: "Print every record of a dataset, side tables included",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := defect.LoadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  vbm=%.3f cbm=%.3f gap=%.3f  %s\n\n",
				ds.Title, ds.VBM, ds.CBM, ds.BandGap(), countNoun(ds.Len(), "record"))
			fmt.Fprint(cmd.OutOrStdout(), ds.String())
			return nil
		},
	}
}

func archiveCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Work with the batch archive",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the most recent archived batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := persistence.Open(cfg.ArchivePath)
			if err != nil {
				return err
			}
			defer db.Close()

			batches, err := db.RecentBatches(30)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(batches) == 0 {
				fmt.Fprintln(out, "archive is empty")
				return nil
			}
			for _, b := range batches {
				fmt.Fprintf(out, "%s  %-20s %s  %s, %s  eps=%g\n",
					b.ID, b.Title, humanize.Time(b.CreatedAt),
					countNoun(b.Records, "record"), countNoun(b.Profiles, "profile"),
					b.Tolerance)
			}
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show <batch-id>",
		Short: "Print the archived diagrams of one batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := persistence.Open(cfg.ArchivePath)
			if err != nil {
				return err
			}
			defer db.Close()

			profiles, err := db.LoadProfiles(args[0])
			if err != nil {
				return err
			}
			printProfiles(cmd, profiles)
			return nil
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func serveCmd(cfg *config.Config) *cobra.Command {
	var opts filter.Options

	cmd := &cobra.Command{
		Use:   "serve <dataset.json>",
		Short: "Serve the solved diagrams over HTTP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := defect.LoadFile(args[0])
			if err != nil {
				return err
			}

			var db *persistence.DB
			if cfg.ArchivePath != "" {
				db, err = persistence.Open(cfg.ArchivePath)
				if err != nil {
					return err
				}
				defer db.Close()
			}

			srv := &api.Server{
				Dataset:   ds,
				Filter:    opts,
				Tolerance: cfg.Tolerance,
				Workers:   cfg.Workers,
				DB:        db,
				Port:      cfg.API.Port,
				AdminKey:  adminKey(cfg),
			}
			if err := srv.Solve(cmd.Context()); err != nil {
				return err
			}
			srv.Start()

			<-cmd.Context().Done()
			return nil
		},
	}

	filterFlags(cmd, &opts)
	return cmd
}

// adminKey prefers the environment over the config file so the token stays
// out of committed configs.
func adminKey(cfg *config.Config) string {
	if key := os.Getenv("DEFECTLEVELS_ADMIN_KEY"); key != "" {
		return key
	}
	return cfg.API.AdminKey
}

func initCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default config.yaml",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Default().Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func countNoun(n int, noun string) string {
	s := fmt.Sprintf("%s %s", humanize.Comma(int64(n)), noun)
	if n != 1 {
		s += "s"
	}
	return s
}
