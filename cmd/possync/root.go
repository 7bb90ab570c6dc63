package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"bitbucket.org/mmdatafocus/tcgpos_sync/agent"
	"bitbucket.org/mmdatafocus/tcgpos_sync/appctx"
	"bitbucket.org/mmdatafocus/tcgpos_sync/config"
	"bitbucket.org/mmdatafocus/tcgpos_sync/models"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	DBPath  string
	Format  string
	Verbose bool
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "possync",
		Short: "Operate the POS catalog and journal sync on this terminal",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "path to the terminal SQLite database (default POS_DB_PATH)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newRunCommand(opts, "sync", "Pull the catalog (snapshot on first run, delta afterwards)", agent.OpCatalogSync))
	cmd.AddCommand(newRunCommand(opts, "reconcile", "Compare the local catalog manifest with the cloud and repair gaps", agent.OpCatalogReconcile))
	cmd.AddCommand(newFlushCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newResetCommand(opts))
	cmd.AddCommand(newExportCommand(opts))
	return cmd
}

func (o *rootOptions) logger() *logrus.Logger {
	logger := config.GetLogger()
	if o.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

// loadConfig reads the agent configuration. Local-only commands tolerate a
// missing cloud endpoint.
func (o *rootOptions) loadConfig(needCloud bool) (config.AgentConfig, error) {
	cfg, err := config.LoadAgentConfig()
	if o.DBPath != "" {
		cfg.DBPath = o.DBPath
		err = cfg.Validate()
	}
	if err != nil && (needCloud || cfg.DBPath == "") {
		return cfg, err
	}
	return cfg, nil
}

// openLocal opens the terminal database without any cloud wiring.
func (o *rootOptions) openLocal(ctx context.Context) (context.Context, *models.PosSyncRepo, func(), error) {
	cfg, err := o.loadConfig(false)
	if err != nil {
		return ctx, nil, nil, err
	}
	db, err := config.OpenSQLite(cfg.DBPath)
	if err != nil {
		return ctx, nil, nil, err
	}
	closeDB := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if err := models.MigrateTable(db); err != nil {
		closeDB()
		return ctx, nil, nil, err
	}
	ctx, err = scopeTerminal(ctx, db, cfg)
	if err != nil {
		closeDB()
		return ctx, nil, nil, err
	}
	return ctx, models.NewPosSyncRepo(db), closeDB, nil
}

func scopeTerminal(ctx context.Context, db *gorm.DB, cfg config.AgentConfig) (context.Context, error) {
	if cfg.TerminalId == "" {
		return ctx, nil
	}
	if err := db.Use(config.NewTerminalScopePlugin()); err != nil {
		return ctx, err
	}
	return appctx.Set(ctx, appctx.ContextKeyTerminalId, cfg.TerminalId), nil
}

func (o *rootOptions) print(w io.Writer, v any, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func printRun(w io.Writer, res *agent.RunResult) {
	fmt.Fprintf(w, "%s finished in %s (correlation %s)\n", res.Operation, res.Duration, res.CorrelationId)
	if s := res.Sync; s != nil {
		fmt.Fprintf(w, "  mode=%s fetched=%d pages=%d version=%s\n", s.Mode, s.Fetched, s.Pages, s.SnapshotVersion)
		fmt.Fprintf(w, "  inserted=%d updated=%d disabled=%d deleted=%d skipped=%d\n",
			s.Stats.Inserted, s.Stats.Updated, s.Stats.Disabled, s.Stats.Deleted, s.Stats.Skipped)
	}
	if f := res.Flush; f != nil {
		fmt.Fprintf(w, "  attempted=%d synced=%d retried=%d manual=%d\n", f.Attempted, f.Synced, f.Retried, f.ManualIntervention)
	}
}

func newRunCommand(opts *rootOptions, use, short string, op agent.Operation) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperations(cmd, opts, op)
		},
	}
}

func newFlushCommand(opts *rootOptions) *cobra.Command {
	targets := map[string][]agent.Operation{
		"sales":     {agent.OpFlushSales},
		"inventory": {agent.OpFlushInventory},
		"proof":     {agent.OpFlushProof},
		"all":       {agent.OpFlushSales, agent.OpFlushInventory, agent.OpFlushProof},
	}
	return &cobra.Command{
		Use:       "flush [sales|inventory|proof|all]",
		Short:     "Deliver due journal events to the cloud",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"sales", "inventory", "proof", "all"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "all"
			if len(args) == 1 {
				target = strings.ToLower(args[0])
			}
			ops, ok := targets[target]
			if !ok {
				return fmt.Errorf("unknown flush target %q", target)
			}
			return runOperations(cmd, opts, ops...)
		},
	}
}

func runOperations(cmd *cobra.Command, opts *rootOptions, ops ...agent.Operation) error {
	cfg, err := opts.loadConfig(true)
	if err != nil {
		return err
	}
	rt, err := agent.Build(cmd.Context(), cfg, opts.logger())
	if err != nil {
		return err
	}
	defer rt.Close()

	var results []*agent.RunResult
	for _, op := range ops {
		res, err := rt.Agent.RunOnce(cmd.Context(), op)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		results = append(results, res)
	}
	return opts.print(cmd.OutOrStdout(), results, func(w io.Writer) {
		for _, res := range results {
			printRun(w, res)
		}
	})
}
