package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mwa-ops/shadower/internal/askap"
	"github.com/mwa-ops/shadower/internal/clock"
	"github.com/mwa-ops/shadower/internal/core"
	"github.com/mwa-ops/shadower/internal/dispatch"
	"github.com/mwa-ops/shadower/internal/mwa"
	"github.com/mwa-ops/shadower/internal/telemetry"
)

// newLogger builds the scoped logging handle for one worker. With a log dir
// configured the stream is duplicated into a per-sbid file.
func newLogger(dir string, sbid int) zerolog.Logger {
	w := io.Writer(os.Stderr)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err == nil {
			name := filepath.Join(dir, fmt.Sprintf("%d.mwatrigger.log", sbid))
			if f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
				w = zerolog.MultiLevelWriter(os.Stderr, f)
			}
		}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// Drive the trigger sequence for a single scheduling block
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Schedule MWA trigger observations for one ASKAP scheduling block",
		RunE: func(cmd *cobra.Command, args []string) error {
			sbid, _ := cmd.Flags().GetInt("sbid")
			project, _ := cmd.Flags().GetString("project")
			dryrun, _ := cmd.Flags().GetBool("dryrun")
			cfgPath, _ := cmd.Flags().GetString("config")

			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log.Dir, sbid)

			secrets, err := core.LoadSecretsEnv("")
			if err != nil {
				return err
			}
			key, err := core.SecureKeyFor(secrets, project)
			if err != nil && !dryrun {
				return err
			}

			clk := clock.New(cfg.Clock.NTPPool, logger)
			store, err := core.NewStore(cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("open trigger store: %w", err)
			}
			defer store.Close()

			askapClient := askap.NewClient(cfg.ASKAP.BaseURL, cfg.ASKAPTimeout())
			resolver := askap.NewResolver(askapClient, logger)

			defaults := cfg.ProjectDefaults(project)
			hold := time.Duration(defaults.ExpTime) * time.Second
			oracle := mwa.NewOracle(cfg.MWA.TriggerURL, project, hold, cfg.MWATimeout(), logger)

			trigger, err := mwa.NewClient(mwa.ClientConfig{
				BaseURL:   cfg.MWA.TriggerURL,
				TrigType:  cfg.MWA.TrigType,
				ProjectID: project,
				SecureKey: key,
				Timeout:   cfg.MWATimeout(),
				AuditDir:  cfg.MWA.AuditDir,
				DryRun:    dryrun,
				Defaults:  defaults,
			}, clk, logger)
			if err != nil {
				return err
			}

			tel := telemetry.NewCollector(true, 30*time.Second, logger)
			defer tel.Shutdown()

			engine := core.NewEngine(core.EngineParams{
				SBID:      sbid,
				Status:    askapClient,
				Resolver:  resolver,
				Readiness: oracle,
				Trigger:   trigger,
				Store:     store,
				Clock:     clk,
				Config:    cfg.EngineConfig(defaults.ExpTime),
				Telemetry: tel,
				Log:       logger,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return engine.Run(ctx)
		},
	}
	cmd.Flags().IntP("sbid", "s", 0, "ASKAP scheduling block id")
	cmd.Flags().StringP("project", "p", "T001", "MWA project id for the triggered observations")
	cmd.Flags().Bool("dryrun", false, "log trigger decisions without issuing remote calls")
	_ = cmd.MarkFlagRequired("sbid")
	return cmd
}

// Listen to the scheduling-block state feed and dispatch workers
func newListenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Watch scheduling-block state changes and dispatch trigger workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			alias, _ := cmd.Flags().GetString("alias")
			dryrun, _ := cmd.Flags().GetBool("dryrun")
			cfgPath, _ := cmd.Flags().GetString("config")

			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

			rule, ok := cfg.Rule(alias)
			if !ok {
				return fmt.Errorf("no dispatch rule for alias %q and no default", alias)
			}
			logger.Info().Strs("askap_projects", rule.ASKAPProjectIDs).
				Str("mwa_project", rule.MWAProjectID).Msg("dispatch rule loaded")

			bin, err := os.Executable()
			if err != nil {
				return err
			}

			askapClient := askap.NewClient(cfg.ASKAP.BaseURL, cfg.ASKAPTimeout())
			dispatcher := dispatch.New(askapClient, bin, rule.MWAProjectID, rule.ASKAPProjectIDs, dryrun, logger)
			watcher := askap.NewWatcher(askapClient, cfg.ASKAPPoll(), logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err = watcher.Run(ctx, func(ev askap.StateEvent) {
				dispatcher.Handle(ctx, ev)
			})
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
	cmd.Flags().String("alias", "default", "dispatch rule alias")
	cmd.Flags().Bool("dryrun", false, "dispatch workers in dry-run mode")
	return cmd
}

// Write a starter configuration
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "shadower initialization command. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if err := core.WriteDefaultConfig(cfgPath); err != nil {
				return err
			}
			if cfgPath == "" {
				cfgPath = core.DefaultConfigPath()
			}
			fmt.Printf("wrote starter config to %s\n", cfgPath)
			fmt.Println("add MWA_SECURE_KEY_<PROJECT> entries to secrets.env next to it")
			return nil
		},
	}
}
