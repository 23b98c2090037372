package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/froyo-ecs/pkg/config"
	"github.com/openfroyo/froyo-ecs/pkg/engine"
	"github.com/openfroyo/froyo-ecs/pkg/policy"
	"github.com/openfroyo/froyo-ecs/pkg/stores"
	"github.com/openfroyo/froyo-ecs/pkg/telemetry"
)

type runFlags struct {
	ticks        uint64
	watch        bool
	journal      string
	metricsAddr  string
	trace        string
	otlpEndpoint string
}

func newRunCommand(version string) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run <manifest>",
		Short: "Run a schedule manifest",
		Long: `Run the stages of a manifest at its tick rate.

The loop stops after --ticks ticks, on interrupt, or when a tick fails.
With --watch the manifest, its script sources and its policy paths are
watched; a changed manifest is rebuilt between ticks and replaces the
running stages only if it builds, plans and passes enforced policies.`,
		Example: `  # Run until interrupted
  froyo-ecs run physics.yaml

  # Run 600 ticks and journal them to SQLite
  froyo-ecs run physics.yaml --ticks 600 --journal sqlite:froyo.db

  # Hot reload, Prometheus metrics and stdout traces
  froyo-ecs run physics.yaml --watch --metrics-addr :9090 --trace stdout`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runManifest(cmd.Context(), args[0], version, flags)
		},
	}

	cmd.Flags().Uint64VarP(&flags.ticks, "ticks", "n", 0, "stop after this many ticks (0 runs until interrupted)")
	cmd.Flags().BoolVarP(&flags.watch, "watch", "w", false, "reload the manifest when it changes")
	cmd.Flags().StringVar(&flags.journal, "journal", "", "journal ticks to sqlite:<path> or postgres:<dsn>")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&flags.trace, "trace", "none", "trace exporter (none, stdout, otlp)")
	cmd.Flags().StringVar(&flags.otlpEndpoint, "otlp-endpoint", "localhost:4317", "OTLP collector endpoint")

	return cmd
}

func runManifest(ctx context.Context, path, version string, flags runFlags) error {
	m, err := loadManifest(path)
	if err != nil {
		return err
	}

	opts, policies, err := engineOptions(ctx, m)
	if err != nil {
		return err
	}

	tel, err := newTelemetry(version, flags)
	if err != nil {
		return err
	}
	if tel != nil {
		opts.Telemetry = tel
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Telemetry shutdown failed")
			}
		}()

		if flags.metricsAddr != "" {
			server, err := tel.StartMetricsServer()
			if err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}
			defer server.Shutdown(context.Background())
			log.Info().Str("addr", server.Addr()).Msg("Serving metrics")
		}
	}

	var journal *runJournal
	if flags.journal != "" {
		journal, err = startJournal(ctx, flags.journal, m)
		if err != nil {
			return err
		}
		defer journal.close()
		opts.Observers = append(opts.Observers, journal.observer)
	}

	e, err := engine.New(ctx, m, opts)
	if err != nil {
		journal.complete(ctx, 0, err)
		return err
	}
	defer e.Close()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	runOpts := engine.RunOptions{Ticks: flags.ticks}
	if flags.watch {
		watcher, err := config.NewWatcher(m.Path, m, config.WithWatcherLogger(logger()))
		if err != nil {
			return err
		}
		runOpts.Updates = watcher.Updates()
		g.Go(func() error { return watcher.Run(gctx) })

		if paths := policyPaths(m); policies != nil && len(paths) > 0 {
			loader := policy.NewLoader(logger())
			err := loader.Watch(gctx, paths, func(ps []policy.Policy) error {
				return policies.ReplacePolicies(gctx, ps)
			})
			if err != nil {
				return err
			}
			defer loader.StopWatching()
		}
	}

	log.Info().
		Str("manifest", m.Name).
		Uint64("ticks", flags.ticks).
		Bool("watch", flags.watch).
		Msg("Running manifest")

	g.Go(func() error {
		defer stop()
		return e.Run(gctx, runOpts)
	})
	runErr := g.Wait()

	status := e.Status()
	journal.complete(ctx, status.Ticks, runErr)

	log.Info().
		Uint64("ticks", status.Ticks).
		Int("reloads", status.Reloads).
		Int("rejected", status.Rejected).
		Int("entities", status.Entities).
		Msg("Run finished")

	return runErr
}

func newTelemetry(version string, flags runFlags) (*telemetry.Telemetry, error) {
	if flags.metricsAddr == "" && (flags.trace == "" || flags.trace == "none") {
		return nil, nil
	}

	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Metrics.Enabled = flags.metricsAddr != ""
	cfg.Metrics.ListenAddress = flags.metricsAddr
	cfg.Tracing.Enabled = flags.trace != "" && flags.trace != "none"
	cfg.Tracing.Exporter = flags.trace
	cfg.Tracing.Endpoint = flags.otlpEndpoint

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return tel, nil
}

// runJournal tracks the journal run of one invocation. A nil *runJournal is
// a no-op.
type runJournal struct {
	journal  stores.Journal
	runID    string
	observer *stores.JournalObserver
}

func startJournal(ctx context.Context, spec string, m *config.Manifest) (*runJournal, error) {
	journal, err := stores.Open(ctx, spec)
	if err != nil {
		return nil, err
	}

	run := &stores.Run{
		ID:        uuid.NewString(),
		Manifest:  m.Path,
		Schedule:  m.Name,
		Status:    stores.RunStatusRunning,
		StartedAt: time.Now(),
	}
	if err := journal.CreateRun(ctx, run); err != nil {
		_ = journal.Close()
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	log.Info().Str("run_id", run.ID).Msg("Journaling run")

	return &runJournal{
		journal:  journal,
		runID:    run.ID,
		observer: stores.NewJournalObserver(journal, run.ID, logger()),
	}, nil
}

func (j *runJournal) complete(ctx context.Context, ticks uint64, runErr error) {
	if j == nil {
		return
	}

	status := stores.RunStatusCompleted
	switch {
	case runErr != nil:
		status = stores.RunStatusFailed
	case ctx.Err() != nil:
		status = stores.RunStatusCancelled
	}

	var msg *string
	if runErr != nil {
		s := runErr.Error()
		msg = &s
	}

	// ctx may already be cancelled by an interrupt.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := j.journal.CompleteRun(writeCtx, j.runID, status, ticks, msg); err != nil {
		log.Warn().Err(err).Str("run_id", j.runID).Msg("Failed to complete journal run")
	}
	if n := j.observer.Errors(); n > 0 {
		log.Warn().Int("errors", n).Str("run_id", j.runID).Msg("Some journal writes failed")
	}
}

func (j *runJournal) close() {
	if j == nil {
		return
	}
	if err := j.journal.Close(); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Msg("Failed to close journal")
	}
}
