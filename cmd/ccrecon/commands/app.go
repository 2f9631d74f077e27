package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/openfroyo/ccrecon/pkg/catalog"
	"github.com/openfroyo/ccrecon/pkg/config"
	"github.com/openfroyo/ccrecon/pkg/engine"
	"github.com/openfroyo/ccrecon/pkg/policy"
	"github.com/openfroyo/ccrecon/pkg/rpc"
	"github.com/openfroyo/ccrecon/pkg/simulator"
	"github.com/openfroyo/ccrecon/pkg/stores"
	"github.com/openfroyo/ccrecon/pkg/telemetry"
)

// app holds everything a command needs, built from the config file and the
// global flags.
type app struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	logger    *telemetry.Logger
	catalog   *catalog.Catalog

	client  rpc.Client
	sim     *simulator.Controller
	guard   *policy.Engine
	journal *stores.SQLiteStore
	orch    *engine.Orchestrator
}

// loadApp reads the configuration, sets up telemetry and loads the catalog.
func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(""))
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	cat, err := catalog.Load(cfg.Catalog.Paths...)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	a := &app{
		cfg:       cfg,
		telemetry: tel,
		logger:    tel.Logger.NewComponentLogger("cli"),
		catalog:   cat,
	}
	return a, nil
}

// connect builds the controller client, the plan guard, the journal and
// the orchestrator.
func (a *app) connect(ctx context.Context) error {
	if err := a.connectController(); err != nil {
		return err
	}

	opts := []engine.Option{
		engine.WithTrackerConfig(a.cfg.TrackerConfig()),
		engine.WithTelemetry(a.telemetry.Metrics, a.telemetry.Tracer, a.telemetry.Logger),
	}

	if a.cfg.Policy.Enabled {
		guard, err := a.policyEngine(ctx)
		if err != nil {
			return err
		}
		a.guard = guard
		opts = append(opts, engine.WithGuard(guard))
	}

	if a.cfg.Journal.Enabled {
		if err := a.openJournal(ctx); err != nil {
			return err
		}
		opts = append(opts, engine.WithRecorder(a.journal))
	}

	a.orch = engine.NewOrchestrator(a.client, a.catalog, opts...)
	return nil
}

func (a *app) connectController() error {
	if simulate || stateFile != "" {
		a.sim = simulator.New(a.catalog)
		a.client = a.sim
		if stateFile == "" {
			return nil
		}
		f, err := os.Open(stateFile)
		if err != nil {
			return fmt.Errorf("failed to open state file: %w", err)
		}
		defer f.Close()
		if err := a.sim.LoadState(f); err != nil {
			return fmt.Errorf("state %s: %w", stateFile, err)
		}
		a.logger.WithField("file", stateFile).Debug("Simulated controller seeded")
		return nil
	}

	if a.cfg.Controller.BaseURL == "" {
		return errors.New("controller.base_url is not set; use --simulate to run without a controller")
	}
	client, err := rpc.NewHTTPClient(a.cfg.HTTPConfig(), a.catalog.Routes(),
		rpc.WithMetrics(a.telemetry.Metrics),
		rpc.WithTracer(a.telemetry.Tracer),
		rpc.WithLogger(a.telemetry.Logger),
	)
	if err != nil {
		return fmt.Errorf("failed to create controller client: %w", err)
	}
	a.client = client
	return nil
}

// policyEngine builds the plan guard with the configured user policies.
func (a *app) policyEngine(ctx context.Context) (*policy.Engine, error) {
	guard, err := policy.NewEngine(a.telemetry.Logger.Zerolog(), a.cfg.Policy.ProtectedKinds)
	if err != nil {
		return nil, err
	}
	if len(a.cfg.Policy.Paths) > 0 {
		if err := guard.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}
	for _, name := range a.cfg.Policy.Disabled {
		if err := guard.DisablePolicy(name); err != nil {
			return nil, err
		}
	}
	return guard, nil
}

func (a *app) openJournal(ctx context.Context) error {
	if a.journal != nil {
		return nil
	}
	journal, err := stores.Open(ctx, a.cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	a.journal = journal
	return nil
}

// loadDeclarations loads and reports declaration files. Problems are
// printed and turned into one error.
func (a *app) loadDeclarations(ctx context.Context, paths []string) (*config.DeclarationSet, error) {
	loader := config.NewDeclarationLoader(a.telemetry.Logger)
	set, err := loader.Load(ctx, paths...)
	if err != nil {
		return nil, err
	}
	a.logger.WithField("files", len(set.SourceFiles)).
		WithField("declarations", len(set.Declarations)).
		Debug("Declarations loaded")
	return set, nil
}

// runConfig applies the command line overrides to the configured run.
func (a *app) runConfig(mode engine.Mode, metadata map[string]string) engine.RunConfig {
	cfg := a.cfg.RunConfig()
	if mode != "" {
		cfg.Mode = mode
	}
	if cfg.Metadata == nil {
		cfg.Metadata = make(map[string]interface{})
	}
	for k, v := range metadata {
		cfg.Metadata[k] = parseMetadataValue(v)
	}
	return cfg
}

func parseMetadataValue(v string) interface{} {
	switch v {
	case "true":
		return true
	case "false":
		return false
	default:
		return v
	}
}

func (a *app) close() {
	ctx := context.Background()
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close journal")
		}
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.WithError(err).Warn("Failed to shut down telemetry")
	}
}
