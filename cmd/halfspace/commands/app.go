package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkeeter/halfspace/pkg/config"
	"github.com/mkeeter/halfspace/pkg/document"
	"github.com/mkeeter/halfspace/pkg/engine"
	"github.com/mkeeter/halfspace/pkg/policy"
	"github.com/mkeeter/halfspace/pkg/script"
	"github.com/mkeeter/halfspace/pkg/stores"
	"github.com/mkeeter/halfspace/pkg/telemetry"
)

const defaultConfigFile = "halfspace.yaml"

// app holds what every command needs once flags are parsed.
type app struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
	codec     *document.Codec
	store     *stores.SQLiteStore
}

// newApp loads the configuration and sets up telemetry. adjust, if given,
// may change the configuration before telemetry is created.
func newApp(version string, adjust func(*config.Config)) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if adjust != nil {
		adjust(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry(version))
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()

	codec, err := document.NewCodec(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create document codec: %w", err)
	}

	return &app{
		cfg:       cfg,
		telemetry: tel,
		logger:    logger,
		codec:     codec,
	}, nil
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return config.Load(defaultConfigFile)
	}
	return config.Default(), nil
}

// close flushes telemetry, then closes the store so recorded events land
// before the database goes away.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to flush telemetry")
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close store")
		}
	}
}

// evaluator creates an evaluator. workers <= 0 uses the configured count.
func (a *app) evaluator(workers int) *engine.Evaluator {
	if workers <= 0 {
		workers = a.cfg.Engine.Workers
	}
	return engine.NewEvaluator(
		script.New(script.Options{MaxSteps: a.cfg.Engine.MaxSteps}),
		engine.WithWorkers(workers),
		engine.WithLogger(a.logger),
		engine.WithTelemetry(a.telemetry),
	)
}

// loadDocument reads and decodes a document file. The raw bytes are
// returned for snapshotting.
func (a *app) loadDocument(ctx context.Context, path string) (doc *document.Document, data []byte, err error) {
	op := telemetry.StartOperation(a.telemetry.WithContext(ctx), "document.load", telemetry.AttrDocument.String(path))
	defer func() { op.End(err) }()

	data, err = os.ReadFile(path)
	if err != nil {
		a.telemetry.Metrics.RecordDocumentError("io")
		return nil, nil, fmt.Errorf("failed to read document: %w", err)
	}

	doc, err = a.codec.Decode(data)
	if err != nil {
		a.telemetry.Metrics.RecordDocumentError(documentErrorReason(err))
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}

	op.Logger.WithField("blocks", doc.World.Len()).
		WithField("duration_ms", op.Timer.Duration().Milliseconds()).
		Debug("Document loaded")
	if err := a.telemetry.Events.PublishDocumentLoaded(path, doc.World.Len(), doc.Migrated()); err != nil {
		a.logger.Debug().Err(err).Msg("Failed to publish document event")
	}
	return doc, data, nil
}

func documentErrorReason(err error) string {
	switch {
	case document.IsBadTagError(err):
		return "bad_tag"
	case document.IsSchemaVersionError(err):
		return "version"
	case document.IsValidationError(err):
		return "invalid"
	default:
		return "decode"
	}
}

// openStore opens and migrates the history store. Telemetry events are
// recorded into it from then on.
func (a *app) openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if a.store != nil {
		return a.store, nil
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: a.cfg.Store.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	a.store = store
	a.telemetry.Events.Subscribe(stores.EventRecorder(store, a.logger), nil)
	return store, nil
}

// policyEngine creates a policy engine with the configured policy files.
func (a *app) policyEngine(ctx context.Context) (*policy.Engine, error) {
	eng, err := policy.NewEngine(a.logger, policy.WithPublisher(a.telemetry.Events))
	if err != nil {
		return nil, err
	}
	if len(a.cfg.Policies.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, a.cfg.Policies.Paths); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

// recordRun stores a pass, with a snapshot of the document it evaluated.
// report is nil for a cancelled pass, in which case evalErr says why.
func (a *app) recordRun(ctx context.Context, path string, doc *document.Document, data []byte,
	workers int, startedAt time.Time, report *engine.Report, evalErr error) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	snapshot := &stores.DocumentSnapshot{
		Path:       path,
		Name:       doc.Meta.Name,
		Major:      doc.Version.Major,
		Minor:      doc.Version.Minor,
		Content:    data,
		BlockCount: doc.World.Len(),
	}
	if err := store.SaveDocument(ctx, snapshot); err != nil {
		return err
	}

	var run *stores.Run
	var results []*stores.BlockResult
	if report != nil {
		run, results = stores.FromReport(report, doc.World, path, workers)
	} else {
		if evalErr == nil {
			evalErr = errors.New("pass did not complete")
		}
		run = stores.CancelledRun(newRunID(), path, workers, startedAt, evalErr)
	}
	run.DocumentID = &snapshot.ID

	if err := store.RecordRun(ctx, run, results); err != nil {
		return err
	}
	a.logger.Debug().Str("run_id", run.ID).Str("status", string(run.Status)).Msg("Run recorded")
	return nil
}
