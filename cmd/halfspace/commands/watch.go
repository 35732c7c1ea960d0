package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/mkeeter/halfspace/pkg/config"
	"github.com/mkeeter/halfspace/pkg/engine"
	"github.com/mkeeter/halfspace/pkg/policy"
)

func newWatchCommand(version string) *cobra.Command {
	var (
		workers  int
		metrics  bool
		record   bool
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <document>",
		Short: "Re-evaluate a document whenever it changes",
		Long: `Watch a document and re-evaluate it each time the file changes.

Evaluation is incremental: only blocks whose definition or inputs changed
run again, everything else comes from the cache of the previous pass. A
change that arrives while a pass is running cancels that pass. Configured
policy files are linted after every pass and reloaded when they change.`,
		Example: `  # Watch with Prometheus metrics on :9090/metrics
  halfspace watch --metrics part.json

  # Record every pass in the history database
  halfspace watch --record part.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(version, func(cfg *config.Config) {
				if metrics {
					cfg.Metrics.Enabled = true
				}
			})
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.telemetry.StartMetricsServer(ctx); err != nil {
				return err
			}

			var policies *policy.Engine
			if len(a.cfg.Policies.Paths) > 0 {
				policies, err = policy.NewEngine(a.logger, policy.WithPublisher(a.telemetry.Events))
				if err != nil {
					return err
				}
				if err := policies.Watch(ctx, a.cfg.Policies.Paths); err != nil {
					return err
				}
			}

			if workers <= 0 {
				workers = a.cfg.Engine.Workers
			}
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			l := &watchLoop{
				app:      a,
				path:     path,
				workers:  workers,
				record:   record,
				debounce: debounce,
				session:  engine.NewSession(a.evaluator(workers), a.codec, a.logger),
				policies: policies,
				out:      cmd.OutOrStdout(),
				kick:     make(chan struct{}, 1),
			}
			return l.run(ctx)
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "concurrent block evaluations (default from config)")
	cmd.Flags().BoolVar(&metrics, "metrics", false, "serve Prometheus metrics (address from config)")
	cmd.Flags().BoolVar(&record, "record", false, "record every pass in the history database")
	cmd.Flags().DurationVar(&debounce, "debounce", 200*time.Millisecond, "wait this long after a change before reloading")

	return cmd
}

// watchLoop reloads the document on change and evaluates it in a separate
// goroutine, so a newer version can cancel a running pass.
type watchLoop struct {
	app      *app
	path     string
	workers  int
	record   bool
	debounce time.Duration
	session  *engine.Session
	policies *policy.Engine
	out      io.Writer

	// mu orders loads against the evaluator picking up a document.
	mu   sync.Mutex
	data []byte

	// kick holds a pending evaluation request.
	kick chan struct{}
}

func (l *watchLoop) run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	// Editors often replace files, so watch the directory.
	if err := fw.Add(filepath.Dir(l.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", l.path, err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.evaluateLoop(ctx)
	}()
	defer wg.Wait()

	l.reload()
	l.app.logger.Info().Str("path", l.path).Msg("Watching document")

	fire := make(chan struct{}, 1)
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != l.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			l.app.logger.Debug().Str("op", event.Op.String()).Msg("Document changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(l.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			l.reload()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			l.app.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// reload loads the file into the session, cancelling any running pass,
// and requests an evaluation. A document that fails to load leaves the
// previous one in place.
func (l *watchLoop) reload() {
	data, err := os.ReadFile(l.path)
	if err != nil {
		l.app.logger.Warn().Err(err).Msg("Failed to read document")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.session.Load(bytes.NewReader(data)); err != nil {
		l.app.telemetry.Metrics.RecordDocumentError(documentErrorReason(err))
		l.app.logger.Error().Err(err).Msg("Document rejected, keeping the previous version")
		return
	}
	l.data = data

	select {
	case l.kick <- struct{}{}:
	default:
	}
}

func (l *watchLoop) evaluateLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.kick:
		}

		l.mu.Lock()
		doc := l.session.Document()
		data := l.data
		l.mu.Unlock()

		startedAt := time.Now()
		report, err := l.session.Evaluate(ctx)
		if errors.Is(err, engine.ErrSuperseded) {
			l.app.logger.Debug().Msg("Pass superseded by a newer document")
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				l.app.logger.Error().Err(err).Msg("Evaluation failed")
			}
			l.recordRun(ctx, startedAt, nil, err, data)
			return
		}

		// A newer document loaded mid-pass means the report may not match doc.
		l.mu.Lock()
		stale := len(l.kick) > 0
		l.mu.Unlock()
		if stale {
			continue
		}

		if err := printReport(l.out, newReportOutput(report, doc.World)); err != nil {
			l.app.logger.Error().Err(err).Msg("Failed to print report")
		}
		if l.policies != nil {
			result, err := l.policies.Evaluate(ctx, policy.NewInput(doc, report))
			if err != nil {
				l.app.logger.Error().Err(err).Msg("Policy evaluation failed")
			} else {
				_, names := blockNames(doc.World)
				_ = printPolicyResult(l.out, result, names)
			}
		}
		l.recordRun(ctx, startedAt, report, nil, data)
	}
}

func (l *watchLoop) recordRun(ctx context.Context, startedAt time.Time, report *engine.Report, evalErr error, data []byte) {
	if !l.record {
		return
	}
	// Decoded again so snapshot and results share the file's version.
	doc, err := l.app.codec.Decode(data)
	if err != nil {
		return
	}
	if err := l.app.recordRun(context.WithoutCancel(ctx), l.path, doc, data, l.workers, startedAt, report, evalErr); err != nil {
		l.app.logger.Error().Err(err).Msg("Failed to record run")
	}
}
