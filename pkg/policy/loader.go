package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// reloadDelay collapses bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// cachedPolicy is a parsed policy file and the file state it was parsed from.
type cachedPolicy struct {
	policy  *Policy
	modTime time.Time
	size    int64
}

// parseFunc turns the contents of a policy file into a Policy.
type parseFunc func(l *Loader, path string, data []byte) (*Policy, error)

var parsers = map[string]parseFunc{
	".rego": (*Loader).parseRegoFile,
	".json": (*Loader).parseJSONFile,
}

// Loader reads policies from .rego and .json files. Parsed files are cached
// until their size or modification time changes.
type Loader struct {
	logger   zerolog.Logger
	validate *validator.Validate

	mu    sync.Mutex
	cache map[string]cachedPolicy
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:   logger.With().Str("component", "policy-loader").Logger(),
		validate: validator.New(),
		cache:    make(map[string]cachedPolicy),
	}
}

func isPolicyFile(path string) bool {
	_, ok := parsers[filepath.Ext(path)]
	return ok
}

// LoadFromPaths loads every policy file named by paths. Directories are
// walked recursively.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	for _, path := range paths {
		loaded, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		policies = append(policies, loaded...)
	}

	l.logger.Info().
		Int("total", len(policies)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")
	return policies, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		p, err := l.loadFromFile(ctx, path)
		if err != nil {
			return nil, err
		}
		return []Policy{*p}, nil
	}

	// A broken file inside a directory is skipped so one bad edit does not
	// unload every other policy.
	var policies []Policy
	err = filepath.WalkDir(path, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(file) {
			return nil
		}
		p, err := l.loadFromFile(ctx, file)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", file).Msg("Skipping policy file")
			return nil
		}
		policies = append(policies, *p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return policies, nil
}

func (l *Loader) loadFromFile(ctx context.Context, path string) (*Policy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parse, ok := parsers[filepath.Ext(path)]
	if !ok {
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		return cached.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	p, err := parse(l, path, data)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[path] = cachedPolicy{policy: p, modTime: info.ModTime(), size: info.Size()}
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy loaded from file")
	return p, nil
}

// parseRegoFile names a bare Rego module after its file. Leading comments
// become the description.
func (l *Loader) parseRegoFile(path string, data []byte) (*Policy, error) {
	text := string(data)
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: l.extractDescription(text),
		Rego:        text,
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{},
		Source:      path,
	}, nil
}

// parseJSONFile reads a policy definition with its Rego inline. A missing
// name is taken from the file name.
func (l *Loader) parseJSONFile(path string, data []byte) (*Policy, error) {
	p := Policy{Enabled: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if err := l.validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("invalid policy %s: %w", path, err)
	}
	normalize(&p, path)
	return &p, nil
}

func normalize(p *Policy, source string) {
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	p.Source = source
}

// extractDescription joins the comment lines at the top of a Rego module,
// before or after its package and import lines.
func (l *Loader) extractDescription(content string) string {
	var parts []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		comment, isComment := strings.CutPrefix(line, "#")
		switch {
		case isComment:
			if comment = strings.TrimSpace(comment); comment != "" {
				parts = append(parts, comment)
			}
		case line == "", strings.HasPrefix(line, "package "), strings.HasPrefix(line, "import "):
		default:
			return strings.Join(parts, " ")
		}
	}
	return strings.Join(parts, " ")
}

// LoadBundle loads a JSON bundle of policies.
func (l *Loader) LoadBundle(ctx context.Context, path string) (*Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}

	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse bundle: %w", err)
	}
	if err := l.validate.Struct(&bundle); err != nil {
		return nil, fmt.Errorf("invalid bundle %s: %w", path, err)
	}
	for i := range bundle.Policies {
		normalize(&bundle.Policies[i], path)
	}

	l.logger.Info().
		Str("bundle", bundle.Name).
		Str("version", bundle.Version).
		Int("policies", len(bundle.Policies)).
		Msg("Policy bundle loaded")
	return &bundle, nil
}

// Watch reloads the policies under paths whenever a policy file changes and
// hands them to apply. Watching stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		if err := addWatch(fw, path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch policy path")
		}
	}

	go l.watchLoop(ctx, fw, paths, apply)

	l.logger.Info().Int("paths", len(paths)).Msg("Started watching policy paths")
	return nil
}

// addWatch registers a file, or every directory below a directory.
func addWatch(fw *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fw.Add(path)
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return fw.Add(p)
	})
}

func (l *Loader) watchLoop(ctx context.Context, fw *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	defer fw.Close()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addWatch(fw, event.Name)
				}
			}
			if !isPolicyFile(event.Name) {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				if err := l.reload(ctx, paths, apply); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies")
				}
			})

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, apply func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := apply(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}
	l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
	return nil
}

// ClearCache drops every parsed file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.cache)
	l.logger.Debug().Msg("Policy cache cleared")
}
