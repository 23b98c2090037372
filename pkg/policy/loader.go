package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/ast"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay is how long Watch waits for writes to settle.
const DefaultReloadDelay = 500 * time.Millisecond

// Loader reads plan lint policies from .rego modules and .json policy
// definitions. Rego unit test files (*_test.rego) and hidden directories are
// skipped.
type Loader struct {
	logger   zerolog.Logger
	debounce time.Duration

	mu      sync.Mutex
	cache   map[string]cachedPolicy
	applied map[string]Policy

	reloadMu sync.Mutex
	watcher  *fsnotify.Watcher
}

// cachedPolicy is reused while the file keeps its size and modification time.
type cachedPolicy struct {
	modTime time.Time
	size    int64
	policy  Policy
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:   logger.With().Str("component", "policy-loader").Logger(),
		debounce: DefaultReloadDelay,
		cache:    make(map[string]cachedPolicy),
		applied:  make(map[string]Policy),
	}
}

// SetReloadDelay changes the debounce delay of Watch.
func (l *Loader) SetReloadDelay(d time.Duration) {
	l.debounce = d
}

// LoadFromPaths loads the policies found under paths, each a file or a
// directory. A lint set is loaded whole: every file is read, and all failures
// are returned together. Two files that define the same policy name are an
// error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var (
		policies []Policy
		errs     []error
	)
	sources := make(map[string]string)

	for _, root := range paths {
		files, err := policyFiles(root)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, file := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			p, err := l.loadFile(file)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if prev, ok := sources[p.Name]; ok {
				errs = append(errs, fmt.Errorf("policy %s is defined in both %s and %s", p.Name, prev, file))
				continue
			}
			sources[p.Name] = file
			policies = append(policies, p)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	l.logger.Debug().
		Int("policies", len(policies)).
		Int("paths", len(paths)).
		Msg("Lint policies loaded")

	return policies, nil
}

// policyFiles lists the policy files under root in lexical order. A root that
// names a file is returned as is.
func policyFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat policy path: %w", err)
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && isHidden(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if isPolicyFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return files, nil
}

// loadFile parses one policy file.
func (l *Loader) loadFile(path string) (Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		return cached.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var p Policy
	switch filepath.Ext(path) {
	case ".rego":
		p, err = parseRegoPolicy(path, data)
	case ".json":
		p, err = parseJSONPolicy(path, data)
	default:
		err = fmt.Errorf("unsupported policy file type %q", filepath.Ext(path))
	}
	if err != nil {
		return Policy{}, fmt.Errorf("%s: %w", path, err)
	}

	l.mu.Lock()
	l.cache[path] = cachedPolicy{modTime: info.ModTime(), size: info.Size(), policy: p}
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", path).
		Str("policy", p.Name).
		Str("severity", string(p.Severity)).
		Msg("Lint policy parsed")

	return p, nil
}

// parseRegoPolicy names the policy after its Rego package and reads its
// settings from the comment block above the package clause:
//
//	# Channels must stay small enough to read.
//	# severity: error
//	# tags: size, readability
//	package schedule.size
func parseRegoPolicy(path string, data []byte) (Policy, error) {
	module, err := parseLintModule(path, string(data))
	if err != nil {
		return Policy{}, err
	}

	p := Policy{
		Name:     packageName(module),
		Rego:     string(data),
		Severity: SeverityWarning,
		Enabled:  true,
		Source:   path,
	}
	if err := applyHeader(&p, string(data)); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// parseJSONPolicy reads a Policy definition. The name defaults to the package
// of its Rego module and enabled defaults to true.
func parseJSONPolicy(path string, data []byte) (Policy, error) {
	var raw struct {
		Policy
		Enabled *bool `json:"enabled"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return Policy{}, fmt.Errorf("failed to parse JSON policy: %w", err)
	}

	p := raw.Policy
	if p.Rego == "" {
		return Policy{}, errors.New("JSON policy has no rego module")
	}
	module, err := parseLintModule(path, p.Rego)
	if err != nil {
		return Policy{}, err
	}

	if p.Name == "" {
		p.Name = packageName(module)
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	} else if p.Severity, err = parseSeverity(string(p.Severity)); err != nil {
		return Policy{}, err
	}
	p.Enabled = raw.Enabled == nil || *raw.Enabled
	p.Source = path
	return p, nil
}

// parseLintModule parses a Rego module and checks that it has a deny rule
// for the engine to query.
func parseLintModule(name, text string) (*ast.Module, error) {
	module, err := ast.ParseModule(name, text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, errors.New("policy is empty")
	}
	if !definesDeny(module) {
		return nil, fmt.Errorf("package %s defines no deny rule", packageName(module))
	}
	return module, nil
}

func definesDeny(module *ast.Module) bool {
	deny := ast.VarTerm("deny")
	for _, rule := range module.Rules {
		if ref := rule.Head.Ref(); len(ref) > 0 && ref[0].Equal(deny) {
			return true
		}
	}
	return false
}

func packageName(module *ast.Module) string {
	return strings.TrimPrefix(module.Package.Path.String(), "data.")
}

// applyHeader reads the comment block at the top of a module. Lines of the
// form "severity: ...", "tags: ..." and "enabled: ..." set those fields; the
// other lines make up the description.
func applyHeader(p *Policy, text string) error {
	var description []string

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))

		if key, value, ok := strings.Cut(comment, ":"); ok {
			value = strings.TrimSpace(value)
			switch strings.ToLower(strings.TrimSpace(key)) {
			case "severity":
				sev, err := parseSeverity(value)
				if err != nil {
					return err
				}
				p.Severity = sev
				continue
			case "tags":
				p.Tags = splitTags(value)
				continue
			case "enabled":
				enabled, err := strconv.ParseBool(value)
				if err != nil {
					return fmt.Errorf("invalid enabled value %q", value)
				}
				p.Enabled = enabled
				continue
			}
		}

		if comment != "" {
			description = append(description, comment)
		}
	}

	p.Description = strings.Join(description, " ")
	return nil
}

func parseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToLower(s)); sev {
	case SeverityInfo, SeverityWarning, SeverityError:
		return sev, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

func splitTags(value string) []string {
	var tags []string
	for _, tag := range strings.Split(value, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

// Watch reloads the policies under paths when a policy file changes and hands
// the new set to apply. A set equal to the last applied one is not handed on,
// and a set that fails to load is logged and dropped. Watching stops when ctx
// is done or StopWatching is called.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	l.watcher = watcher

	for _, path := range paths {
		if err := watchPath(watcher, path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch policy path")
		}
	}

	if policies, err := l.LoadFromPaths(ctx, paths); err == nil {
		l.remember(policies)
	}

	go l.processEvents(ctx, watcher, paths, apply)

	l.logger.Info().
		Int("paths", len(paths)).
		Msg("Watching lint policies")

	return nil
}

// watchPath watches every directory under a directory path. A file is watched
// through its parent so that editors that replace the file are seen.
func watchPath(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(filepath.Dir(path))
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != path && isHidden(d.Name()) {
			return filepath.SkipDir
		}
		return watcher.Add(p)
	})
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !covered(paths, event.Name) {
				continue
			}

			relevant := isPolicyFile(event.Name) &&
				event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !isHidden(info.Name()) {
					if err := watchPath(watcher, event.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new policy directory")
					}
					relevant = true
				}
			}
			if !relevant {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Lint policy changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(l.debounce, func() {
				l.reload(ctx, paths, apply)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// reload loads the watched policies and applies them if they changed.
func (l *Loader) reload(ctx context.Context, paths []string, apply func([]Policy) error) {
	l.reloadMu.Lock()
	defer l.reloadMu.Unlock()

	if ctx.Err() != nil {
		return
	}

	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		l.logger.Error().Err(err).Msg("Lint policies not reloaded")
		return
	}

	added, removed, changed := l.diff(policies)
	if len(added)+len(removed)+len(changed) == 0 {
		l.logger.Debug().Msg("Lint policies unchanged")
		return
	}

	if err := apply(policies); err != nil {
		l.logger.Error().Err(err).Msg("Failed to apply reloaded lint policies")
		return
	}
	l.remember(policies)

	l.logger.Info().
		Strs("added", added).
		Strs("removed", removed).
		Strs("changed", changed).
		Int("total", len(policies)).
		Msg("Lint policies reloaded")
}

// diff compares policies with the last applied set by name.
func (l *Loader) diff(policies []Policy) (added, removed, changed []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]bool, len(policies))
	for _, p := range policies {
		seen[p.Name] = true
		prev, ok := l.applied[p.Name]
		switch {
		case !ok:
			added = append(added, p.Name)
		case !samePolicy(prev, p):
			changed = append(changed, p.Name)
		}
	}
	for name := range l.applied {
		if !seen[name] {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return added, removed, changed
}

func (l *Loader) remember(policies []Policy) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.applied = make(map[string]Policy, len(policies))
	for _, p := range policies {
		l.applied[p.Name] = p
	}
}

func samePolicy(a, b Policy) bool {
	return a.Rego == b.Rego &&
		a.Severity == b.Severity &&
		a.Enabled == b.Enabled &&
		a.Description == b.Description &&
		slices.Equal(a.Tags, b.Tags)
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// covered reports whether name is one of paths or lies under one of them.
func covered(paths []string, name string) bool {
	name = filepath.Clean(name)
	for _, p := range paths {
		p = filepath.Clean(p)
		if name == p || strings.HasPrefix(name, p+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func isPolicyFile(path string) bool {
	if strings.HasSuffix(path, "_test.rego") {
		return false
	}
	return strings.HasSuffix(path, ".rego") || strings.HasSuffix(path, ".json")
}
