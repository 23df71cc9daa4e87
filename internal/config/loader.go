package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/af-corp/tierproxy/internal/catalog"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const (
	MainFile  = "tierproxy.yaml"
	RulesFile = "rules.yaml"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:default} patterns in a string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		submatch := envVarPattern.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}
		varName := submatch[1]
		defaultVal := ""
		if len(submatch) >= 3 {
			defaultVal = submatch[2]
		}
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return defaultVal
	})
}

// LoadFile reads a YAML file, expands env vars, and unmarshals into dest.
func LoadFile(path string, dest any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), dest); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// LoadRules builds a classifier from path, or from the default table when
// the file does not exist.
func LoadRules(path string) (*catalog.Classifier, string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return catalog.NewDefaultClassifier(), "default", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("read rules file %s: %w", path, err)
	}
	rules, err := catalog.ParseRules([]byte(expandEnvVars(string(data))))
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", path, err)
	}
	c, err := catalog.NewClassifier(rules)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", path, err)
	}
	return c, path, nil
}

// Loader manages configuration loading and hot-reload via fsnotify.
type Loader struct {
	configDir string
	environ   map[string]string

	mu          sync.RWMutex
	cfg         *Config
	classifier  *catalog.Classifier
	rulesSource string

	watchers []func()
	logger   *slog.Logger
}

func NewLoader(configDir string, logger *slog.Logger) *Loader {
	return &Loader{
		configDir: configDir,
		logger:    logger,
	}
}

// WithEnviron replaces the process environment for env overrides.
func (l *Loader) WithEnviron(environ map[string]string) *Loader {
	l.environ = environ
	return l
}

// Load reads tierproxy.yaml and rules.yaml. On error the previously loaded
// state is kept.
func (l *Loader) Load() error {
	cfg := DefaultConfig()
	if err := LoadFile(filepath.Join(l.configDir, MainFile), cfg); err != nil {
		return fmt.Errorf("load main config: %w", err)
	}
	if err := applyEnv(cfg, l.environ); err != nil {
		return err
	}
	if err := Validate(cfg); err != nil {
		return err
	}

	classifier, source, err := LoadRules(filepath.Join(l.configDir, RulesFile))
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	l.mu.Lock()
	l.cfg = cfg
	l.classifier = classifier
	l.rulesSource = source
	l.mu.Unlock()

	l.logger.Info("configuration loaded", "dir", l.configDir, "rules", source, "rule_count", len(classifier.Rules()))
	return nil
}

func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Classifier returns the current rule table. Safe to call from the refresh
// goroutine while a reload is in progress.
func (l *Loader) Classifier() *catalog.Classifier {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.classifier
}

func (l *Loader) RulesSource() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rulesSource
}

// OnReload registers a callback that fires after config is reloaded.
func (l *Loader) OnReload(fn func()) {
	l.watchers = append(l.watchers, fn)
}

func (l *Loader) isWatched(name string) bool {
	base := filepath.Base(name)
	return base == MainFile || base == RulesFile
}

// Watch starts watching the config directory and reloads when one of the
// config files changes. The watcher stops when ctx is cancelled.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(l.configDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config dir %s: %w", l.configDir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !l.isWatched(event.Name) {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					l.logger.Info("config file changed, reloading", "file", event.Name, "op", event.Op.String())
					if err := l.Load(); err != nil {
						l.logger.Error("failed to reload config, keeping previous", "error", err)
						continue
					}
					for _, fn := range l.watchers {
						fn()
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Error("fsnotify error", "error", err)
			}
		}
	}()

	return nil
}
