package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/drivesentry/drivesentry/internal/errors"
	"github.com/drivesentry/drivesentry/internal/logging"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading and hot-reloading
type Loader struct {
	path     string
	mu       sync.RWMutex
	config   *Config
	onChange func(*Config)
	logger   *logging.Logger
	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewLoader creates a new configuration loader
func NewLoader(path string) *Loader {
	return &Loader{
		path:     path,
		logger:   logging.NewLogger(),
		stopChan: make(chan struct{}),
	}
}

// Load reads the configuration from the file
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := os.Stat(l.path); err != nil {
		if os.IsNotExist(err) {
			return nil, &errors.ErrConfigNotFound{Path: l.path}
		}
		return nil, err
	}

	content, err := os.ReadFile(l.path)
	if err != nil {
		return nil, &errors.ErrFileRead{Path: l.path, Err: err}
	}

	content = substituteEnvVars(content)
	config, err := Parse(content)
	if err != nil {
		return nil, err
	}

	l.config = config
	return config, nil
}

// Reload forces a reload of the configuration
func (l *Loader) Reload() (*Config, error) {
	config, err := l.Load()
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	onChange := l.onChange
	l.mu.RUnlock()

	if onChange != nil {
		onChange(config)
	}

	return config, nil
}

// Get returns the current configuration
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// SetOnChange sets a callback to be called when configuration changes
func (l *Loader) SetOnChange(fn func(*Config)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// StartWatcher watches the config file for changes and reloads on write.
// Watching the parent directory survives editors that replace the file.
func (l *Loader) StartWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return err
	}
	l.watcher = watcher

	go func() {
		for {
			select {
			case <-l.stopChan:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(l.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				// Editors write in bursts, give the file a moment to settle
				time.Sleep(100 * time.Millisecond)
				if _, err := l.Reload(); err != nil {
					l.logger.Error("config reload failed", "path", l.path, "error", err.Error())
				} else {
					l.logger.Info("config reloaded", "path", l.path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Error("config watcher error", "error", err.Error())
			}
		}
	}()

	return nil
}

// StopWatcher stops the file watcher
func (l *Loader) StopWatcher() {
	l.stopOnce.Do(func() {
		close(l.stopChan)
		if l.watcher != nil {
			l.watcher.Close()
		}
	})
}

// Parse parses configuration from byte slice
func Parse(data []byte) (*Config, error) {
	config := Default()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, &errors.ErrConfigParse{Err: err}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Default returns a configuration populated with defaults. The OAuth
// application credentials have no defaults and must come from the file.
func Default() *Config {
	return &Config{
		Version: "1",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			HTTPPort:        8318,
			ShutdownTimeout: 30 * time.Second,
			LogLevel:        "info",
		},
		API: APIConfig{
			Enabled: true,
			Auth: AuthConfig{
				HeaderName: "X-API-Key",
			},
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 120,
				Burst:             30,
			},
		},
		Monitor: MonitorConfig{
			Enabled:          true,
			CheckInterval:    30 * time.Minute,
			RecoveryInterval: 5 * time.Minute,
			RefreshSkew:      5 * time.Minute,
			Retry: RetryConfig{
				Attempts:  3,
				BaseDelay: time.Second,
			},
		},
		Database: DatabaseConfig{
			Path: "drivesentry.db",
		},
	}
}

func substituteEnvVars(content []byte) []byte {
	return []byte(os.ExpandEnv(string(content)))
}
