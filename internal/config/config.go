// Package config provides viper-backed configuration for the engine.
//
// Precedence: environment variables (STACKMEMORY_ prefix) > per-project
// .stackmemory/config.json > defaults. Initialize should be called once at
// startup; all getters are safe before Initialize and fall back to defaults.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	v  *viper.Viper
	mu sync.RWMutex
)

// StackDirName is the per-project and per-user state directory name
const StackDirName = ".stackmemory"

// Initialize sets up the viper configuration singleton rooted at the given
// project directory. Missing config files are not an error.
func Initialize(projectRoot string) error {
	mu.Lock()
	defer mu.Unlock()

	nv := viper.New()
	nv.SetConfigType("json")

	if projectRoot != "" {
		configPath := filepath.Join(projectRoot, StackDirName, "config.json")
		if _, err := os.Stat(configPath); err == nil {
			nv.SetConfigFile(configPath)
			if err := nv.ReadInConfig(); err != nil {
				return err
			}
		}
	}

	nv.SetEnvPrefix("STACKMEMORY")
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	nv.AutomaticEnv()

	setDefaults(nv)
	v = nv
	return nil
}

func setDefaults(nv *viper.Viper) {
	// Frame manager
	nv.SetDefault("frame.max-depth", 10000)
	nv.SetDefault("frame.max-payload-bytes", 1<<20)
	nv.SetDefault("frame.max-name-chars", 200)
	nv.SetDefault("frame.max-blob-bytes", 4<<10)

	// Sessions
	nv.SetDefault("session.stale-after", "24h")

	// Tier manager
	nv.SetDefault("tier.interval", "60s")
	nv.SetDefault("tier.batch-size", 50)
	nv.SetDefault("tier.max-attempts", 5)
	nv.SetDefault("tier.lease", "120s")
	nv.SetDefault("tier.size-limit-bytes", int64(2)<<30)
	nv.SetDefault("tier.queue-soft-ceiling", 10000)
	nv.SetDefault("tier.young-window", "24h")
	nv.SetDefault("tier.mature-window", "168h") // 7 days
	nv.SetDefault("tier.old-window", "720h")    // 30 days
	nv.SetDefault("tier.promotion-accesses", 3)
	nv.SetDefault("tier.promotion-window", "1h")
	nv.SetDefault("tier.promotion-cache-size", 256)

	// Retrieval
	nv.SetDefault("retrieve.budget-tokens", 10000)
	nv.SetDefault("retrieve.anchor-budget-share", 0.4)
	nv.SetDefault("retrieve.hot-stack-share", 0.3)
	nv.SetDefault("retrieve.alpha", 0.6)
	nv.SetDefault("retrieve.beta", 0.3)
	nv.SetDefault("retrieve.gamma", 0.1)
	nv.SetDefault("retrieve.half-life", "168h")
	nv.SetDefault("retrieve.semantic-timeout", "500ms")
	nv.SetDefault("retrieve.estimator", "heuristic")

	// Daemon
	nv.SetDefault("daemon.debounce", "2s")
	nv.SetDefault("daemon.cooldown", "10s")
	nv.SetDefault("daemon.hook-budget", "30s")
	nv.SetDefault("daemon.watch-extensions", []string{".go", ".ts", ".tsx", ".js", ".py", ".rs", ".md", ".json", ".yaml", ".yml"})
	nv.SetDefault("daemon.watch-ignore", []string{".git", "node_modules", ".stackmemory", "vendor", "dist", "build"})

	// Store
	nv.SetDefault("store.retry-attempts", 3)
}

func active() *viper.Viper {
	mu.RLock()
	cur := v
	mu.RUnlock()
	if cur != nil {
		return cur
	}

	mu.Lock()
	defer mu.Unlock()
	if v == nil {
		nv := viper.New()
		nv.SetEnvPrefix("STACKMEMORY")
		nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		nv.AutomaticEnv()
		setDefaults(nv)
		v = nv
	}
	return v
}

// GetString returns a string config value
func GetString(key string) string { return active().GetString(key) }

// GetInt returns an int config value
func GetInt(key string) int { return active().GetInt(key) }

// GetInt64 returns an int64 config value
func GetInt64(key string) int64 { return active().GetInt64(key) }

// GetFloat returns a float64 config value
func GetFloat(key string) float64 { return active().GetFloat64(key) }

// GetBool returns a bool config value
func GetBool(key string) bool { return active().GetBool(key) }

// GetDuration returns a duration config value
func GetDuration(key string) time.Duration { return active().GetDuration(key) }

// GetStringSlice returns a string-slice config value
func GetStringSlice(key string) []string { return active().GetStringSlice(key) }

// Set overrides a config value, primarily for tests
func Set(key string, value any) { active().Set(key, value) }

// ProjectRoot returns the project root directory, honoring the
// STACKMEMORY_PROJECT override.
func ProjectRoot() (string, error) {
	if root := os.Getenv("STACKMEMORY_PROJECT"); root != "" {
		return root, nil
	}
	return os.Getwd()
}

// ProjectDir returns <root>/.stackmemory
func ProjectDir(root string) string {
	return filepath.Join(root, StackDirName)
}

// DatabasePath returns the per-project store path <root>/.stackmemory/context.db
func DatabasePath(root string) string {
	return filepath.Join(ProjectDir(root), "context.db")
}

// HomeDir returns the per-user state directory <home>/.stackmemory
func HomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, StackDirName), nil
}

// ProjectsDBPath returns the global registry path <home>/.stackmemory/projects.db
func ProjectsDBPath() (string, error) {
	dir, err := HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "projects.db"), nil
}

// SessionsDir returns the session continuity directory
func SessionsDir() (string, error) {
	dir, err := HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sessions"), nil
}

// PidFilePath returns the daemon pid-file path
func PidFilePath() (string, error) {
	dir, err := HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "hooks.pid"), nil
}

// DaemonLogPath returns the daemon log path
func DaemonLogPath() (string, error) {
	dir, err := HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "hooks.log"), nil
}

// OfflineQueuePath returns the path of the offline migration retry file
func OfflineQueuePath() (string, error) {
	dir, err := HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "offline-queue.json"), nil
}

// SkipDB reports whether STACKMEMORY_TEST_SKIP_DB is set (test harnesses)
func SkipDB() bool {
	val := os.Getenv("STACKMEMORY_TEST_SKIP_DB")
	return val != "" && val != "0" && !strings.EqualFold(val, "false")
}
