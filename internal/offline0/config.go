package offline0

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultCacheVersion = CacheVersion("cache v1.2")
	DefaultAPISource    = "https://360apitrain.gordon.edu/api"
)

type Config struct {
	Cache struct {
		Version string `yaml:"version"`
		Backend string `yaml:"backend"` // leveldb | memory | redis
		Path    string `yaml:"path"`
		Max     string `yaml:"max"`
		Redis   struct {
			URL       string `yaml:"url"`
			Namespace string `yaml:"namespace"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	Server struct {
		Port      int    `yaml:"port"`
		APISource string `yaml:"apiSource"`
		Timeout   string `yaml:"timeout"`
	} `yaml:"server"`

	Network struct {
		FailureThreshold int    `yaml:"failureThreshold"`
		ProbePath        string `yaml:"probePath"`
		ProbeEvery       string `yaml:"probeEvery"`
		LinkCheckEvery   string `yaml:"linkCheckEvery"`
	} `yaml:"network"`

	Bridge struct {
		AllowedOrigins []string `yaml:"allowedOrigins"`
	} `yaml:"bridge"`

	// NoCache lists resource patterns that bypass the cache in both directions.
	// Plain entries match as case-insensitive fragments; PathPrefix(/x) entries
	// match as path prefixes.
	NoCache []string `yaml:"noCache"`

	// Precache lists resources fetched at startup and after every recovery.
	Precache []string `yaml:"precache"`

	Logging struct {
		Level         string `yaml:"level"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	// compiled
	maxBytes      int64
	timeoutDur    time.Duration
	probeEveryDur time.Duration
	linkEveryDur  time.Duration
	noCache       []resourceMatcher
}

type resourceMatcher interface {
	Match(key string) bool
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(key string) bool { return strings.HasPrefix(key, m.Prefix) }

type fragmentMatcher struct{ Fragment string }

func (m fragmentMatcher) Match(key string) bool {
	return strings.Contains(strings.ToLower(key), m.Fragment)
}

// DefaultConfig returns a config with every default applied and compiled.
func DefaultConfig() Config {
	var cfg Config
	if err := cfg.compile(); err != nil {
		panic(err)
	}
	return cfg
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("OFFLINE0_CACHE_VERSION"); v != "" {
		cfg.Cache.Version = v
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if strings.TrimSpace(cfg.Cache.Version) == "" {
		cfg.Cache.Version = string(DefaultCacheVersion)
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "leveldb"
	}
	switch cfg.Cache.Backend {
	case "leveldb", "memory", "redis":
	default:
		return fmt.Errorf("cache.backend: unknown backend %q", cfg.Cache.Backend)
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = "./data/leveldb"
	}
	if cfg.Cache.Max == "" {
		cfg.Cache.Max = "256mb"
	}
	max, err := parseBytes(cfg.Cache.Max)
	if err != nil {
		return fmt.Errorf("cache.max: %w", err)
	}
	cfg.maxBytes = max
	if cfg.Cache.Backend == "redis" && cfg.Cache.Redis.URL == "" {
		return fmt.Errorf("cache.redis.url is required for the redis backend")
	}
	if cfg.Cache.Redis.Namespace == "" {
		cfg.Cache.Redis.Namespace = "offline0"
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.APISource == "" {
		cfg.Server.APISource = DefaultAPISource
	}
	cfg.Server.APISource = strings.TrimRight(cfg.Server.APISource, "/")

	if cfg.Network.FailureThreshold <= 0 {
		cfg.Network.FailureThreshold = 3
	}
	if cfg.Network.ProbePath == "" {
		cfg.Network.ProbePath = "/"
	}

	durs := []struct {
		name string
		val  string
		def  time.Duration
		out  *time.Duration
	}{
		{"server.timeout", cfg.Server.Timeout, 30 * time.Second, &cfg.timeoutDur},
		{"network.probeEvery", cfg.Network.ProbeEvery, 15 * time.Second, &cfg.probeEveryDur},
		{"network.linkCheckEvery", cfg.Network.LinkCheckEvery, 5 * time.Second, &cfg.linkEveryDur},
		{"logging.logStatsEvery", cfg.Logging.LogStatsEvery, 0, &cfg.Logging.logStatsEveryDur},
	}
	for _, d := range durs {
		if d.val == "" {
			*d.out = d.def
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.out = v
	}

	if cfg.NoCache == nil {
		cfg.NoCache = []string{"authenticate", "token", "login"}
	}
	cfg.noCache = cfg.noCache[:0]
	for i, p := range cfg.NoCache {
		m, err := parseResourcePattern(p)
		if err != nil {
			return fmt.Errorf("noCache[%d]: %w", i, err)
		}
		cfg.noCache = append(cfg.noCache, m)
	}
	return nil
}

func parseResourcePattern(expr string) (resourceMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	if !strings.HasPrefix(expr, "PathPrefix(") {
		return fragmentMatcher{Fragment: strings.ToLower(expr)}, nil
	}
	if !strings.HasSuffix(expr, ")") {
		return nil, fmt.Errorf("unterminated PathPrefix in %q", expr)
	}
	inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(expr, "PathPrefix("), ")"))
	if inside == "" || !strings.HasPrefix(inside, "/") {
		return nil, fmt.Errorf("invalid prefix %q", inside)
	}
	return pathPrefixMatcher{Prefix: inside}, nil
}

// Cacheable reports whether key may touch the cache store.
func (cfg *Config) Cacheable(key string) bool {
	for _, m := range cfg.noCache {
		if m.Match(key) {
			return false
		}
	}
	return true
}
