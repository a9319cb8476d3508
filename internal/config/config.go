package config

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr      = ":8080"
	defaultDBPath          = "kiln.db"
	defaultBackendURL      = "http://127.0.0.1:8188"
	defaultGPUType         = "A10G"
	defaultPollInterval    = time.Second
	defaultJobTimeout      = 10 * time.Minute
	defaultRetryDelay      = 2 * time.Second
	defaultRequestTimeout  = 30 * time.Second
	defaultCancelOnTimeout = true
	defaultAdapterDir      = "models/loras"
	defaultProbeTTL        = 30 * time.Second

	envListenAddr      = "KILN_LISTEN_ADDR"
	envDBPath          = "KILN_DB_PATH"
	envLogLevel        = "KILN_LOG_LEVEL"
	envBackendURL      = "KILN_BACKEND_URL"
	envBackends        = "KILN_BACKENDS"
	envGPUType         = "KILN_GPU_TYPE"
	envPollInterval    = "KILN_POLL_INTERVAL"
	envJobTimeout      = "KILN_JOB_TIMEOUT"
	envRetryDelay      = "KILN_RETRY_DELAY"
	envRequestTimeout  = "KILN_REQUEST_TIMEOUT"
	envCancelOnTimeout = "KILN_CANCEL_ON_TIMEOUT"
	envAdapterDir      = "KILN_ADAPTER_DIR"
	envAdapterTiers    = "KILN_ADAPTER_TIERS"
	envRatesFile       = "KILN_RATES_FILE"
	envDefaultRate     = "KILN_DEFAULT_RATE"
	envProbeTTL        = "KILN_PROBE_TTL"
)

// Tier is a durable adapter storage location.
type Tier struct {
	Name string
	Dir  string
}

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// Backends maps GPU type to backend base URL. GPUType is the default.
	Backends map[string]string
	GPUType  string

	PollInterval    time.Duration
	JobTimeout      time.Duration
	RetryDelay      time.Duration
	RequestTimeout  time.Duration
	CancelOnTimeout bool

	AdapterDir   string
	AdapterTiers []Tier

	RatesFile   string
	DefaultRate *float64
	ProbeTTL    time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values are reported rather than silently replaced.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:      defaultListenAddr,
		DBPath:          defaultDBPath,
		LogLevel:        slog.LevelInfo,
		GPUType:         defaultGPUType,
		PollInterval:    defaultPollInterval,
		JobTimeout:      defaultJobTimeout,
		RetryDelay:      defaultRetryDelay,
		RequestTimeout:  defaultRequestTimeout,
		CancelOnTimeout: defaultCancelOnTimeout,
		AdapterDir:      defaultAdapterDir,
		ProbeTTL:        defaultProbeTTL,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}
	if v := os.Getenv(envGPUType); v != "" {
		cfg.GPUType = v
	}
	if v := os.Getenv(envAdapterDir); v != "" {
		cfg.AdapterDir = v
	}
	cfg.RatesFile = os.Getenv(envRatesFile)

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{envPollInterval, &cfg.PollInterval},
		{envJobTimeout, &cfg.JobTimeout},
		{envRetryDelay, &cfg.RetryDelay},
		{envRequestTimeout, &cfg.RequestTimeout},
		{envProbeTTL, &cfg.ProbeTTL},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed < 0 {
			return Config{}, fmt.Errorf("%s: invalid duration %q", d.env, v)
		}
		*d.dst = parsed
	}
	if cfg.PollInterval == 0 || cfg.JobTimeout == 0 || cfg.RequestTimeout == 0 {
		return Config{}, fmt.Errorf("%s, %s and %s must be positive", envPollInterval, envJobTimeout, envRequestTimeout)
	}

	if v := os.Getenv(envCancelOnTimeout); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: invalid boolean %q", envCancelOnTimeout, v)
		}
		cfg.CancelOnTimeout = b
	}

	if v := os.Getenv(envDefaultRate); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil || rate < 0 {
			return Config{}, fmt.Errorf("%s: invalid rate %q", envDefaultRate, v)
		}
		cfg.DefaultRate = &rate
	}

	tiers, err := parseTiers(os.Getenv(envAdapterTiers))
	if err != nil {
		return Config{}, err
	}
	cfg.AdapterTiers = tiers

	backends, err := parseBackends(os.Getenv(envBackends))
	if err != nil {
		return Config{}, err
	}
	if len(backends) == 0 {
		backendURL := defaultBackendURL
		if v := os.Getenv(envBackendURL); v != "" {
			backendURL = v
		}
		if err := checkURL(envBackendURL, backendURL); err != nil {
			return Config{}, err
		}
		backends = map[string]string{cfg.GPUType: backendURL}
	}
	if _, ok := backends[cfg.GPUType]; !ok {
		return Config{}, fmt.Errorf("%s %q has no entry in %s", envGPUType, cfg.GPUType, envBackends)
	}
	cfg.Backends = backends

	return cfg, nil
}

// GPUTypes returns the configured GPU types, sorted.
func (c Config) GPUTypes() []string {
	types := make([]string, 0, len(c.Backends))
	for gpu := range c.Backends {
		types = append(types, gpu)
	}
	sort.Strings(types)
	return types
}

// parseBackends reads "GPU=url,GPU=url".
func parseBackends(s string) (map[string]string, error) {
	backends := make(map[string]string)
	for _, entry := range splitList(s) {
		gpu, u, ok := strings.Cut(entry, "=")
		gpu, u = strings.TrimSpace(gpu), strings.TrimSpace(u)
		if !ok || gpu == "" || u == "" {
			return nil, fmt.Errorf("%s: entry %q must be GPU=url", envBackends, entry)
		}
		if err := checkURL(envBackends, u); err != nil {
			return nil, err
		}
		if _, dup := backends[gpu]; dup {
			return nil, fmt.Errorf("%s: duplicate gpu type %q", envBackends, gpu)
		}
		backends[gpu] = u
	}
	return backends, nil
}

// parseTiers reads "dir,dir" or "name=dir,name=dir". Unnamed tiers are named
// by position: tier1, tier2, and so on.
func parseTiers(s string) ([]Tier, error) {
	var tiers []Tier
	for i, entry := range splitList(s) {
		name, dir, ok := strings.Cut(entry, "=")
		if !ok {
			name, dir = fmt.Sprintf("tier%d", i+1), entry
		}
		name, dir = strings.TrimSpace(name), strings.TrimSpace(dir)
		if name == "" || dir == "" {
			return nil, fmt.Errorf("%s: invalid entry %q", envAdapterTiers, entry)
		}
		tiers = append(tiers, Tier{Name: name, Dir: dir})
	}
	return tiers, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func checkURL(env, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s: invalid backend url %q", env, raw)
	}
	return nil
}

// ParseLogLevel maps a level name to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
