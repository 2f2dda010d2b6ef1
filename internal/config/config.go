package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
)

// Config represents the runtime options used to start the proxy.
type Config struct {
	Addr             string
	LogFile          string
	Profiles         []string
	AllowHosts       []string
	EnableMITM       bool
	MITMCAPath       string
	MITMKeyPath      string
	ExcerptLimit     int
	MITMDisableHosts []string
	Filters          []FilterSpec
	ProfilesConfig   map[string]map[string]any

	// HTTPSInterceptionEnabled gates whether CONNECT tunnels are terminated
	// and re-originated (true) or simply spliced through to the origin
	// (false). EnableMITM/MITMCAPath/MITMKeyPath above remain the CA
	// material this flag applies to.
	HTTPSInterceptionEnabled bool
	LeafValidityHours        int
	CAOrg                    string

	// CacheBackend is "memory" or "remote".
	CacheBackend       string
	CacheRemoteURL     string
	CacheRemotePrefix  string
	CacheTTLHours      int
	CacheMaxEntries    int
	CacheSafetyMarginS int

	UpstreamConnectTimeoutMS  int
	UpstreamRequestTimeoutMS  int
	UpstreamPoolIdleTimeoutMS int
	UpstreamMaxIdlePerHost    int
	UpstreamSkipCertVerify    bool

	RuntimeMode         string
	RuntimeProcessCount int
	RuntimeUseReuseport bool

	MaxLogBodySize    int
	MaxPartialLogSize int

	LogLevel string

	// DiagnosticTLSAddr, if set, starts the optional diagnostic TLS
	// endpoint (internal/engine.NewDiagnosticTLSListener) — never a second
	// proxy-entry path.
	DiagnosticTLSAddr string
}

// FilterSpec describes filter configuration entries parsed from files.
type FilterSpec struct {
	Name   string   `json:"name" yaml:"name"`
	Type   string   `json:"type" yaml:"type"`
	Header string   `json:"header" yaml:"header"`
	Values []string `json:"values" yaml:"values"`
}

// MustParseFlags reads configuration from CLI flags and terminates the process
// if parsing fails. Prefer ParseFlags when callers want explicit error handling.
func MustParseFlags(baseSet *flag.FlagSet, args []string) Config {
	cfg, err := ParseFlags(baseSet, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "failed to parse flags: %v\n", err)
		os.Exit(2)
	}
	return cfg
}

// ParseFlags reads supported CLI flags into a Config value.
func ParseFlags(baseSet *flag.FlagSet, args []string) (Config, error) {
	fs := flag.NewFlagSet("audit-proxy", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		addr        = fs.String("addr", "127.0.0.1:8080", "address the proxy listens on")
		logFile     = fs.String("log-file", "logs/audit.jsonl", "path to the JSONL log file")
		profilesStr = fs.String("profiles", "generic", "comma-separated list of profile names to enable")
		allowHosts  = fs.String("allow-hosts", "*", "comma-separated allowlist of upstream hosts (\"*\" allows all)")
		mitm        = fs.Bool("mitm", false, "enable MITM interception")
		mitmCA      = fs.String("mitm-ca", "", "path to the MITM root CA certificate")
		mitmKey     = fs.String("mitm-key", "", "path to the MITM root CA private key")
		excerpt     = fs.Int("excerpt-limit", 4096, "accepted and validated but not applied; excerpt sizes come from -max-log-body-size and -max-partial-log-size")
		mitmSkip    = fs.String("mitm-disable-hosts", "", "comma-separated list of hosts to bypass MITM even when enabled")

		httpsIntercept = fs.Bool("https-interception", true, "terminate and re-originate CONNECT tunnels instead of splicing them through")
		leafValidity   = fs.Int("leaf-validity-hours", 24, "hours a minted leaf certificate remains valid")
		caOrg          = fs.String("ca-org", "MITM Forward Proxy", "organization name embedded in minted leaf certificates")

		cacheBackend      = fs.String("cache-backend", "memory", "certificate cache backend: memory or remote")
		cacheRemoteURL    = fs.String("cache-remote-url", "", "redis URL for the remote certificate cache backend")
		cacheRemotePrefix = fs.String("cache-remote-prefix", "mitm-proxy:cert", "key prefix used in the remote certificate cache")
		cacheTTLHours     = fs.Int("cache-ttl-hours", 0, "accepted but not applied; cached leaves always expire at their certificate's own NotAfter")
		cacheMaxEntries   = fs.Int("cache-max-entries", 1000, "maximum entries kept in the in-process certificate cache")
		cacheSafetyMargin = fs.Int("cache-safety-margin-seconds", 60, "seconds before NotAfter a cached leaf is treated as expired")

		connectTimeoutMS  = fs.Int("upstream-connect-timeout-ms", 10000, "upstream TCP/TLS connect timeout in milliseconds")
		requestTimeoutMS  = fs.Int("upstream-request-timeout-ms", 30000, "upstream request timeout in milliseconds")
		poolIdleTimeoutMS = fs.Int("upstream-pool-idle-timeout-ms", 90000, "idle connection pool timeout in milliseconds")
		maxIdlePerHost    = fs.Int("upstream-max-idle-per-host", 50, "maximum idle upstream connections kept per host")
		skipCertVerify    = fs.Bool("upstream-skip-cert-verify", false, "skip upstream TLS certificate verification (test only)")

		runtimeMode    = fs.String("runtime-mode", "single", "runtime supervisor mode: single, multi_threaded, or multi_process")
		processCount   = fs.Int("runtime-process-count", 0, "worker process/goroutine count for multi_threaded/multi_process modes (0 uses the CPU count)")
		useReuseport   = fs.Bool("runtime-use-reuseport", false, "bind worker processes with SO_REUSEPORT in multi_process mode")

		maxLogBodySize    = fs.Int("max-log-body-size", 1<<20, "maximum bytes of a body captured in full for audit logging")
		maxPartialLogSize = fs.Int("max-partial-log-size", 1<<10, "bytes captured from oversized or chunked bodies")

		logLevel = fs.String("log-level", "info", "operational logger level: debug, info, warn, or error")

		diagnosticTLSAddr = fs.String("diagnostic-tls-addr", "", "optional address for a diagnostic-only TLS endpoint (empty disables it)")
	)

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Addr:             *addr,
		LogFile:          *logFile,
		Profiles:         normaliseList(*profilesStr),
		AllowHosts:       normaliseList(*allowHosts),
		EnableMITM:       *mitm,
		MITMCAPath:       *mitmCA,
		MITMKeyPath:      *mitmKey,
		ExcerptLimit:     *excerpt,
		MITMDisableHosts: normaliseList(*mitmSkip),

		HTTPSInterceptionEnabled: *httpsIntercept,
		LeafValidityHours:        *leafValidity,
		CAOrg:                    *caOrg,

		CacheBackend:       *cacheBackend,
		CacheRemoteURL:     *cacheRemoteURL,
		CacheRemotePrefix:  *cacheRemotePrefix,
		CacheTTLHours:      *cacheTTLHours,
		CacheMaxEntries:    *cacheMaxEntries,
		CacheSafetyMarginS: *cacheSafetyMargin,

		UpstreamConnectTimeoutMS:  *connectTimeoutMS,
		UpstreamRequestTimeoutMS:  *requestTimeoutMS,
		UpstreamPoolIdleTimeoutMS: *poolIdleTimeoutMS,
		UpstreamMaxIdlePerHost:    *maxIdlePerHost,
		UpstreamSkipCertVerify:    *skipCertVerify,

		RuntimeMode:         *runtimeMode,
		RuntimeProcessCount: *processCount,
		RuntimeUseReuseport: *useReuseport,

		MaxLogBodySize:    *maxLogBodySize,
		MaxPartialLogSize: *maxPartialLogSize,

		LogLevel: *logLevel,

		DiagnosticTLSAddr: *diagnosticTLSAddr,
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate ensures the configuration is internally consistent.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr must not be empty")
	}
	if len(c.Profiles) == 0 {
		return errors.New("at least one profile must be specified")
	}
	if c.ExcerptLimit < 0 {
		return errors.New("excerpt limit must be zero or positive")
	}
	if c.EnableMITM {
		if c.MITMCAPath == "" {
			return errors.New("mitm enabled but ca path not provided")
		}
		// MITMKeyPath may be empty: ca.Load falls back to a self-signed
		// degraded mode when only the certificate is available.
	}
	if err := c.validateFilters(); err != nil {
		return err
	}
	switch c.CacheBackend {
	case "", "memory":
	case "remote":
		if c.CacheRemoteURL == "" {
			return errors.New("cache backend \"remote\" requires cache-remote-url")
		}
	default:
		return fmt.Errorf("unknown cache backend: %s", c.CacheBackend)
	}
	switch c.RuntimeMode {
	case "", "single", "multi_threaded", "multi_process":
	default:
		return fmt.Errorf("unknown runtime mode: %s", c.RuntimeMode)
	}
	if c.RuntimeProcessCount < 0 {
		return errors.New("runtime process count must be zero or positive")
	}
	if c.MaxLogBodySize < 0 || c.MaxPartialLogSize < 0 {
		return errors.New("log body size limits must be zero or positive")
	}
	return nil
}

func (c Config) validateFilters() error {
	for _, f := range c.Filters {
		switch f.Type {
		case "header-block":
			if f.Header == "" {
				return fmt.Errorf("filter %q missing header", f.Name)
			}
		case "path-prefix-block":
			if len(f.Values) == 0 {
				return fmt.Errorf("filter %q requires at least one prefix value", f.Name)
			}
		case "path-prefix-allow":
			if len(f.Values) == 0 {
				return fmt.Errorf("filter %q requires at least one allow prefix", f.Name)
			}
		default:
			return fmt.Errorf("unknown filter type: %s", f.Type)
		}
	}
	return nil
}

func normaliseList(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
