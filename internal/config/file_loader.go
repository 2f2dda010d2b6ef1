package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileConfig represents the subset of configuration that can be provided via file.
type FileConfig struct {
	Addr             string                    `json:"addr" yaml:"addr"`
	LogFile          string                    `json:"log_file" yaml:"log_file"`
	Profiles         []string                  `json:"profiles" yaml:"profiles"`
	AllowHosts       []string                  `json:"allow_hosts" yaml:"allow_hosts"`
	EnableMITM       *bool                     `json:"mitm" yaml:"mitm"`
	MITMCAPath       string                    `json:"mitm_ca" yaml:"mitm_ca"`
	MITMKeyPath      string                    `json:"mitm_key" yaml:"mitm_key"`
	ExcerptLimit     *int                      `json:"excerpt_limit" yaml:"excerpt_limit"`
	MITMDisableHosts []string                  `json:"mitm_disable_hosts" yaml:"mitm_disable_hosts"`
	Filters          []FilterSpec              `json:"filters" yaml:"filters"`
	ProfilesConfig   map[string]map[string]any `json:"profiles_config" yaml:"profiles_config"`

	HTTPSInterceptionEnabled *bool  `json:"https_interception_enabled" yaml:"https_interception_enabled"`
	LeafValidityHours        *int   `json:"leaf_validity_hours" yaml:"leaf_validity_hours"`
	CAOrg                    string `json:"ca_org" yaml:"ca_org"`

	Cache *FileCacheConfig `json:"cache" yaml:"cache"`

	Upstream *FileUpstreamConfig `json:"upstream" yaml:"upstream"`

	Runtime *FileRuntimeConfig `json:"runtime" yaml:"runtime"`

	Streaming *FileStreamingConfig `json:"streaming" yaml:"streaming"`

	LogLevel string `json:"log_level" yaml:"log_level"`

	DiagnosticTLSAddr string `json:"diagnostic_tls_addr" yaml:"diagnostic_tls_addr"`
}

// FileCacheConfig maps the cache.* file configuration keys.
type FileCacheConfig struct {
	Backend       string `json:"backend" yaml:"backend"`
	RemoteURL     string `json:"remote_url" yaml:"remote_url"`
	RemotePrefix  string `json:"remote_prefix" yaml:"remote_prefix"`
	TTLHours      *int   `json:"ttl_hours" yaml:"ttl_hours"`
	MaxEntries    *int   `json:"max_entries" yaml:"max_entries"`
	SafetyMarginS *int   `json:"safety_margin_seconds" yaml:"safety_margin_seconds"`
}

// FileUpstreamConfig maps the upstream.* file configuration keys.
type FileUpstreamConfig struct {
	ConnectTimeoutMS  *int  `json:"connect_timeout_ms" yaml:"connect_timeout_ms"`
	RequestTimeoutMS  *int  `json:"request_timeout_ms" yaml:"request_timeout_ms"`
	PoolIdleTimeoutMS *int  `json:"pool_idle_timeout_ms" yaml:"pool_idle_timeout_ms"`
	MaxIdlePerHost    *int  `json:"max_idle_per_host" yaml:"max_idle_per_host"`
	SkipCertVerify    *bool `json:"skip_cert_verify" yaml:"skip_cert_verify"`
}

// FileRuntimeConfig maps the runtime.* file configuration keys.
type FileRuntimeConfig struct {
	Mode         string `json:"mode" yaml:"mode"`
	ProcessCount *int   `json:"process_count" yaml:"process_count"`
	UseReuseport *bool  `json:"use_reuseport" yaml:"use_reuseport"`
}

// FileStreamingConfig maps the streaming.* file configuration keys.
type FileStreamingConfig struct {
	MaxLogBodySize    *int `json:"max_log_body_size" yaml:"max_log_body_size"`
	MaxPartialLogSize *int `json:"max_partial_log_size" yaml:"max_partial_log_size"`
}

// LoadFile parses configuration from the provided file path.
func LoadFile(path string) (FileConfig, error) {
	if path == "" {
		return FileConfig{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read config file: %w", err)
	}

	fc := FileConfig{}
	switch detectFormat(path, data) {
	case "yaml":
		err = yaml.Unmarshal(data, &fc)
	case "json":
		err = json.Unmarshal(data, &fc)
	default:
		err = errors.New("unsupported config format (use .json, .yml, or .yaml)")
	}
	if err != nil {
		return FileConfig{}, err
	}

	return fc, nil
}

// Merge overlays file configuration on top of the base Config parsed from flags.
// There are no environment-variable overrides.
func Merge(base Config, fc FileConfig) Config {
	if fc.Addr != "" {
		base.Addr = fc.Addr
	}
	if fc.LogFile != "" {
		base.LogFile = fc.LogFile
	}
	if len(fc.Profiles) > 0 {
		base.Profiles = fc.Profiles
	}
	if len(fc.AllowHosts) > 0 {
		base.AllowHosts = fc.AllowHosts
	}
	if fc.EnableMITM != nil {
		base.EnableMITM = *fc.EnableMITM
	}
	if fc.MITMCAPath != "" {
		base.MITMCAPath = fc.MITMCAPath
	}
	if fc.MITMKeyPath != "" {
		base.MITMKeyPath = fc.MITMKeyPath
	}
	if fc.ExcerptLimit != nil {
		base.ExcerptLimit = *fc.ExcerptLimit
	}
	if len(fc.MITMDisableHosts) > 0 {
		base.MITMDisableHosts = fc.MITMDisableHosts
	}
	if len(fc.Filters) > 0 {
		base.Filters = fc.Filters
	}
	if len(fc.ProfilesConfig) > 0 {
		if base.ProfilesConfig == nil {
			base.ProfilesConfig = make(map[string]map[string]any)
		}
		for name, cfg := range fc.ProfilesConfig {
			base.ProfilesConfig[name] = cfg
		}
	}

	if fc.HTTPSInterceptionEnabled != nil {
		base.HTTPSInterceptionEnabled = *fc.HTTPSInterceptionEnabled
	}
	if fc.LeafValidityHours != nil {
		base.LeafValidityHours = *fc.LeafValidityHours
	}
	if fc.CAOrg != "" {
		base.CAOrg = fc.CAOrg
	}

	if c := fc.Cache; c != nil {
		if c.Backend != "" {
			base.CacheBackend = c.Backend
		}
		if c.RemoteURL != "" {
			base.CacheRemoteURL = c.RemoteURL
		}
		if c.RemotePrefix != "" {
			base.CacheRemotePrefix = c.RemotePrefix
		}
		if c.TTLHours != nil {
			base.CacheTTLHours = *c.TTLHours
		}
		if c.MaxEntries != nil {
			base.CacheMaxEntries = *c.MaxEntries
		}
		if c.SafetyMarginS != nil {
			base.CacheSafetyMarginS = *c.SafetyMarginS
		}
	}

	if u := fc.Upstream; u != nil {
		if u.ConnectTimeoutMS != nil {
			base.UpstreamConnectTimeoutMS = *u.ConnectTimeoutMS
		}
		if u.RequestTimeoutMS != nil {
			base.UpstreamRequestTimeoutMS = *u.RequestTimeoutMS
		}
		if u.PoolIdleTimeoutMS != nil {
			base.UpstreamPoolIdleTimeoutMS = *u.PoolIdleTimeoutMS
		}
		if u.MaxIdlePerHost != nil {
			base.UpstreamMaxIdlePerHost = *u.MaxIdlePerHost
		}
		if u.SkipCertVerify != nil {
			base.UpstreamSkipCertVerify = *u.SkipCertVerify
		}
	}

	if r := fc.Runtime; r != nil {
		if r.Mode != "" {
			base.RuntimeMode = r.Mode
		}
		if r.ProcessCount != nil {
			base.RuntimeProcessCount = *r.ProcessCount
		}
		if r.UseReuseport != nil {
			base.RuntimeUseReuseport = *r.UseReuseport
		}
	}

	if s := fc.Streaming; s != nil {
		if s.MaxLogBodySize != nil {
			base.MaxLogBodySize = *s.MaxLogBodySize
		}
		if s.MaxPartialLogSize != nil {
			base.MaxPartialLogSize = *s.MaxPartialLogSize
		}
	}

	if fc.LogLevel != "" {
		base.LogLevel = fc.LogLevel
	}

	if fc.DiagnosticTLSAddr != "" {
		base.DiagnosticTLSAddr = fc.DiagnosticTLSAddr
	}

	return base
}

func detectFormat(path string, data []byte) string {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") {
		return "yaml"
	}
	if strings.HasSuffix(lower, ".json") {
		return "json"
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		return "json"
	}
	return "yaml"
}
