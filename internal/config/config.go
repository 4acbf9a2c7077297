// Package config implements the config loader / canary guard (C14): typed
// structures parsed from a versioned configuration directory, the
// compile-time sanity checks spec.md §4.14 requires before anything is
// applied, and the atomic swap that publishes a new generation without
// disturbing in-flight requests.
//
// The schema and env-override mechanics below are grounded directly on the
// teacher's internal/config/config.go: the same getEnv/getEnvBool/
// getEnvFloat/getEnvInt helper set, the same "parse YAML, then layer env
// overrides, then apply defaults" sequence — narrowed from the teacher's
// OCX tenant/escrow/reputation schema to AEGIS's route/WAF/sandbox/registry
// schema.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// HeaderMatcherSpec is the on-disk form of router.HeaderMatcher.
type HeaderMatcherSpec struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Present bool   `yaml:"present"`
}

// ModuleRefSpec is the on-disk form of router.ModuleRef.
type ModuleRefSpec struct {
	Kind           string `yaml:"kind"` // WAF | BotDetector | EdgeFunction
	ModuleID       string `yaml:"module_id"`
	ContentID      string `yaml:"content_id"`
	RequiredPubKey string `yaml:"required_public_key,omitempty"`
}

// RouteSpec is the on-disk form of router.Route (spec.md §3). MatchKind and
// Methods are authored as strings/lists rather than router's internal
// int-enum and map — friendlier to hand-write and diff in a versioned
// directory.
type RouteSpec struct {
	Name            string              `yaml:"name"`
	Priority        int32               `yaml:"priority"`
	MatchKind       string              `yaml:"match_kind"` // exact | prefix | regex
	PathPattern     string              `yaml:"path_pattern"`
	Methods         []string            `yaml:"methods"`
	Headers         []HeaderMatcherSpec `yaml:"headers,omitempty"`
	Pipeline        []ModuleRefSpec     `yaml:"pipeline"`
	ContinueOnError bool                `yaml:"continue_on_error"`
	Enabled         bool                `yaml:"enabled"`
	BodyLimit       int                 `yaml:"body_limit"`
	VaryHeaders     []string            `yaml:"vary_headers,omitempty"`
}

// WAFRuleSpec mirrors waf.Rule field-for-field, as its own on-disk type
// (rather than reusing waf.Rule directly) so this package's schema doesn't
// change shape silently if waf.Rule's internal layout does.
type WAFRuleSpec struct {
	ID         string        `yaml:"id"`
	Phase      int           `yaml:"phase"`
	Severity   int           `yaml:"severity"`
	Tags       []string      `yaml:"tags,omitempty"`
	Field      string        `yaml:"field"`
	Operator   string        `yaml:"operator"`
	Pattern    string        `yaml:"pattern,omitempty"`
	Phrases    []string      `yaml:"phrases,omitempty"`
	Transforms []string      `yaml:"transforms,omitempty"`
	Chain      []WAFRuleSpec `yaml:"chain,omitempty"`
	Action     string        `yaml:"action,omitempty"`
	Negate     bool          `yaml:"negate,omitempty"`
}

// WAFConfig configures the WAF engine (C6).
type WAFConfig struct {
	Mode      string        `yaml:"mode"` // classic | enhanced
	Threshold float64       `yaml:"threshold"`
	BodyLimit int           `yaml:"body_limit"`
	Rules     []WAFRuleSpec `yaml:"rules"`
}

// ChallengeConfig configures the challenge engine (C7). Thresholds are
// configurable per deployment but never per-request (spec.md §4.7).
type ChallengeConfig struct {
	AllowThreshold       int `yaml:"allow_threshold"`
	ChallengeThreshold   int `yaml:"challenge_threshold"`
	SubmissionWindowSec  int `yaml:"submission_window_sec"`
	DefaultPoWDifficulty int `yaml:"default_pow_difficulty"`
}

// CacheConfig configures the cache (C8).
type CacheConfig struct {
	TTLDefaultSec int    `yaml:"ttl_default_sec"`
	MaxEntries    int    `yaml:"max_entries"`
	RedisAddr     string `yaml:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty"`
	RedisDB       int    `yaml:"redis_db"`
}

// SandboxConfig configures the Wasm sandbox runtime (C4) resource envelope.
type SandboxConfig struct {
	Fuel         uint64 `yaml:"fuel"`
	MemoryBytes  int64  `yaml:"memory"`
	DeadlineMs   int    `yaml:"deadline_ms"`
	MaxHostCalls int    `yaml:"max_host_calls"`
}

// CounterWindowSpec configures one (resource, window) limit for C10.
type CounterWindowSpec struct {
	Resource  string `yaml:"resource"`
	Limit     uint64 `yaml:"limit"`
	WindowSec int    `yaml:"window_sec"`
}

// RegistryConfig configures the module registry fetcher (C13): the tiered
// lookup order is always local store -> local daemon -> gateways, in that
// order, per spec.md §4.4/§4.13.
type RegistryConfig struct {
	StoreDir       string   `yaml:"store_dir"`
	MaxStoreBytes  int64    `yaml:"max_store_bytes"`
	DaemonAddr     string   `yaml:"daemon_addr,omitempty"`
	Gateways       []string `yaml:"gateways"`
	FetchTimeoutMs int      `yaml:"fetch_timeout_ms"`
	MaxFetchBytes  int64    `yaml:"max_fetch_bytes"`
}

// ServerConfig is the ambient HTTP-listener configuration.
type ServerConfig struct {
	Port               string   `yaml:"port"`
	Env                string   `yaml:"env"`
	Interface          string   `yaml:"interface"`
	ReadTimeoutSec     int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec    int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec     int      `yaml:"idle_timeout_sec"`
	ShutdownTimeoutSec int      `yaml:"shutdown_timeout_sec"`
	RequestDeadlineSec int      `yaml:"request_deadline_sec"`
	CORSAllowOrigins   []string `yaml:"cors_allow_origins"`
}

// ObservabilityConfig is the ambient logging/metrics configuration.
type ObservabilityConfig struct {
	MetricsAddr    string `yaml:"metrics_addr"`
	LogLevel       string `yaml:"log_level"`
	MetricsAuthKey string `yaml:"metrics_auth_key,omitempty"`
}

// GossipConfig configures C11's overlay transport.
type GossipConfig struct {
	ListenAddr        string   `yaml:"listen_addr"`
	SeedPeers         []string `yaml:"seed_peers,omitempty"`
	MulticastGroup    string   `yaml:"multicast_group,omitempty"`
	ClockSkewSec      int      `yaml:"clock_skew_sec"`
	PublishRatePerSec int      `yaml:"publish_rate_per_sec"`
	StrictMode        bool     `yaml:"strict_mode"`
}

// BusConfig configures C10's Pub/Sub delta distribution.
type BusConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
	SubID     string `yaml:"sub_id"`
}

// NodeConfig is the full typed configuration surface described in spec.md
// §6 ("Configuration surface"): routes, WAF rules, challenge thresholds,
// cache defaults, sandbox limits, gateways, trusted operators, and counter
// windows, plus the ambient server/observability/bus/gossip sections every
// real deployment also needs.
type NodeConfig struct {
	Server                ServerConfig        `yaml:"server"`
	Observability         ObservabilityConfig `yaml:"observability"`
	Routes                []RouteSpec         `yaml:"routes"`
	WAF                   WAFConfig           `yaml:"waf"`
	Challenge             ChallengeConfig     `yaml:"challenge"`
	Cache                 CacheConfig         `yaml:"cache"`
	Sandbox               SandboxConfig       `yaml:"sandbox"`
	Counter               CounterConfig       `yaml:"counter"`
	Registry              RegistryConfig      `yaml:"registry"`
	Gossip                GossipConfig        `yaml:"gossip"`
	Bus                   BusConfig           `yaml:"bus"`
	TrustedOperators      []string            `yaml:"trusted_operators"`                  // hex-encoded ed25519 public keys
	NodeSigningPrivateKey string              `yaml:"node_signing_private_key,omitempty"` // hex; empty -> generated at startup
	MaxModulesPerRequest  int                 `yaml:"max_modules_per_request"`
}

// CounterConfig wraps the per-resource window list for C10.
type CounterConfig struct {
	Windows []CounterWindowSpec `yaml:"windows"`
}

// LoadConfig parses a single YAML file into a NodeConfig. It performs no
// validation beyond what the YAML decoder itself enforces — compile-time
// sanity checking is a separate, later step (Manager.Load), exactly as
// spec.md §4.14 splits "parse" from "sanity check" from "swap".
func LoadConfig(path string) (*NodeConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg NodeConfig
	decoder := yaml.NewDecoder(f)
	decoder.SetStrict(false)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides layers environment-variable overrides onto the ambient
// sections only (server, observability, cache remote tier, bus/registry
// endpoints) — never onto domain config (routes, WAF rules, trusted
// operators), which must come exclusively from the versioned directory so
// a reload is fully reproducible from that directory alone.
func (c *NodeConfig) applyEnvOverrides() {
	c.Server.Port = getEnv("AEGIS_PORT", c.Server.Port)
	c.Server.Env = getEnv("AEGIS_ENV", c.Server.Env)
	c.Server.Interface = getEnv("AEGIS_INTERFACE", c.Server.Interface)
	if origins := getEnv("AEGIS_CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	c.Observability.MetricsAddr = getEnv("AEGIS_METRICS_ADDR", c.Observability.MetricsAddr)
	c.Observability.LogLevel = getEnv("AEGIS_LOG_LEVEL", c.Observability.LogLevel)
	c.Observability.MetricsAuthKey = getEnv("AEGIS_METRICS_AUTH_KEY", c.Observability.MetricsAuthKey)

	c.Cache.RedisAddr = getEnv("AEGIS_REDIS_ADDR", c.Cache.RedisAddr)
	c.Cache.RedisPassword = getEnv("AEGIS_REDIS_PASSWORD", c.Cache.RedisPassword)
	if v := getEnvInt("AEGIS_REDIS_DB", -1); v >= 0 {
		c.Cache.RedisDB = v
	}

	c.Bus.ProjectID = getEnv("AEGIS_GCP_PROJECT_ID", c.Bus.ProjectID)
	c.Bus.TopicID = getEnv("AEGIS_PUBSUB_TOPIC", c.Bus.TopicID)
	c.Bus.SubID = getEnv("AEGIS_PUBSUB_SUB", c.Bus.SubID)

	c.Registry.DaemonAddr = getEnv("AEGIS_REGISTRY_DAEMON_ADDR", c.Registry.DaemonAddr)
	c.Registry.StoreDir = getEnv("AEGIS_REGISTRY_STORE_DIR", c.Registry.StoreDir)

	c.NodeSigningPrivateKey = getEnv("AEGIS_NODE_SIGNING_KEY", c.NodeSigningPrivateKey)

	c.Gossip.StrictMode = getEnvBool("AEGIS_GOSSIP_STRICT_MODE", c.Gossip.StrictMode)
	if v := getEnvFloat("AEGIS_WAF_THRESHOLD", 0); v > 0 {
		c.WAF.Threshold = v
	}

	c.applyDefaults()
}

// applyDefaults fills in sensible zero-value defaults, mirroring the
// teacher's applyDefaults — every field here has a spec.md-stated default
// where one exists (§4.4 sandbox limits, §4.5 max_modules_per_request,
// §4.7 thresholds, §5 request deadline).
func (c *NodeConfig) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8443"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeoutSec == 0 {
		c.Server.ShutdownTimeoutSec = 30
	}
	if c.Server.RequestDeadlineSec == 0 {
		c.Server.RequestDeadlineSec = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.MetricsAddr == "" {
		c.Observability.MetricsAddr = "127.0.0.1:9090"
	}
	if c.WAF.Mode == "" {
		c.WAF.Mode = "classic"
	}
	if c.WAF.Threshold == 0 {
		c.WAF.Threshold = 5
	}
	if c.WAF.BodyLimit == 0 {
		c.WAF.BodyLimit = 1 << 20
	}
	if c.Challenge.AllowThreshold == 0 {
		c.Challenge.AllowThreshold = 60
	}
	if c.Challenge.ChallengeThreshold == 0 {
		c.Challenge.ChallengeThreshold = 30
	}
	if c.Challenge.SubmissionWindowSec == 0 {
		c.Challenge.SubmissionWindowSec = 30
	}
	if c.Challenge.DefaultPoWDifficulty == 0 {
		c.Challenge.DefaultPoWDifficulty = 18
	}
	if c.Cache.TTLDefaultSec == 0 {
		c.Cache.TTLDefaultSec = 60
	}
	if c.Sandbox.Fuel == 0 {
		c.Sandbox.Fuel = 5_000_000
	}
	if c.Sandbox.MemoryBytes == 0 {
		c.Sandbox.MemoryBytes = 50 << 20
	}
	if c.Sandbox.DeadlineMs == 0 {
		c.Sandbox.DeadlineMs = 50
	}
	if c.Sandbox.MaxHostCalls == 0 {
		c.Sandbox.MaxHostCalls = 256
	}
	if c.Registry.StoreDir == "" {
		c.Registry.StoreDir = "/var/lib/aegis/modules"
	}
	if c.Registry.MaxStoreBytes == 0 {
		c.Registry.MaxStoreBytes = 1 << 30 // 1 GiB
	}
	if c.Registry.FetchTimeoutMs == 0 {
		c.Registry.FetchTimeoutMs = 5000
	}
	if c.Registry.MaxFetchBytes == 0 {
		c.Registry.MaxFetchBytes = 10 << 20 // 10 MiB, per spec.md §4.4
	}
	if c.Gossip.ClockSkewSec == 0 {
		c.Gossip.ClockSkewSec = 30
	}
	if c.Gossip.PublishRatePerSec == 0 {
		c.Gossip.PublishRatePerSec = 10
	}
	if c.MaxModulesPerRequest == 0 {
		c.MaxModulesPerRequest = 10
	}
}

// Deadline is a convenience accessor converting DeadlineMs to a
// time.Duration for internal/sandbox.NewRuntime's moduleapi.HostLimits.
func (s SandboxConfig) Deadline() time.Duration {
	return time.Duration(s.DeadlineMs) * time.Millisecond
}

// TTLDefault converts TTLDefaultSec to a time.Duration for the cache (C8).
func (c CacheConfig) TTLDefault() time.Duration {
	return time.Duration(c.TTLDefaultSec) * time.Second
}

// =============================================================================
// Helper functions (ambient stack — same helper shape as the teacher's).
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
