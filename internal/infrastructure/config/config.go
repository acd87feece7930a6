package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Telemetry TelemetryConfig `koanf:"telemetry"`

	Store       StoreConfig       `koanf:"store"`
	Bus         BusConfig         `koanf:"bus"`
	Consensus   ConsensusConfig   `koanf:"consensus"`
	Agents      AgentsConfig      `koanf:"agents"`
	Coordinator CoordinatorConfig `koanf:"coordinator"`
	Pool        PoolConfig        `koanf:"pool"`
	Recovery    RecoveryConfig    `koanf:"recovery"`
	Gateway     GatewayConfig     `koanf:"gateway"`
	Audit       AuditConfig       `koanf:"audit"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"min=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL          string        `koanf:"url"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	MaxRetries   int           `koanf:"max_retries"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type TelemetryConfig struct {
	Enabled       bool          `koanf:"enabled"`
	MetricsAddr   string        `koanf:"metrics_addr"`
	OTLPEndpoint  string        `koanf:"otlp_endpoint"`
	SamplingRate  float64       `koanf:"sampling_rate" validate:"min=0,max=1"`
	ExportTimeout time.Duration `koanf:"export_timeout"`
	BatchTimeout  time.Duration `koanf:"batch_timeout"`
}

type StoreConfig struct {
	ReplicaRegions     []string      `koanf:"replica_regions"`
	ReplicationTimeout time.Duration `koanf:"replication_timeout"`
	AppendRetries      int           `koanf:"append_retries" validate:"min=1"`
	RetryBaseDelay     time.Duration `koanf:"retry_base_delay"`
	RetryMaxDelay      time.Duration `koanf:"retry_max_delay"`
	SnapshotThreshold  uint64        `koanf:"snapshot_threshold" validate:"min=1"`
	StreamBuffer       int           `koanf:"stream_buffer" validate:"min=1"`
}

type BusConfig struct {
	QueueSize       int `koanf:"queue_size" validate:"min=1"`
	DeadLetterLimit int `koanf:"dead_letter_limit"`
}

type ConsensusConfig struct {
	NodeID            string        `koanf:"node_id"`
	Peers             []string      `koanf:"peers"`
	SigningKey        string        `koanf:"signing_key"`
	RoundTimeout      time.Duration `koanf:"round_timeout"`
	ViewChangeTimeout time.Duration `koanf:"view_change_timeout"`
	FutureWindow      uint64        `koanf:"future_window"`
	SuspicionLimit    int           `koanf:"suspicion_limit" validate:"min=1"`
	SuspicionWindow   time.Duration `koanf:"suspicion_window"`
	MaxActiveRounds   int           `koanf:"max_active_rounds" validate:"min=1"`
}

type AgentsConfig struct {
	CallTimeout        time.Duration `koanf:"call_timeout"`
	MaxRetries         int           `koanf:"max_retries"`
	RetryBaseDelay     time.Duration `koanf:"retry_base_delay"`
	HeartbeatInterval  time.Duration `koanf:"heartbeat_interval"`
	DegradedAfter      time.Duration `koanf:"degraded_after"`
	DeadAfter          time.Duration `koanf:"dead_after"`
	BreakerFailureRate float64       `koanf:"breaker_failure_rate" validate:"min=0,max=1"`
	BreakerMinRequests int           `koanf:"breaker_min_requests"`
	BreakerCooldown    time.Duration `koanf:"breaker_cooldown"`
}

type CoordinatorConfig struct {
	MaxConcurrentIncidents int           `koanf:"max_concurrent_incidents" validate:"min=1"`
	QueueMaxWait           time.Duration `koanf:"queue_max_wait"`
	AgentDeadlineMax       time.Duration `koanf:"agent_deadline_max"`
	IncidentDeadline       time.Duration `koanf:"incident_deadline"`
	RequiredAgentTypes     []string      `koanf:"required_agent_types"`
}

type PoolConfig struct {
	MinReplicas       int           `koanf:"min_replicas" validate:"min=1"`
	MaxReplicas       int           `koanf:"max_replicas" validate:"min=1"`
	TargetUtilization float64       `koanf:"target_utilization" validate:"min=0,max=1"`
	ScaleUpThreshold  float64       `koanf:"scale_up_threshold"`
	ScaleDownThreshold float64      `koanf:"scale_down_threshold"`
	Cooldown          time.Duration `koanf:"cooldown"`
	Regions           []string      `koanf:"regions"`
}

type RecoveryConfig struct {
	CorrelationWindow    time.Duration `koanf:"correlation_window"`
	CorrelatedThreshold  int           `koanf:"correlated_threshold" validate:"min=1"`
	FailedRecoveryLimit  int           `koanf:"failed_recovery_limit" validate:"min=1"`
	AutoEscalationDelay  time.Duration `koanf:"auto_escalation_delay"`
	EscalationTokenKey   string        `koanf:"escalation_token_key"`
	EscalationTokenTTL   time.Duration `koanf:"escalation_token_ttl"`
}

type GatewayConfig struct {
	DefaultModel     string        `koanf:"default_model"`
	FallbackModels   []string      `koanf:"fallback_models"`
	RequestTimeout   time.Duration `koanf:"request_timeout"`
	RequestsPerSec   float64       `koanf:"requests_per_sec"`
	Burst            int           `koanf:"burst"`
	BreakerThreshold int           `koanf:"breaker_threshold"`
	BreakerCooldown  time.Duration `koanf:"breaker_cooldown"`
}

type AuditConfig struct {
	RetentionDays int `koanf:"retention_days" validate:"min=1"`
}

// defaults are the baseline every deployment starts from; file and env
// overrides layer on top.
func defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Telemetry: TelemetryConfig{
			MetricsAddr:   ":9464",
			SamplingRate:  0.1,
			ExportTimeout: 30 * time.Second,
			BatchTimeout:  5 * time.Second,
		},
		Store: StoreConfig{
			ReplicaRegions:     []string{"us-east-1", "eu-west-1"},
			ReplicationTimeout: 5 * time.Second,
			AppendRetries:      3,
			RetryBaseDelay:     50 * time.Millisecond,
			RetryMaxDelay:      2 * time.Second,
			SnapshotThreshold:  100,
			StreamBuffer:       256,
		},
		Bus: BusConfig{
			QueueSize:       128,
			DeadLetterLimit: 1024,
		},
		Consensus: ConsensusConfig{
			NodeID:            "node-a",
			Peers:             []string{"node-a", "node-b", "node-c", "node-d"},
			RoundTimeout:      10 * time.Second,
			ViewChangeTimeout: 15 * time.Second,
			FutureWindow:      32,
			SuspicionLimit:    3,
			SuspicionWindow:   time.Minute,
			MaxActiveRounds:   64,
		},
		Agents: AgentsConfig{
			CallTimeout:        30 * time.Second,
			MaxRetries:         3,
			RetryBaseDelay:     100 * time.Millisecond,
			HeartbeatInterval:  5 * time.Second,
			DegradedAfter:      15 * time.Second,
			DeadAfter:          45 * time.Second,
			BreakerFailureRate: 0.5,
			BreakerMinRequests: 5,
			BreakerCooldown:    30 * time.Second,
		},
		Coordinator: CoordinatorConfig{
			MaxConcurrentIncidents: 32,
			QueueMaxWait:           30 * time.Second,
			AgentDeadlineMax:       60 * time.Second,
			IncidentDeadline:       10 * time.Minute,
			RequiredAgentTypes:     []string{"diagnosis", "resolution"},
		},
		Pool: PoolConfig{
			MinReplicas:        2,
			MaxReplicas:        16,
			TargetUtilization:  0.6,
			ScaleUpThreshold:   0.8,
			ScaleDownThreshold: 0.3,
			Cooldown:           2 * time.Minute,
			Regions:            []string{"us-east-1", "eu-west-1"},
		},
		Recovery: RecoveryConfig{
			CorrelationWindow:   5 * time.Minute,
			CorrelatedThreshold: 3,
			FailedRecoveryLimit: 5,
			AutoEscalationDelay: 10 * time.Second,
			EscalationTokenTTL:  time.Hour,
		},
		Gateway: GatewayConfig{
			DefaultModel:     "sentinel-large",
			RequestTimeout:   60 * time.Second,
			RequestsPerSec:   5,
			Burst:            10,
			BreakerThreshold: 5,
			BreakerCooldown:  time.Minute,
		},
		Audit: AuditConfig{
			RetentionDays: 365,
		},
	}
}

// Load builds the configuration: defaults, then an optional YAML file,
// then SENTINEL_-prefixed environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = "configs/config.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("SENTINEL_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "SENTINEL_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}
