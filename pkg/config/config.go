package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the health/metrics HTTP endpoint.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" env:"DATABASE_PORT"`
	User            string `json:"user" env:"DATABASE_USER"`
	Password        string `json:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// TracingConfig configures OTLP/Tracing exporters.
type TracingConfig struct {
	Endpoint           string            `json:"endpoint" env:"TRACING_OTLP_ENDPOINT"`
	Insecure           bool              `json:"insecure" env:"TRACING_OTLP_INSECURE"`
	ServiceName        string            `json:"service_name" env:"TRACING_SERVICE_NAME"`
	ResourceAttributes map[string]string `json:"resource_attributes" mapstructure:"resource_attributes"`
	AttributesEnv      string            `json:"-" yaml:"-" env:"TRACING_OTLP_ATTRIBUTES"`
}

// InspectionConfig carries the Inspection Orchestrator's (Component E)
// tunable policy knobs (spec §4.B configuration surface).
type InspectionConfig struct {
	MaxAttempts   int `json:"max_attempts" env:"INSPECTION_MAX_ATTEMPTS"`
	MinAgeSeconds int `json:"min_age_seconds" env:"INSPECTION_MIN_AGE_SECONDS"`
}

// QueueBatchSize caps how many messages one cloud-queue call may
// send/receive at once (spec §4.B: "queue.batch_size.receive /
// queue.batch_size.send -- cloud queue batch caps (integer <= 10)").
type QueueBatchSize struct {
	Receive int `json:"receive" env:"QUEUE_BATCH_SIZE_RECEIVE"`
	Send    int `json:"send" env:"QUEUE_BATCH_SIZE_SEND"`
}

// QueueConfig controls the work queue (Component G).
type QueueConfig struct {
	BatchSize QueueBatchSize `json:"batch_size"`
}

// ClassificationConfig carries the substring/owner sets the image registry
// uses to derive is_marketplace / is_cloud_access (spec §4.B, §3), plus the
// tag key set the audit ingest pipeline watches for CreateTags/DeleteTags
// events on an AMI (spec §4.A: "currently the single OpenShift tag").
type ClassificationConfig struct {
	MarketplaceTokens      []string `json:"marketplace_tokens" env:"CLASSIFICATION_MARKETPLACE_TOKENS"`
	CloudAccessTokens      []string `json:"cloud_access_tokens" env:"CLASSIFICATION_CLOUD_ACCESS_TOKENS"`
	RHELImageOwnerAccounts []string `json:"rhel_image_owner_accounts" env:"CLASSIFICATION_RHEL_IMAGE_OWNER_ACCOUNTS"`
	OpenShiftTags          []string `json:"openshift_tags" env:"CLASSIFICATION_OPENSHIFT_TAGS"`
}

// TimezoneConfig carries the roll-up's default effective timezone (spec
// §4.F, §4.B: "timezone.default -- fallback zone for concurrency roll-up").
type TimezoneConfig struct {
	Default string `json:"default" env:"TIMEZONE_DEFAULT"`
}

// AWSConfig carries the AWS-path cloud binding (SPEC_FULL.md §6/§11).
type AWSConfig struct {
	Region            string `json:"region" env:"AWS_REGION"`
	AuditBucket       string `json:"audit_bucket" env:"AWS_AUDIT_BUCKET"`
	AuditQueueURL     string `json:"audit_queue_url" env:"AWS_AUDIT_QUEUE_URL"`
	InspectionQueueURL string `json:"inspection_queue_url" env:"AWS_INSPECTION_QUEUE_URL"`
}

// AzureConfig carries the Azure-path cloud binding (SPEC_FULL.md §6/§11).
type AzureConfig struct {
	SubscriptionID string `json:"subscription_id" env:"AZURE_SUBSCRIPTION_ID"`
	TenantID       string `json:"tenant_id" env:"AZURE_TENANT_ID"`
	ClientID       string `json:"client_id" env:"AZURE_CLIENT_ID"`
	ClientSecret   string `json:"client_secret" env:"AZURE_CLIENT_SECRET"`
}

// RedisConfig carries the default/local work-queue broker binding
// (SPEC_FULL.md §11: go-redis/redis/v8).
type RedisConfig struct {
	Addr     string `json:"addr" env:"REDIS_ADDR"`
	Password string `json:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" env:"REDIS_DB"`
}

// NotifierConfig carries the sources-availability notifier's outbound
// endpoint (spec §6).
type NotifierConfig struct {
	URL string `json:"url" env:"NOTIFIER_URL"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server         ServerConfig         `json:"server"`
	Database       DatabaseConfig       `json:"database"`
	Logging        LoggingConfig        `json:"logging"`
	Tracing        TracingConfig        `json:"tracing"`
	Inspection     InspectionConfig     `json:"inspection"`
	Queue          QueueConfig          `json:"queue"`
	Classification ClassificationConfig `json:"classification"`
	Timezone       TimezoneConfig       `json:"timezone"`
	AWS            AWSConfig            `json:"aws"`
	Azure          AzureConfig          `json:"azure"`
	Redis          RedisConfig          `json:"redis"`
	Notifier       NotifierConfig       `json:"notifier"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "usage-tracker",
		},
		Tracing: TracingConfig{},
		Inspection: InspectionConfig{
			MaxAttempts:   3,
			MinAgeSeconds: 3600,
		},
		Queue: QueueConfig{
			BatchSize: QueueBatchSize{Receive: 10, Send: 10},
		},
		Timezone: TimezoneConfig{Default: "UTC"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
	}
}

// ConnectionString builds a PostgreSQL connection string using host parameters.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	cfg.normalize()

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

// applyDatabaseURLOverride lets DATABASE_URL override any file-based DSN to
// reduce setup friction in container environments.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

func (t *TracingConfig) normalize() {
	if t == nil {
		return
	}
	t.MergeAttributes(t.AttributesEnv)
}

// MergeAttributes merges comma-separated key=value pairs into ResourceAttributes.
func (t *TracingConfig) MergeAttributes(raw string) {
	if t == nil {
		return
	}
	pairs := parseAttributePairs(raw)
	if len(pairs) == 0 {
		return
	}
	if t.ResourceAttributes == nil {
		t.ResourceAttributes = make(map[string]string, len(pairs))
	}
	for k, v := range pairs {
		if k == "" {
			continue
		}
		t.ResourceAttributes[k] = v
	}
}

func parseAttributePairs(raw string) map[string]string {
	result := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		key := strings.TrimSpace(kv[0])
		if key == "" {
			continue
		}
		val := ""
		if len(kv) > 1 {
			val = strings.TrimSpace(kv[1])
		}
		result[key] = val
	}
	return result
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	c.Tracing.normalize()
	if c.Inspection.MaxAttempts <= 0 {
		c.Inspection.MaxAttempts = 3
	}
	if c.Queue.BatchSize.Receive <= 0 || c.Queue.BatchSize.Receive > 10 {
		c.Queue.BatchSize.Receive = 10
	}
	if c.Queue.BatchSize.Send <= 0 || c.Queue.BatchSize.Send > 10 {
		c.Queue.BatchSize.Send = 10
	}
	if c.Timezone.Default == "" {
		c.Timezone.Default = "UTC"
	}
}
