package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds service configuration.
type Config struct {
	DatabaseURL      string
	DatabaseMaxConns int32
	ServerAddr       string

	JWTSecret string
	JWTIssuer string
	LogLevel  string
	LogPretty bool

	SpamPolicyFile string
	GateInterval   time.Duration

	ReleaseInterval    time.Duration
	ReleaseBatch       int
	SchedulerTokenHash string

	WebhookKeys         string
	WebhookDefaultKeyID string

	UploadURL      string
	UploadAPIKey   string
	UploadMaxBytes int64

	PaymentURL       string
	PaymentAPIKey    string
	PaymentReturnURL string
	HTTPTimeout      time.Duration

	AnthropicAPIKey string
	ModerationModel string
	BannedPhrases   []string

	RaftNodeID    string
	RaftAddr      string
	RaftDataDir   string
	RaftBootstrap bool
	RaftPeers     map[string]string
}

// Load reads configuration from the environment and, when CONFIG_FILE is
// set, from that file. Environment variables win over the file.
func Load() (*Config, error) {
	return LoadFrom(viper.New())
}

// LoadFrom reads configuration through v. Callers may bind flags to v first.
func LoadFrom(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	dsn := v.GetString("DATABASE_URL")
	if dsn == "" {
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			v.GetString("POSTGRES_USER"), v.GetString("POSTGRES_PASSWORD"),
			v.GetString("POSTGRES_HOST"), v.GetString("POSTGRES_PORT"),
			v.GetString("POSTGRES_DB"), v.GetString("DATABASE_SSLMODE"))
	}

	cfg := &Config{
		DatabaseURL:      dsn,
		DatabaseMaxConns: v.GetInt32("DATABASE_MAX_CONNS"),
		ServerAddr:       v.GetString("SERVER_ADDR"),

		JWTSecret: v.GetString("JWT_SECRET"),
		JWTIssuer: v.GetString("JWT_ISSUER"),
		LogLevel:  v.GetString("LOG_LEVEL"),
		LogPretty: v.GetBool("LOG_PRETTY"),

		SpamPolicyFile: v.GetString("SPAM_POLICY_FILE"),
		GateInterval:   v.GetDuration("GATE_REFRESH_INTERVAL"),

		ReleaseInterval:    v.GetDuration("RELEASE_INTERVAL"),
		ReleaseBatch:       v.GetInt("RELEASE_BATCH"),
		SchedulerTokenHash: v.GetString("SCHEDULER_TOKEN_HASH"),

		WebhookKeys:         v.GetString("WEBHOOK_KEYS"),
		WebhookDefaultKeyID: v.GetString("WEBHOOK_DEFAULT_KEY_ID"),

		UploadURL:      v.GetString("UPLOAD_URL"),
		UploadAPIKey:   v.GetString("UPLOAD_API_KEY"),
		UploadMaxBytes: v.GetInt64("UPLOAD_MAX_BYTES"),

		PaymentURL:       v.GetString("PAYMENT_URL"),
		PaymentAPIKey:    v.GetString("PAYMENT_API_KEY"),
		PaymentReturnURL: v.GetString("PAYMENT_RETURN_URL"),
		HTTPTimeout:      v.GetDuration("HTTP_CLIENT_TIMEOUT"),

		AnthropicAPIKey: v.GetString("ANTHROPIC_API_KEY"),
		ModerationModel: v.GetString("MODERATION_MODEL"),
		BannedPhrases:   splitList(v.GetString("BANNED_PHRASES")),

		RaftNodeID:    v.GetString("RAFT_NODE_ID"),
		RaftAddr:      v.GetString("RAFT_ADDR"),
		RaftDataDir:   v.GetString("RAFT_DATA_DIR"),
		RaftBootstrap: v.GetBool("RAFT_BOOTSTRAP"),
	}

	peers, err := parsePeers(v.GetString("RAFT_PEERS"))
	if err != nil {
		return nil, err
	}
	cfg.RaftPeers = peers
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("POSTGRES_USER", "gigmarket")
	v.SetDefault("POSTGRES_PASSWORD", "gigmarket_pass")
	v.SetDefault("POSTGRES_DB", "gigmarket")
	v.SetDefault("POSTGRES_HOST", "localhost")
	v.SetDefault("POSTGRES_PORT", "5432")
	v.SetDefault("DATABASE_SSLMODE", "disable")
	v.SetDefault("DATABASE_MAX_CONNS", 0)
	v.SetDefault("SERVER_ADDR", "0.0.0.0:8080")
	v.SetDefault("JWT_ISSUER", "gigmarket")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("GATE_REFRESH_INTERVAL", "15s")
	v.SetDefault("RELEASE_INTERVAL", "1m")
	v.SetDefault("RELEASE_BATCH", 100)
	v.SetDefault("HTTP_CLIENT_TIMEOUT", "10s")
	v.SetDefault("UPLOAD_MAX_BYTES", 10<<20)
	v.SetDefault("RAFT_BOOTSTRAP", false)
}

// RaftEnabled reports whether leader election runs over Raft instead of
// assuming a single instance.
func (c *Config) RaftEnabled() bool {
	return c.RaftNodeID != "" && c.RaftAddr != "" && c.RaftDataDir != ""
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parsePeers reads "n2=10.0.0.2:7000,n3=10.0.0.3:7000".
func parsePeers(raw string) (map[string]string, error) {
	peers := make(map[string]string)
	for _, p := range splitList(raw) {
		id, addr, ok := strings.Cut(p, "=")
		if !ok || id == "" || addr == "" {
			return nil, errors.New("invalid RAFT_PEERS entry, want id=host:port")
		}
		peers[id] = addr
	}
	return peers, nil
}
