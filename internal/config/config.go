// Package config loads server and agent configuration. Values are layered:
// defaults, then an optional YAML file, then a .env file, then GOSCHED_*
// environment variables. Command-line flags are applied last by main.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/me/gosched/internal/logging"
)

// ServerConfig holds configuration for the scheduler server.
type ServerConfig struct {
	ServerID      string `yaml:"server_id"`      // empty: generated at startup
	Addr          string `yaml:"addr"`           // public listen address
	AdvertiseAddr string `yaml:"advertise_addr"` // address agents are redirected to
	InternalAddr  string `yaml:"internal_addr"`  // loopback-only token endpoint
	DBPath        string `yaml:"db_path"`        // ":memory:" for testing
	Dev           bool   `yaml:"dev"`            // single-node development mode

	Log       logging.Options `yaml:"log"`
	Election  ElectionConfig  `yaml:"election"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	TaskLogs  TaskLogConfig   `yaml:"task_logs"`
	Auth      AuthConfig      `yaml:"auth"`
	Events    EventsConfig    `yaml:"events"`
}

// ElectionConfig controls the leadership lease.
type ElectionConfig struct {
	Namespace     string        `yaml:"namespace"`
	LeaseTTL      time.Duration `yaml:"lease_ttl"`
	RenewInterval time.Duration `yaml:"renew_interval"`
}

// SchedulerConfig controls generation and dispatch.
type SchedulerConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	GenerateInterval time.Duration `yaml:"generate_interval"`
	Lookahead        time.Duration `yaml:"lookahead"`
	MisfireGrace     time.Duration `yaml:"misfire_grace"`
	MaxPerSchedule   int           `yaml:"max_per_schedule"`
	BatchSize        int           `yaml:"batch_size"`
	AckTimeout       time.Duration `yaml:"ack_timeout"`
}

// GatewayConfig controls agent connections.
type GatewayConfig struct {
	RegisterTimeout  time.Duration `yaml:"register_timeout"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	DropTimeout      time.Duration `yaml:"drop_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	SendQueue        int           `yaml:"send_queue"`
}

// TaskLogConfig controls the task log pipeline.
type TaskLogConfig struct {
	Dir           string        `yaml:"dir"`
	GapTimeout    time.Duration `yaml:"gap_timeout"`
	MaxBuffered   int           `yaml:"max_buffered"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxSizeMB     int           `yaml:"max_size_mb"`
	MaxBackups    int           `yaml:"max_backups"`
}

// AuthConfig controls agent token issuance.
type AuthConfig struct {
	KeyFile    string        `yaml:"key_file"` // shared by every server; empty only in dev mode
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	Leeway     time.Duration `yaml:"leeway"`
	RatePerMin int           `yaml:"rate_per_min"`
	Burst      int           `yaml:"burst"`
}

// EventsConfig selects the lifecycle event sink. Empty NATSURL disables it.
type EventsConfig struct {
	NATSURL string `yaml:"nats_url"`
	Prefix  string `yaml:"prefix"`
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":8090",
		InternalAddr: "127.0.0.1:8091",
		DBPath:       defaultPath("gosched.db"),
		Log:          logging.DefaultOptions(),
		Election: ElectionConfig{
			Namespace:     "default",
			LeaseTTL:      30 * time.Second,
			RenewInterval: 10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			PollInterval:     2 * time.Second,
			GenerateInterval: 5 * time.Second,
			Lookahead:        5 * time.Minute,
			MisfireGrace:     5 * time.Minute,
			MaxPerSchedule:   100,
			BatchSize:        200,
			AckTimeout:       60 * time.Second,
		},
		Gateway: GatewayConfig{
			RegisterTimeout:  10 * time.Second,
			HeartbeatTimeout: 30 * time.Second,
			DropTimeout:      90 * time.Second,
			SweepInterval:    5 * time.Second,
			SendQueue:        64,
		},
		TaskLogs: TaskLogConfig{
			Dir:           defaultPath("logs"),
			GapTimeout:    5 * time.Second,
			MaxBuffered:   1000,
			IdleTimeout:   10 * time.Minute,
			SweepInterval: time.Second,
			MaxSizeMB:     50,
			MaxBackups:    3,
		},
		Auth: AuthConfig{
			KeyFile:    defaultPath("token.key"),
			Issuer:     "gosched-server",
			Audience:   "gosched-agent",
			TokenTTL:   24 * time.Hour,
			Leeway:     30 * time.Second,
			RatePerMin: 30,
			Burst:      5,
		},
		Events: EventsConfig{Prefix: "gosched"},
	}
}

// Validate checks cross-field constraints.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.Election.Namespace == "" {
		errs = append(errs, errors.New("election.namespace is required"))
	}
	if c.Election.RenewInterval <= 0 {
		errs = append(errs, errors.New("election.renew_interval must be positive"))
	}
	if c.Election.LeaseTTL <= 2*c.Election.RenewInterval {
		errs = append(errs, fmt.Errorf("election.lease_ttl %s must exceed twice election.renew_interval %s",
			c.Election.LeaseTTL, c.Election.RenewInterval))
	}
	if c.Scheduler.PollInterval <= 0 {
		errs = append(errs, errors.New("scheduler.poll_interval must be positive"))
	}
	if c.Scheduler.Lookahead <= 0 {
		errs = append(errs, errors.New("scheduler.lookahead must be positive"))
	}
	if c.Scheduler.AckTimeout <= 0 {
		errs = append(errs, errors.New("scheduler.ack_timeout must be positive"))
	}
	if c.Gateway.HeartbeatTimeout <= 0 || c.Gateway.DropTimeout < c.Gateway.HeartbeatTimeout {
		errs = append(errs, errors.New("gateway.drop_timeout must be at least gateway.heartbeat_timeout"))
	}
	if c.TaskLogs.Dir == "" {
		errs = append(errs, errors.New("task_logs.dir is required"))
	}
	if c.TaskLogs.MaxBuffered <= 0 {
		errs = append(errs, errors.New("task_logs.max_buffered must be positive"))
	}
	if c.Auth.KeyFile == "" && !c.Dev {
		errs = append(errs, errors.New("auth.key_file is required unless dev mode is set"))
	}
	if c.Auth.RatePerMin <= 0 {
		errs = append(errs, errors.New("auth.rate_per_min must be positive"))
	}
	return errors.Join(errs...)
}

// AgentConfig holds configuration for an agent.
type AgentConfig struct {
	AgentID           string            `yaml:"agent_id"`
	Token             string            `yaml:"token"`
	Servers           []string          `yaml:"servers"`
	Tags              []string          `yaml:"tags"`
	MaxConcurrent     int               `yaml:"max_concurrent"`
	WorkDir           string            `yaml:"work_dir"`
	Env               map[string]string `yaml:"env"`
	HeartbeatInterval time.Duration     `yaml:"heartbeat_interval"`
	KillGrace         time.Duration     `yaml:"kill_grace"`
	ReconnectMax      time.Duration     `yaml:"reconnect_max"`
	Log               logging.Options   `yaml:"log"`
}

// DefaultAgentConfig returns sensible defaults.
func DefaultAgentConfig() AgentConfig {
	host, _ := os.Hostname()
	return AgentConfig{
		AgentID:           host,
		Servers:           []string{"localhost:8090"},
		MaxConcurrent:     4,
		WorkDir:           defaultPath("work"),
		HeartbeatInterval: 10 * time.Second,
		KillGrace:         10 * time.Second,
		ReconnectMax:      30 * time.Second,
		Log:               logging.DefaultOptions(),
	}
}

// Validate checks the agent configuration.
func (c AgentConfig) Validate() error {
	var errs []error
	if c.AgentID == "" {
		errs = append(errs, errors.New("agent_id is required"))
	}
	if len(c.Servers) == 0 {
		errs = append(errs, errors.New("at least one server is required"))
	}
	if c.Token == "" {
		errs = append(errs, errors.New("token is required"))
	}
	if c.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("max_concurrent must be positive"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat_interval must be positive"))
	}
	return errors.Join(errs...)
}

// LoadServer builds a ServerConfig from defaults, the YAML file at path (if
// any), envFile (if it exists) and the environment.
func LoadServer(path, envFile string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	if err := loadDotEnv(envFile); err != nil {
		return cfg, err
	}
	if err := applyServerEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadAgent builds an AgentConfig the same way as LoadServer.
func LoadAgent(path, envFile string) (AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	if err := loadDotEnv(envFile); err != nil {
		return cfg, err
	}
	if err := applyAgentEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// loadDotEnv loads envFile into the process environment. Variables already
// set take precedence; a missing file is not an error.
func loadDotEnv(envFile string) error {
	if envFile == "" {
		return nil
	}
	if _, err := os.Stat(envFile); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("load %s: %w", envFile, err)
	}
	return nil
}

func applyServerEnv(c *ServerConfig) error {
	e := envReader{}
	e.str("GOSCHED_SERVER_ID", &c.ServerID)
	e.str("GOSCHED_ADDR", &c.Addr)
	e.str("GOSCHED_ADVERTISE_ADDR", &c.AdvertiseAddr)
	e.str("GOSCHED_INTERNAL_ADDR", &c.InternalAddr)
	e.str("GOSCHED_DB", &c.DBPath)
	e.boolean("GOSCHED_DEV", &c.Dev)
	e.str("GOSCHED_LOG_LEVEL", &c.Log.Level)
	e.str("GOSCHED_LOG_FORMAT", &c.Log.Format)
	e.str("GOSCHED_LOG_FILE", &c.Log.File)
	e.str("GOSCHED_NAMESPACE", &c.Election.Namespace)
	e.duration("GOSCHED_LEASE_TTL", &c.Election.LeaseTTL)
	e.duration("GOSCHED_RENEW_INTERVAL", &c.Election.RenewInterval)
	e.duration("GOSCHED_POLL_INTERVAL", &c.Scheduler.PollInterval)
	e.duration("GOSCHED_GENERATE_INTERVAL", &c.Scheduler.GenerateInterval)
	e.duration("GOSCHED_ACK_TIMEOUT", &c.Scheduler.AckTimeout)
	e.str("GOSCHED_TASK_LOG_DIR", &c.TaskLogs.Dir)
	e.str("GOSCHED_KEY_FILE", &c.Auth.KeyFile)
	e.duration("GOSCHED_TOKEN_TTL", &c.Auth.TokenTTL)
	e.str("GOSCHED_NATS_URL", &c.Events.NATSURL)
	return e.err()
}

func applyAgentEnv(c *AgentConfig) error {
	e := envReader{}
	e.str("GOSCHED_AGENT_ID", &c.AgentID)
	e.str("GOSCHED_AGENT_TOKEN", &c.Token)
	e.list("GOSCHED_SERVERS", &c.Servers)
	e.list("GOSCHED_AGENT_TAGS", &c.Tags)
	e.integer("GOSCHED_MAX_CONCURRENT", &c.MaxConcurrent)
	e.str("GOSCHED_WORK_DIR", &c.WorkDir)
	e.duration("GOSCHED_HEARTBEAT_INTERVAL", &c.HeartbeatInterval)
	e.duration("GOSCHED_KILL_GRACE", &c.KillGrace)
	e.str("GOSCHED_LOG_LEVEL", &c.Log.Level)
	e.str("GOSCHED_LOG_FORMAT", &c.Log.Format)
	e.str("GOSCHED_LOG_FILE", &c.Log.File)
	return e.err()
}

// envReader applies GOSCHED_* overrides and collects parse errors.
type envReader struct {
	errs []error
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func (e *envReader) err() error {
	return errors.Join(e.errs...)
}

// defaultPath places name under ~/.gosched, falling back to the working
// directory when there is no home directory.
func defaultPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".gosched", name)
}
