// Package config handles fpagent configuration loading.
//
// The process is configured from the environment. An optional YAML file
// named by FPAGENT_CONFIG seeds the values first; ${VAR} references in
// the file are expanded, and environment variables set explicitly always
// win over the file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPathEnv names the optional YAML config file.
const ConfigPathEnv = "FPAGENT_CONFIG"

// Config holds all fpagent configuration.
type Config struct {
	// AuthorizedNumber is the only phone number whose messages are
	// processed. Compared digits-only.
	AuthorizedNumber string `yaml:"authorized_number"`

	Listen       ListenConfig       `yaml:"listen"`
	LLM          LLMConfig          `yaml:"llm"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Database     DatabaseConfig     `yaml:"database"`
	Conversation ConversationConfig `yaml:"conversation"`
	WhatsApp     WhatsAppConfig     `yaml:"whatsapp"`
	MQTT         MQTTConfig         `yaml:"mqtt"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json
}

// ListenConfig defines the webhook/health HTTP server.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// LLMConfig defines the OpenAI-compatible decision engine endpoint.
type LLMConfig struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Temperature float32       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	// Referer and Title are sent as HTTP-Referer and X-Title, which
	// OpenRouter uses for app attribution.
	Referer string `yaml:"referer"`
	Title   string `yaml:"title"`
}

// GatewayConfig defines how the query gateway (an MCP server exposing
// a SQL tool) is reached. Exactly one of URL or Command is used; URL
// wins when both are set.
type GatewayConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	// Stateless accepts servers that never issue a session identifier.
	Stateless bool `yaml:"stateless"`

	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`

	ToolName    string        `yaml:"tool_name"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// Transport returns "http" or "stdio".
func (g GatewayConfig) Transport() string {
	if g.URL != "" {
		return "http"
	}
	return "stdio"
}

// DatabaseConfig defines the PostgreSQL connection used to load ledger
// reference data. Either URL or the discrete fields may be set.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`

	// RefreshInterval bounds how stale cached reference data may be.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// Configured reports whether any connection parameters were supplied.
func (d DatabaseConfig) Configured() bool {
	return d.URL != "" || d.Host != ""
}

// DSN returns a lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	parts := []string{"host=" + quoteDSN(d.Host)}
	if d.Port != 0 {
		parts = append(parts, "port="+strconv.Itoa(d.Port))
	}
	if d.User != "" {
		parts = append(parts, "user="+quoteDSN(d.User))
	}
	if d.Password != "" {
		parts = append(parts, "password="+quoteDSN(d.Password))
	}
	if d.Name != "" {
		parts = append(parts, "dbname="+quoteDSN(d.Name))
	}
	sslmode := d.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	parts = append(parts, "sslmode="+sslmode)
	return strings.Join(parts, " ")
}

func quoteDSN(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// ConversationConfig defines conversation memory and retry policy.
type ConversationConfig struct {
	Expiry             time.Duration `yaml:"expiry"`
	MaxRetryAttempts   int           `yaml:"max_retry_attempts"`
	MaxHistoryMessages int           `yaml:"max_history_messages"`
	MaxHistoryChars    int           `yaml:"max_history_chars"`
	// StateDBPath enables SQLite persistence. Empty keeps state in memory.
	StateDBPath string `yaml:"state_db_path"`
}

// WhatsAppConfig defines the WhatsApp Cloud API channel.
type WhatsAppConfig struct {
	Token         string `yaml:"token"`
	PhoneNumberID string `yaml:"phone_number_id"`
	VerifyToken   string `yaml:"verify_token"`
	AppSecret     string `yaml:"app_secret"`
	BaseURL       string `yaml:"base_url"`
	APIVersion    string `yaml:"api_version"`
	// RateLimit caps inbound messages per sender per minute. 0 disables.
	RateLimit int `yaml:"rate_limit"`
}

// MQTTConfig defines the optional turn-event publisher.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Configured reports whether a broker URL is set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// Default returns the configuration used before the file and the
// environment are applied.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 3008},
		LLM: LLMConfig{
			BaseURL:     "https://openrouter.ai/api/v1",
			Model:       "google/gemini-2.5-flash",
			Temperature: 0.2,
			Timeout:     60 * time.Second,
			Title:       "FP-Agent WhatsApp Bot",
		},
		Gateway: GatewayConfig{
			ToolName:    "run_query_json",
			CallTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			RefreshInterval: 5 * time.Minute,
		},
		Conversation: ConversationConfig{
			Expiry:             30 * time.Minute,
			MaxRetryAttempts:   3,
			MaxHistoryMessages: 20,
			MaxHistoryChars:    12000,
		},
		WhatsApp: WhatsAppConfig{
			BaseURL:    "https://graph.facebook.com",
			APIVersion: "v20.0",
			RateLimit:  20,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "fpagent",
			ClientID:    "fpagent",
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads a YAML file on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv builds the configuration: defaults, then the file named by
// FPAGENT_CONFIG (if any), then environment overrides.
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path := getenv(ConfigPathEnv); path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		cfg = loaded
	}
	if err := ApplyEnv(cfg, getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays recognized environment variables on cfg. Unset or
// empty variables leave the existing value untouched.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	e := envReader{getenv: getenv}

	e.str("MY_PHONE_NUMBER", &cfg.AuthorizedNumber)

	e.str("LISTEN_ADDRESS", &cfg.Listen.Address)
	e.integer("PORT", &cfg.Listen.Port)

	e.str("OPENROUTER_API_KEY", &cfg.LLM.APIKey)
	e.str("LLM_API_KEY", &cfg.LLM.APIKey)
	e.str("LLM_BASE_URL", &cfg.LLM.BaseURL)
	e.str("LLM_MODEL", &cfg.LLM.Model)
	e.duration("LLM_TIMEOUT", &cfg.LLM.Timeout)

	e.str("MCP_SERVER_URL", &cfg.Gateway.URL)
	e.str("MCP_COMMAND", &cfg.Gateway.Command)
	e.fields("MCP_ARGS", &cfg.Gateway.Args)
	e.str("MCP_TOOL_NAME", &cfg.Gateway.ToolName)
	e.boolean("MCP_STATELESS", &cfg.Gateway.Stateless)
	e.duration("GATEWAY_CALL_TIMEOUT", &cfg.Gateway.CallTimeout)

	e.str("DATABASE_URL", &cfg.Database.URL)
	e.str("DB_HOST", &cfg.Database.Host)
	e.integer("DB_PORT", &cfg.Database.Port)
	e.str("DB_USER", &cfg.Database.User)
	e.str("DB_PASSWORD", &cfg.Database.Password)
	e.str("DB_NAME", &cfg.Database.Name)
	e.str("DB_SSLMODE", &cfg.Database.SSLMode)
	e.duration("REFERENCE_REFRESH_INTERVAL", &cfg.Database.RefreshInterval)

	e.duration("CONVERSATION_EXPIRY", &cfg.Conversation.Expiry)
	e.integer("MAX_RETRY_ATTEMPTS", &cfg.Conversation.MaxRetryAttempts)
	e.integer("MAX_HISTORY_MESSAGES", &cfg.Conversation.MaxHistoryMessages)
	e.integer("MAX_HISTORY_CHARS", &cfg.Conversation.MaxHistoryChars)
	e.str("STATE_DB_PATH", &cfg.Conversation.StateDBPath)

	e.str("WHATSAPP_TOKEN", &cfg.WhatsApp.Token)
	e.str("WHATSAPP_PHONE_NUMBER_ID", &cfg.WhatsApp.PhoneNumberID)
	e.str("WHATSAPP_VERIFY_TOKEN", &cfg.WhatsApp.VerifyToken)
	e.str("WHATSAPP_APP_SECRET", &cfg.WhatsApp.AppSecret)
	e.str("WHATSAPP_API_VERSION", &cfg.WhatsApp.APIVersion)
	e.integer("WHATSAPP_RATE_LIMIT", &cfg.WhatsApp.RateLimit)

	e.str("MQTT_BROKER", &cfg.MQTT.Broker)
	e.str("MQTT_USERNAME", &cfg.MQTT.Username)
	e.str("MQTT_PASSWORD", &cfg.MQTT.Password)
	e.str("MQTT_TOPIC_PREFIX", &cfg.MQTT.TopicPrefix)

	e.str("LOG_LEVEL", &cfg.LogLevel)
	e.str("LOG_FORMAT", &cfg.LogFormat)

	return errors.Join(e.errs...)
}

type envReader struct {
	getenv func(string) string
	errs   []error
}

func (e *envReader) str(key string, dst *string) {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		*dst = v
	}
}

func (e *envReader) fields(key string, dst *[]string) {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		*dst = strings.Fields(v)
	}
}

func (e *envReader) integer(key string, dst *int) {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return
	}
	*dst = n
}

func (e *envReader) boolean(key string, dst *bool) {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return
	}
	*dst = b
}

// duration accepts Go durations ("45m") or a bare number of minutes,
// the unit the conversation window is usually discussed in.
func (e *envReader) duration(key string, dst *time.Duration) {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Minute
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return
	}
	*dst = d
}

// Validate checks that required settings are present and in range.
func (c *Config) Validate() error {
	var errs []error
	req := func(v, name string) {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}

	req(c.AuthorizedNumber, "authorized_number (MY_PHONE_NUMBER)")
	req(c.LLM.APIKey, "llm.api_key (OPENROUTER_API_KEY)")
	req(c.LLM.Model, "llm.model")
	req(c.Gateway.ToolName, "gateway.tool_name")
	req(c.WhatsApp.Token, "whatsapp.token (WHATSAPP_TOKEN)")
	req(c.WhatsApp.PhoneNumberID, "whatsapp.phone_number_id (WHATSAPP_PHONE_NUMBER_ID)")
	req(c.WhatsApp.VerifyToken, "whatsapp.verify_token (WHATSAPP_VERIFY_TOKEN)")

	if c.Gateway.URL == "" && c.Gateway.Command == "" {
		errs = append(errs, errors.New("gateway.url (MCP_SERVER_URL) or gateway.command (MCP_COMMAND) is required"))
	}
	if c.Gateway.URL != "" {
		if u, err := url.Parse(c.Gateway.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("gateway.url %q is not an absolute URL", c.Gateway.URL))
		}
	}
	if c.Gateway.CallTimeout <= 0 {
		errs = append(errs, errors.New("gateway.call_timeout must be positive"))
	}

	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Conversation.Expiry <= 0 {
		errs = append(errs, errors.New("conversation.expiry must be positive"))
	}
	if n := c.Conversation.MaxRetryAttempts; n < 1 || n > 5 {
		errs = append(errs, fmt.Errorf("conversation.max_retry_attempts %d out of range 1-5", n))
	}
	if c.Conversation.MaxHistoryMessages < 0 || c.Conversation.MaxHistoryChars < 0 {
		errs = append(errs, errors.New("conversation history caps must not be negative"))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}

	return errors.Join(errs...)
}
