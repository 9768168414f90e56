package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/m4xw311/mcprelay/errors"
	"gopkg.in/yaml.v3"
)

type Server struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Addr returns the listen address for the HTTP server.
func (s Server) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

type Backoff struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxRetries      int           `yaml:"max_retries"`
}

// Tool server transports.
const (
	TransportSSE        = "sse"
	TransportStreamable = "streamable"
	TransportStdio      = "stdio"
)

type MCP struct {
	Endpoint        string        `yaml:"endpoint"`
	Transport       string        `yaml:"transport"` // sse, streamable or stdio
	Command         string        `yaml:"command"`
	Args            []string      `yaml:"args"`
	AuthToken       string        `yaml:"auth_token"`
	InvokeTimeout   time.Duration `yaml:"invoke_timeout"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Backoff         Backoff       `yaml:"backoff"`
	// Tools filters the server's tools by glob; a leading "!" excludes.
	Tools []string `yaml:"tools"`
}

type Agent struct {
	MaxRounds  int `yaml:"max_rounds"`
	QueueDepth int `yaml:"queue_depth"`
}

type Session struct {
	ArchiveDir string `yaml:"archive_dir"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

type Config struct {
	LLMClient    string  `yaml:"llm"`
	Model        string  `yaml:"model"`
	SystemPrompt string  `yaml:"system_prompt"`
	Server       Server  `yaml:"server"`
	MCP          MCP     `yaml:"mcp"`
	Agent        Agent   `yaml:"agent"`
	Session      Session `yaml:"session"`
	Log          Log     `yaml:"log"`
}

// LoadConfig loads configuration from the user's home directory, the current
// working directory and finally extraPath (if set), each later source taking
// precedence. Environment overrides are applied last, then defaults.
func LoadConfig(extraPath string) (*Config, error) {
	cfg := &Config{}

	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, ".mcprelay", "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, ".mcprelay", "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	if extraPath != "" {
		if err := loadFromFile(extraPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading config %s", extraPath)
		}
	}

	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal only overwrites fields present in the YAML, so later files
	// layer on top of earlier ones.
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("MCP_ENDPOINT"); ok && v != "" {
		c.MCP.Endpoint = v
	}
	if v, ok := lookup("MCP_AUTH_TOKEN"); ok && v != "" {
		c.MCP.AuthToken = v
	}
	if v, ok := lookup("HOST"); ok && v != "" {
		c.Server.Host = v
	}
	if v, ok := lookup("PORT"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v, ok := lookup("DEBUG"); ok {
		if debug, _ := strconv.ParseBool(v); debug {
			c.Log.Level = "debug"
		}
	}
	if v, ok := lookup("CORS_ORIGINS"); ok && v != "" {
		c.Server.CORSOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.Server.CORSOrigins = append(c.Server.CORSOrigins, origin)
			}
		}
	}
}

// Validate fills unset fields with defaults and rejects inconsistent values.
func (c *Config) Validate() error {
	if c.LLMClient == "" {
		c.LLMClient = "mock"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"http://localhost:3000", "http://localhost:8000"}
	}

	m := &c.MCP
	if m.Transport == "" {
		m.Transport = TransportSSE
		if m.Endpoint == "" && m.Command != "" {
			m.Transport = TransportStdio
		}
	}
	switch m.Transport {
	case TransportSSE, TransportStreamable:
		if m.Endpoint == "" {
			return errors.New("mcp.endpoint is required for the %s transport", m.Transport)
		}
	case TransportStdio:
		if m.Command == "" {
			return errors.New("mcp.command is required for the stdio transport")
		}
	default:
		return errors.New("unknown mcp.transport %q (want sse, streamable or stdio)", m.Transport)
	}
	if m.InvokeTimeout == 0 {
		m.InvokeTimeout = 30 * time.Second
	}
	if m.ConnectTimeout == 0 {
		m.ConnectTimeout = 10 * time.Second
	}
	if m.Backoff.InitialInterval == 0 {
		m.Backoff.InitialInterval = 500 * time.Millisecond
	}
	if m.Backoff.MaxInterval == 0 {
		m.Backoff.MaxInterval = 10 * time.Second
	}
	if m.Backoff.MaxRetries == 0 {
		m.Backoff.MaxRetries = 5
	}
	if m.InvokeTimeout < 0 || m.ConnectTimeout < 0 || m.RefreshInterval < 0 {
		return errors.New("mcp timeouts must not be negative")
	}
	if m.Backoff.InitialInterval < 0 || m.Backoff.MaxInterval < m.Backoff.InitialInterval || m.Backoff.MaxRetries < 0 {
		return errors.New("invalid mcp.backoff bounds %+v", m.Backoff)
	}

	if c.Agent.MaxRounds == 0 {
		c.Agent.MaxRounds = 5
	}
	if c.Agent.QueueDepth == 0 {
		c.Agent.QueueDepth = 8
	}
	if c.Agent.MaxRounds < 0 || c.Agent.QueueDepth < 0 {
		return errors.New("agent.max_rounds and agent.queue_depth must be positive")
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	return nil
}
