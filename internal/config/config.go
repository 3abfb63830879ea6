package config

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultPromptTemplate wraps the first message of a session. {message} is
// replaced with the user's text.
const DefaultPromptTemplate = `Build a {message}.

Create a single index.html file with:
- Embedded CSS in a <style> tag
- Embedded JavaScript if needed in a <script> tag
- Modern, beautiful design
- Responsive layout
- Clean, professional look

The file must be saved as index.html in the current directory.`

type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Log        LogConfig        `yaml:"log" toml:"log"`
	Session    SessionConfig    `yaml:"session" toml:"session"`
	Bus        BusConfig        `yaml:"bus" toml:"bus"`
	Supervisor SupervisorConfig `yaml:"supervisor" toml:"supervisor"`
	Scanner    ScannerConfig    `yaml:"scanner" toml:"scanner"`
	Producer   ProducerConfig   `yaml:"producer" toml:"producer"`
	Store      StoreConfig      `yaml:"store" toml:"store"`
	Client     ClientConfig     `yaml:"client" toml:"client"`
}

type ServerConfig struct {
	Port int    `yaml:"port" toml:"port"`
	Host string `yaml:"host" toml:"host"`
	// PublicURL is the base address handed to subscribers, e.g.
	// "http://localhost:8080". Derived from Host/Port when empty.
	PublicURL      string   `yaml:"public_url" toml:"public_url"`
	AuthToken      string   `yaml:"auth_token" toml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	// MaskWorkspaces reduces workspace paths in API responses to their
	// base name.
	MaskWorkspaces bool `yaml:"mask_workspaces" toml:"mask_workspaces"`
	// HideWorkspaces drops workspace paths from API responses entirely.
	HideWorkspaces bool `yaml:"hide_workspaces" toml:"hide_workspaces"`
	// PingInterval is the websocket keepalive period.
	PingInterval time.Duration `yaml:"ping_interval" toml:"ping_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // auto, text or json
}

type SessionConfig struct {
	WorkspaceRoot  string        `yaml:"workspace_root" toml:"workspace_root"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	TurnTimeout    time.Duration `yaml:"turn_timeout" toml:"turn_timeout"`
	Retention      time.Duration `yaml:"retention" toml:"retention"`
	SweepInterval  time.Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	MaxQueuedTurns int           `yaml:"max_queued_turns" toml:"max_queued_turns"`
	ListLimit      int           `yaml:"list_limit" toml:"list_limit"`
	PromptTemplate string        `yaml:"prompt_template" toml:"prompt_template"`
}

type BusConfig struct {
	SubscriberQueue int `yaml:"subscriber_queue" toml:"subscriber_queue"`
}

type SupervisorConfig struct {
	// Command is the preview process argv. {port} and {host} are substituted.
	Command         []string      `yaml:"command" toml:"command"`
	Host            string        `yaml:"host" toml:"host"`
	PublicHost      string        `yaml:"public_host" toml:"public_host"`
	ProbeInterval   time.Duration `yaml:"probe_interval" toml:"probe_interval"`
	ProbeAttempts   int           `yaml:"probe_attempts" toml:"probe_attempts"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout" toml:"probe_timeout"`
	MonitorInterval time.Duration `yaml:"monitor_interval" toml:"monitor_interval"`
	KeepUnready     bool          `yaml:"keep_unready" toml:"keep_unready"`
	StopGrace       time.Duration `yaml:"stop_grace" toml:"stop_grace"`
	LogDir          string        `yaml:"log_dir" toml:"log_dir"`
}

type ScannerConfig struct {
	EntryFile    string   `yaml:"entry_file" toml:"entry_file"`
	MaxSections  int      `yaml:"max_sections" toml:"max_sections"`
	MaxLabel     int      `yaml:"max_label" toml:"max_label"`
	Extensions   []string `yaml:"extensions" toml:"extensions"`
	MaxFileBytes int64    `yaml:"max_file_bytes" toml:"max_file_bytes"`
}

type ProducerConfig struct {
	Kind       string            `yaml:"kind" toml:"kind"` // scripted or command
	Command    []string          `yaml:"command" toml:"command"`
	ResumeFlag string            `yaml:"resume_flag" toml:"resume_flag"`
	Env        map[string]string `yaml:"env" toml:"env"`
}

type StoreConfig struct {
	// Path to the SQLite database. Empty disables persistence.
	Path string `yaml:"path" toml:"path"`
}

type ClientConfig struct {
	ReconnectBase time.Duration `yaml:"reconnect_base" toml:"reconnect_base"`
	ReconnectMax  time.Duration `yaml:"reconnect_max" toml:"reconnect_max"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			Host:           "0.0.0.0",
			MaskWorkspaces: true,
			PingInterval:   30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Session: SessionConfig{
			WorkspaceRoot:  os.TempDir(),
			IdleTimeout:    15 * time.Minute,
			TurnTimeout:    time.Hour,
			Retention:      time.Hour,
			SweepInterval:  30 * time.Second,
			MaxQueuedTurns: 4,
			ListLimit:      100,
			PromptTemplate: DefaultPromptTemplate,
		},
		Bus: BusConfig{
			SubscriberQueue: 256,
		},
		Supervisor: SupervisorConfig{
			Command:         []string{"python3", "-m", "http.server", "{port}", "--bind", "{host}"},
			Host:            "127.0.0.1",
			ProbeInterval:   time.Second,
			ProbeAttempts:   30,
			ProbeTimeout:    2 * time.Second,
			MonitorInterval: 10 * time.Second,
			KeepUnready:     true,
			StopGrace:       5 * time.Second,
			LogDir:          os.TempDir(),
		},
		Scanner: ScannerConfig{
			EntryFile:    "index.html",
			MaxSections:  20,
			MaxLabel:     50,
			Extensions:   []string{".html", ".htm"},
			MaxFileBytes: 2 << 20,
		},
		Producer: ProducerConfig{
			Kind: "scripted",
		},
		Client: ClientConfig{
			ReconnectBase: time.Second,
			ReconnectMax:  30 * time.Second,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads the config file at path over the defaults. A missing file is
// not an error; the defaults are returned as-is. Files ending in .toml are
// decoded as TOML, anything else as YAML.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the runtime cannot operate with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	positive := map[string]time.Duration{
		"server.ping_interval":        c.Server.PingInterval,
		"session.idle_timeout":        c.Session.IdleTimeout,
		"session.turn_timeout":        c.Session.TurnTimeout,
		"session.sweep_interval":      c.Session.SweepInterval,
		"supervisor.probe_interval":   c.Supervisor.ProbeInterval,
		"supervisor.probe_timeout":    c.Supervisor.ProbeTimeout,
		"supervisor.monitor_interval": c.Supervisor.MonitorInterval,
		"client.reconnect_base":       c.Client.ReconnectBase,
		"client.reconnect_max":        c.Client.ReconnectMax,
	}
	for _, key := range slices.Sorted(maps.Keys(positive)) {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.Client.ReconnectMax < c.Client.ReconnectBase {
		errs = append(errs, errors.New("client.reconnect_max must not be below client.reconnect_base"))
	}
	if c.Session.MaxQueuedTurns <= 0 {
		errs = append(errs, errors.New("session.max_queued_turns must be positive"))
	}
	if c.Bus.SubscriberQueue <= 0 {
		errs = append(errs, errors.New("bus.subscriber_queue must be positive"))
	}
	if c.Supervisor.ProbeAttempts <= 0 {
		errs = append(errs, errors.New("supervisor.probe_attempts must be positive"))
	}
	if len(c.Supervisor.Command) == 0 {
		errs = append(errs, errors.New("supervisor.command is required"))
	}
	if c.Scanner.MaxSections <= 0 || c.Scanner.MaxLabel <= 0 {
		errs = append(errs, errors.New("scanner.max_sections and scanner.max_label must be positive"))
	}
	switch c.Producer.Kind {
	case "scripted":
	case "command":
		if len(c.Producer.Command) == 0 {
			errs = append(errs, errors.New("producer.command is required when producer.kind is command"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown producer.kind %q", c.Producer.Kind))
	}
	return errors.Join(errs...)
}

// BaseURL returns the public HTTP base address of the server.
func (c *Config) BaseURL() string {
	if c.Server.PublicURL != "" {
		return strings.TrimRight(c.Server.PublicURL, "/")
	}
	host := c.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Server.Port)
}

// PreviewHost returns the host name previews are advertised under.
func (c *Config) PreviewHost() string {
	if c.Supervisor.PublicHost != "" {
		return c.Supervisor.PublicHost
	}
	return c.Supervisor.Host
}
