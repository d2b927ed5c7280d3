// Copyright 2024-2026 Aiku AI

// Package config loads the sessiond YAML configuration.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Bot modes.
const (
	ModePublic  = "public"
	ModePrivate = "private"
)

// Config holds the sessiond configuration.
type Config struct {
	ListenAddr       string `yaml:"listen_addr"`
	SessionsRoot     string `yaml:"sessions_root"`
	CredentialMarker string `yaml:"credential_marker"`

	FirstOutcomeTimeout time.Duration `yaml:"first_outcome_timeout"`
	// TeardownTimeout bounds how long a delete waits for the connection to
	// acknowledge the close.
	TeardownTimeout    time.Duration `yaml:"teardown_timeout"`
	RestoreConcurrency int           `yaml:"restore_concurrency"`

	Backoff BackoffConfig `yaml:"backoff"`
	Gateway GatewayConfig `yaml:"gateway"`
	Bot     BotConfig     `yaml:"bot"`

	WelcomeMessage string `yaml:"welcome_message"`

	Handlers HandlerConfig `yaml:"handlers"`

	AutoReact   bool     `yaml:"auto_react"`
	ReactEmojis []string `yaml:"react_emojis"`

	AutoStatusSeen    bool   `yaml:"auto_status_seen"`
	AutoStatusReply   bool   `yaml:"auto_status_reply"`
	StatusReadMessage string `yaml:"status_read_message"`

	RejectCalls       bool   `yaml:"reject_calls"`
	CallRejectMessage string `yaml:"call_reject_message"`

	WelcomeGroups       bool   `yaml:"welcome_groups"`
	GroupWelcomeMessage string `yaml:"group_welcome_message"`
	GroupGoodbyeMessage string `yaml:"group_goodbye_message"`

	Logging zeroconfig.Config `yaml:"logging"`

	welcomeTemplate      *template.Template `yaml:"-"`
	groupWelcomeTemplate *template.Template `yaml:"-"`
	groupGoodbyeTemplate *template.Template `yaml:"-"`
}

// BackoffConfig configures the reconnect delay.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

// GatewayConfig points at the protocol gateway.
type GatewayConfig struct {
	URL              string        `yaml:"url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// BotConfig holds the command surface settings shared by all sessions.
type BotConfig struct {
	Prefix       string   `yaml:"prefix"`
	Mode         string   `yaml:"mode"`
	OwnerNumbers []string `yaml:"owner_numbers"`
	Browser      []string `yaml:"browser"`
}

// HandlerConfig enables or disables individual event handlers.
type HandlerConfig struct {
	Credentials bool `yaml:"credentials"`
	Messages    bool `yaml:"messages"`
	AutoReact   bool `yaml:"auto_react"`
	StatusView  bool `yaml:"status_view"`
	Calls       bool `yaml:"calls"`
	Groups      bool `yaml:"groups"`
}

// WelcomeParams holds the parameters for rendering the welcome message.
type WelcomeParams struct {
	Session string
	Prefix  string
}

// GroupParams holds the parameters for group welcome and goodbye messages.
type GroupParams struct {
	Group string
	User  string
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills defaults, validates the config and compiles templates.
func (c *Config) PostProcess() error {
	if c.ListenAddr == "" {
		c.ListenAddr = ":3000"
	}
	if c.SessionsRoot == "" {
		c.SessionsRoot = "./sessions"
	}
	if c.FirstOutcomeTimeout <= 0 {
		c.FirstOutcomeTimeout = 20 * time.Second
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = 5 * time.Second
	}
	if c.RestoreConcurrency <= 0 {
		c.RestoreConcurrency = 4
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = time.Second
	}
	if c.Backoff.Max < c.Backoff.Initial {
		c.Backoff.Max = 2 * time.Minute
	}
	if c.Backoff.Multiplier < 1 {
		c.Backoff.Multiplier = 2
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter > 1 {
		return fmt.Errorf("backoff.jitter must be between 0 and 1, got %v", c.Backoff.Jitter)
	}
	switch c.Bot.Mode {
	case "":
		c.Bot.Mode = ModePublic
	case ModePublic, ModePrivate:
	default:
		return fmt.Errorf("bot.mode must be %q or %q, got %q", ModePublic, ModePrivate, c.Bot.Mode)
	}
	if c.AutoReact && len(c.ReactEmojis) == 0 {
		return errors.New("auto_react is enabled but react_emojis is empty")
	}

	var err error
	if c.welcomeTemplate, err = template.New("welcome").Parse(c.WelcomeMessage); err != nil {
		return fmt.Errorf("failed to parse welcome_message: %w", err)
	}
	if c.groupWelcomeTemplate, err = template.New("group_welcome").Parse(c.GroupWelcomeMessage); err != nil {
		return fmt.Errorf("failed to parse group_welcome_message: %w", err)
	}
	if c.groupGoodbyeTemplate, err = template.New("group_goodbye").Parse(c.GroupGoodbyeMessage); err != nil {
		return fmt.Errorf("failed to parse group_goodbye_message: %w", err)
	}
	return nil
}

// FormatWelcome renders the first-connection welcome message.
func (c *Config) FormatWelcome(params WelcomeParams) string {
	return execute(c.welcomeTemplate, params, "Session "+params.Session+" connected")
}

// FormatGroupWelcome renders the message for a member joining a group.
func (c *Config) FormatGroupWelcome(params GroupParams) string {
	return execute(c.groupWelcomeTemplate, params, "")
}

// FormatGroupGoodbye renders the message for a member leaving a group.
func (c *Config) FormatGroupGoodbye(params GroupParams) string {
	return execute(c.groupGoodbyeTemplate, params, "")
}

func execute(tmpl *template.Template, params any, fallback string) string {
	if tmpl == nil {
		return fallback
	}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, params); err != nil {
		return fallback
	}
	return buf.String()
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "listen_addr")
	helper.Copy(up.Str, "sessions_root")
	helper.Copy(up.Str, "credential_marker")
	helper.Copy(up.Str, "first_outcome_timeout")
	helper.Copy(up.Str, "teardown_timeout")
	helper.Copy(up.Int, "restore_concurrency")
	helper.Copy(up.Str, "backoff", "initial")
	helper.Copy(up.Str, "backoff", "max")
	helper.Copy(up.Int|up.Float, "backoff", "multiplier")
	helper.Copy(up.Int|up.Float, "backoff", "jitter")
	helper.Copy(up.Str, "gateway", "url")
	helper.Copy(up.Str, "gateway", "handshake_timeout")
	helper.Copy(up.Str, "bot", "prefix")
	helper.Copy(up.Str, "bot", "mode")
	helper.Copy(up.List, "bot", "owner_numbers")
	helper.Copy(up.List, "bot", "browser")
	helper.Copy(up.Str, "welcome_message")
	helper.Copy(up.Bool, "handlers", "credentials")
	helper.Copy(up.Bool, "handlers", "messages")
	helper.Copy(up.Bool, "handlers", "auto_react")
	helper.Copy(up.Bool, "handlers", "status_view")
	helper.Copy(up.Bool, "handlers", "calls")
	helper.Copy(up.Bool, "handlers", "groups")
	helper.Copy(up.Bool, "auto_react")
	helper.Copy(up.List, "react_emojis")
	helper.Copy(up.Bool, "auto_status_seen")
	helper.Copy(up.Bool, "auto_status_reply")
	helper.Copy(up.Str, "status_read_message")
	helper.Copy(up.Bool, "reject_calls")
	helper.Copy(up.Str, "call_reject_message")
	helper.Copy(up.Bool, "welcome_groups")
	helper.Copy(up.Str, "group_welcome_message")
	helper.Copy(up.Str, "group_goodbye_message")
	helper.Copy(up.Map, "logging")
}

// Upgrader returns the upgrader that migrates an existing config file onto
// the layout of the embedded example.
func Upgrader() up.BaseUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks: [][]string{
			{"backoff"},
			{"gateway"},
			{"bot"},
			{"welcome_message"},
			{"handlers"},
			{"auto_react"},
			{"auto_status_seen"},
			{"reject_calls"},
			{"welcome_groups"},
			{"logging"},
		},
		Base: ExampleConfig,
	}
}

// Load reads the config at path, upgrading it against the example first.
// A missing file is created from the example when save is set.
func Load(path string, save bool) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if !save {
			return nil, fmt.Errorf("config file %s does not exist", path)
		}
		if err = os.WriteFile(path, []byte(ExampleConfig), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write example config: %w", err)
		}
	}
	data, _, err := up.Do(path, save, Upgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and post-processes raw YAML.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
