package agent

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Google endpoint defaults. Tests and self-hosted providers override them.
const (
	DefaultAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	DefaultTokenURL    = "https://oauth2.googleapis.com/token"
	DefaultUserinfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"
	DefaultRevokeURL   = "https://oauth2.googleapis.com/revoke"
)

// Config captures the full agent configuration loaded from YAML and
// environment variables.
type Config struct {
	Server ServerConfig `yaml:"server"`
	OAuth  OAuthConfig  `yaml:"oauth"`
	Relay  RelayConfig  `yaml:"relay"`
	API    APIConfig    `yaml:"api"`
}

// ServerConfig controls the local listener and data directory.
type ServerConfig struct {
	ListenAddr    string `yaml:"listen_addr"`
	DataDir       string `yaml:"data_dir"`
	LaunchCommand string `yaml:"launch_command"`
}

// OAuthConfig describes the identity provider and flow selection.
type OAuthConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
	Flow         string   `yaml:"flow"`
	Issuer       string   `yaml:"issuer"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	UserinfoURL  string   `yaml:"userinfo_url"`
	RevokeURL    string   `yaml:"revoke_url"`
}

// RelayConfig bounds the network relay.
type RelayConfig struct {
	AllowedHosts []string      `yaml:"allowed_hosts"`
	Timeout      time.Duration `yaml:"timeout"`
}

// APIConfig points at the recipe-extraction API.
type APIConfig struct {
	ExtractURL string `yaml:"extract_url"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		// Strict unmarshaling to detect unknown fields.
		decoder := yaml.NewDecoder(strings.NewReader(string(b)))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w (check for typos or deprecated fields)", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8237",
			DataDir:    defaultDataDir(),
		},
		OAuth: OAuthConfig{
			Scopes:      []string{"openid", "email", "profile"},
			Flow:        "code",
			AuthURL:     DefaultAuthURL,
			TokenURL:    DefaultTokenURL,
			UserinfoURL: DefaultUserinfoURL,
			RevokeURL:   DefaultRevokeURL,
		},
		Relay: RelayConfig{
			Timeout: 30 * time.Second,
		},
		API: APIConfig{
			ExtractURL: "https://api.recipeclip.app/v1/extract",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/recipeclipd"
	}
	return ".recipeclipd"
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"RECIPECLIPD_LISTEN_ADDR":         func(v string) { cfg.Server.ListenAddr = v },
		"RECIPECLIPD_DATA_DIR":            func(v string) { cfg.Server.DataDir = v },
		"RECIPECLIPD_LAUNCH_COMMAND":      func(v string) { cfg.Server.LaunchCommand = v },
		"RECIPECLIPD_OAUTH_CLIENT_ID":     func(v string) { cfg.OAuth.ClientID = v },
		"RECIPECLIPD_OAUTH_CLIENT_SECRET": func(v string) { cfg.OAuth.ClientSecret = v },
		"RECIPECLIPD_OAUTH_FLOW":          func(v string) { cfg.OAuth.Flow = v },
		"RECIPECLIPD_API_EXTRACT_URL":     func(v string) { cfg.API.ExtractURL = v },
	}
	for key, fn := range overrides {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			fn(v)
		}
	}
}

// Validate checks cross-field constraints and fills derived defaults.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Server.DataDir == "" {
		return fmt.Errorf("server.data_dir is required")
	}
	if c.OAuth.ClientID == "" {
		return fmt.Errorf("oauth.client_id is required")
	}
	switch c.OAuth.Flow {
	case "code", "implicit":
	default:
		return fmt.Errorf("oauth.flow must be \"code\" or \"implicit\", got %q", c.OAuth.Flow)
	}
	if c.OAuth.RedirectURL == "" {
		c.OAuth.RedirectURL = "http://" + c.Server.ListenAddr + "/auth/callback"
	}

	extractURL, err := url.Parse(c.API.ExtractURL)
	if err != nil || extractURL.Hostname() == "" {
		return fmt.Errorf("api.extract_url is not a valid URL: %q", c.API.ExtractURL)
	}
	// The relay must always reach the recipe API itself.
	if !containsHost(c.Relay.AllowedHosts, extractURL.Hostname()) {
		c.Relay.AllowedHosts = append(c.Relay.AllowedHosts, extractURL.Hostname())
	}
	return nil
}

func containsHost(hosts []string, host string) bool {
	for _, h := range hosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}
