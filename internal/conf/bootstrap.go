package conf

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/exastris/exastris/internal/biz/domain"
	"github.com/exastris/exastris/internal/errors"
)

// Module names accepted in the modules list
const (
	ModuleChannels = "channels"
	ModuleFeed     = "feed"
	ModuleHelp     = "help"
	ModuleURLTitle = "urltitle"
	ModuleChatter  = "chatter"
)

// BootstrapConfig holds the startup defaults loaded from YAML
type BootstrapConfig struct {
	DefaultLevel     domain.Level   `yaml:"default_level"`
	DefaultAdmin     *AdminConfig   `yaml:"default_admin"`
	Servers          []ServerConfig `yaml:"servers"`
	DeliveryDefaults DeliveryConfig `yaml:"delivery_defaults"`
	Modules          []string       `yaml:"modules"`
	FloodInterval    time.Duration  `yaml:"flood_interval"`

	// Source is the file the config was read from; empty for built-in defaults
	Source string `yaml:"-"`
}

// AdminConfig is the user inserted when the store has no users
type AdminConfig struct {
	Nickname string       `yaml:"nickname"`
	Username string       `yaml:"username"`
	Hostname string       `yaml:"hostname"`
	Level    domain.Level `yaml:"level"`
}

// ServerConfig is a server inserted when the store has no servers
type ServerConfig struct {
	Platform domain.Platform `yaml:"platform"`
	Address  string          `yaml:"address"`
	Port     int             `yaml:"port"`
	Nickname string          `yaml:"nickname"`
	Channels []string        `yaml:"channels"`
}

// DeliveryConfig seeds new delivery rules; unset booleans default to true
type DeliveryConfig struct {
	Replies *bool    `yaml:"replies"`
	Reposts *bool    `yaml:"reposts"`
	Filters []string `yaml:"filters"`
}

// LoadBootstrapConfig loads the bootstrap configuration from a YAML file
func LoadBootstrapConfig(configPath string) (*BootstrapConfig, error) {
	// Try multiple paths
	paths := []string{configPath}
	if configPath == "" {
		paths = []string{
			"configs/exastris.yaml",
			"/etc/exastris/exastris.yaml",
		}
		// Add path relative to executable
		if execPath, err := os.Executable(); err == nil {
			paths = append(paths, filepath.Join(filepath.Dir(execPath), "configs", "exastris.yaml"))
		}
	}

	var data []byte
	var loadedPath string
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err == nil {
			data = b
			loadedPath = p
			break
		}
	}

	if data == nil {
		if configPath != "" {
			return nil, errors.Newf("config file %s not found", configPath)
		}
		// Return default config if no file found
		cfg := DefaultBootstrapConfig()
		return cfg, nil
	}

	var cfg BootstrapConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", loadedPath)
	}
	cfg.Source = loadedPath

	// Fill in defaults for empty values
	cfg.fillDefaults()

	return &cfg, nil
}

// fillDefaults fills in default values for empty fields
func (c *BootstrapConfig) fillDefaults() {
	defaults := DefaultBootstrapConfig()

	if len(c.Modules) == 0 {
		c.Modules = defaults.Modules
	}
	if c.FloodInterval == 0 {
		c.FloodInterval = defaults.FloodInterval
	}
	for i := range c.Servers {
		if c.Servers[i].Port == 0 {
			c.Servers[i].Port = 443
		}
		if c.Servers[i].Nickname == "" {
			c.Servers[i].Nickname = domain.ServerDefaults().Nickname
		}
	}
}

// DefaultBootstrapConfig returns the built-in bootstrap configuration
func DefaultBootstrapConfig() *BootstrapConfig {
	return &BootstrapConfig{
		DefaultLevel:  domain.LevelDefault,
		Modules:       []string{ModuleChannels, ModuleFeed, ModuleHelp, ModuleURLTitle, ModuleChatter},
		FloodInterval: time.Second,
	}
}

// Validate validates the bootstrap configuration
func (c *BootstrapConfig) Validate() error {
	known := map[string]bool{
		ModuleChannels: true, ModuleFeed: true, ModuleHelp: true, ModuleURLTitle: true, ModuleChatter: true,
	}
	for _, m := range c.Modules {
		if !known[m] {
			return &ConfigError{Field: "modules", Message: "unknown module " + m}
		}
	}
	for _, s := range c.Servers {
		if s.Platform != domain.PlatformFeishu && s.Platform != domain.PlatformDiscord {
			return &ConfigError{Field: "servers.platform", Message: "must be feishu or discord"}
		}
		if s.Address == "" {
			return &ConfigError{Field: "servers.address", Message: "required"}
		}
	}
	if c.DefaultAdmin != nil && c.DefaultAdmin.Nickname == "" && c.DefaultAdmin.Username == "" {
		return &ConfigError{Field: "default_admin", Message: "nickname or username required"}
	}
	return nil
}

// ModuleEnabled reports whether a feature module is listed
func (c *BootstrapConfig) ModuleEnabled(name string) bool {
	for _, m := range c.Modules {
		if m == name {
			return true
		}
	}
	return false
}

// Delivery returns the defaults new delivery rules start with
func (c *BootstrapConfig) Delivery() domain.DeliveryDefaults {
	d := domain.DefaultDeliveryDefaults()
	if c.DeliveryDefaults.Replies != nil {
		d.Replies = *c.DeliveryDefaults.Replies
	}
	if c.DeliveryDefaults.Reposts != nil {
		d.Reposts = *c.DeliveryDefaults.Reposts
	}
	d.Filters = append([]string(nil), c.DeliveryDefaults.Filters...)
	return d
}

// DefaultServers converts the configured servers into domain records, adding
// the platform default server for each enabled platform that has none.
func (c *BootstrapConfig) DefaultServers(platforms ...domain.Platform) []domain.Server {
	now := time.Now()
	prov := domain.NewProvenance(domain.SystemOrigin, now)

	var out []domain.Server
	seen := make(map[domain.Platform]bool)
	for _, s := range c.Servers {
		server := domain.Server{
			Platform:   s.Platform,
			Address:    s.Address,
			Port:       s.Port,
			Nickname:   s.Nickname,
			Channels:   make(map[string]domain.Channel, len(s.Channels)),
			Provenance: prov,
		}
		for _, name := range s.Channels {
			ch := domain.NewChannel(name, prov)
			server.Channels[ch.Name] = ch
		}
		out = append(out, server)
		seen[s.Platform] = true
	}

	for _, p := range platforms {
		if seen[p] {
			continue
		}
		server := domain.ServerDefaults()
		server.Platform = p
		server.Address = PlatformAddress(p)
		server.Provenance = prov
		out = append(out, server)
	}
	return out
}

// PlatformAddress is the server address used for a platform with no configured server
func PlatformAddress(p domain.Platform) string {
	switch p {
	case domain.PlatformDiscord:
		return "discord.com"
	default:
		return "open.feishu.cn"
	}
}

// Admin returns the default admin as a domain user, or nil
func (c *BootstrapConfig) Admin() *domain.User {
	if c.DefaultAdmin == nil {
		return nil
	}
	level := c.DefaultAdmin.Level
	if level == 0 {
		level = domain.LevelAdmin
	}
	return &domain.User{
		Nickname:   c.DefaultAdmin.Nickname,
		Username:   c.DefaultAdmin.Username,
		Hostname:   c.DefaultAdmin.Hostname,
		Level:      level,
		Provenance: domain.NewProvenance(domain.SystemOrigin, time.Now()),
	}
}
