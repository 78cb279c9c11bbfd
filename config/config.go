// Package config handles loading and validating the node configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/djoerd/snipdex/snipdex"
)

// Web exposure modes for the HTML interface.
const (
	WebDisabled = "disabled" // searches from loopback only
	WebPrivate  = "private"  // HTML for loopback, XML for the network
	WebPublic   = "public"   // HTML and XML for everyone
)

// Config is the top-level configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Mother MotherConfig `yaml:"mother"`
	Cache  CacheConfig  `yaml:"cache"`
	Web    WebConfig    `yaml:"web"`
	Debug  bool         `yaml:"debug"`
	Peers  []PeerConfig `yaml:"peers"`
}

// ServerConfig configures the HTTP receiver.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	Port int    `yaml:"port"`
}

// MotherConfig names the mother peer used to join the network. Setting
// it to the node's own address runs the node stand-alone.
type MotherConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// CacheConfig locates the persistent query cache.
type CacheConfig struct {
	File string `yaml:"file"`
}

// WebConfig configures the HTML interface.
type WebConfig struct {
	Root string `yaml:"root"`
	Mode string `yaml:"mode"`
}

// PeerConfig seeds a zombie peer: an adapter wrapping a search engine
// that does not speak the native protocol itself.
type PeerConfig struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Icon        string         `yaml:"icon,omitempty"`
	Language    string         `yaml:"language,omitempty"`
	QueryHints  []string       `yaml:"query_hints,omitempty"`
	Open        TemplateConfig `yaml:"open_template,omitempty"`
	HTML        TemplateConfig `yaml:"html_template,omitempty"`
	Suggest     TemplateConfig `yaml:"suggest_template,omitempty"`
}

// TemplateConfig is one query template of a seeded peer.
type TemplateConfig struct {
	URL            string `yaml:"url"`
	Type           string `yaml:"type,omitempty"`
	Method         string `yaml:"method,omitempty"`
	ItemPath       string `yaml:"item_path,omitempty"`
	TitlePath      string `yaml:"title_path,omitempty"`
	LinkPath       string `yaml:"link_path,omitempty"`
	SummaryPath    string `yaml:"summary_path,omitempty"`
	PreviewPath    string `yaml:"preview_path,omitempty"`
	AttributePaths string `yaml:"attribute_paths,omitempty"`
	ForceDecode    string `yaml:"force_decode,omitempty"`
}

func (t TemplateConfig) toTemplate() *snipdex.Template {
	if t.URL == "" {
		return nil
	}
	return &snipdex.Template{
		URL:            t.URL,
		Type:           t.Type,
		Method:         t.Method,
		ItemPath:       t.ItemPath,
		TitlePath:      t.TitlePath,
		LinkPath:       t.LinkPath,
		SummaryPath:    t.SummaryPath,
		PreviewPath:    t.PreviewPath,
		AttributePaths: t.AttributePaths,
		ForceDecode:    t.ForceDecode,
	}
}

// Peer converts the seed entry to a peer descriptor with a derived pid.
func (p PeerConfig) Peer() *snipdex.Peer {
	peer := &snipdex.Peer{
		Name:            p.Name,
		Description:     p.Description,
		Icon:            p.Icon,
		Language:        p.Language,
		QueryHints:      p.QueryHints,
		OpenTemplate:    p.Open.toTemplate(),
		HTMLTemplate:    p.HTML.toTemplate(),
		SuggestTemplate: p.Suggest.toTemplate(),
	}
	peer.DerivePID()
	peer.Touch()
	return peer
}

// Load reads config from the given YAML file path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with all defaults applied and no
// seeded peers, used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills in unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8472
	}
	if c.Mother.Host == "" {
		c.Mother.Host = "stable.cs.utwente.nl"
	}
	if c.Mother.Port == 0 {
		c.Mother.Port = 8472
	}
	if c.Cache.File == "" {
		c.Cache.File = defaultCacheFile(c.Server.Port)
	}
	if c.Web.Root == "" {
		c.Web.Root = "web"
	}
	if c.Web.Mode == "" {
		c.Web.Mode = WebPrivate
	}
}

// Validate rejects configurations the node cannot serve.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	if c.Mother.Port < 1 || c.Mother.Port > 65535 {
		return fmt.Errorf("config: invalid mother port %d", c.Mother.Port)
	}
	switch c.Web.Mode {
	case WebDisabled, WebPrivate, WebPublic:
	default:
		return fmt.Errorf("config: invalid web mode %q", c.Web.Mode)
	}
	for i, p := range c.Peers {
		if p.Name == "" {
			return fmt.Errorf("config: peers[%d]: name is required", i)
		}
		if p.Open.URL == "" && p.HTML.URL == "" {
			return fmt.Errorf("config: peers[%d] (%s): a template url is required", i, p.Name)
		}
	}
	return nil
}

// ListenAddr returns the address the HTTP receiver binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Addr, c.Server.Port)
}

func defaultCacheFile(port int) string {
	name := fmt.Sprintf("snipdex-cache-127-0-0-1_%d", port)
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), name)
	}
	return filepath.Join(dir, "snipdex", name)
}

// DefaultConfigPaths returns the list of paths to check for
// configuration, in order of priority.
func DefaultConfigPaths() []string {
	paths := []string{"snipdex.yaml", "snipdex.yml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "snipdex", "config.yaml"),
			filepath.Join(home, ".config", "snipdex", "config.yml"),
		)
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths,
			filepath.Join(xdg, "snipdex", "config.yaml"),
			filepath.Join(xdg, "snipdex", "config.yml"),
		)
	}

	return paths
}

// FindConfig returns the first existing config file from the default
// paths, or an empty string if none found.
func FindConfig() string {
	for _, p := range DefaultConfigPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// String renders a one-line summary for startup logging.
func (c *Config) String() string {
	parts := []string{
		fmt.Sprintf("listen=%s", c.ListenAddr()),
		fmt.Sprintf("mother=%s:%d", c.Mother.Host, c.Mother.Port),
		fmt.Sprintf("cache=%s", c.Cache.File),
		fmt.Sprintf("web=%s", c.Web.Mode),
	}
	return strings.Join(parts, " ")
}
