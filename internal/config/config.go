package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the config file looked up in the working directory when no
// explicit path is given.
const DefaultFile = "oupgrade.yaml"

// envPrefix is the environment variable prefix, e.g. OUPGRADE_DB_DIR.
const envPrefix = "OUPGRADE"

// Config represents the oupgrade.yaml configuration.
type Config struct {
	Versions []string      `mapstructure:"versions" yaml:"versions"`
	Repo     RepoConfig    `mapstructure:"repo" yaml:"repo"`
	Sources  SourcesConfig `mapstructure:"sources" yaml:"sources"`
	DB       DBConfig      `mapstructure:"db" yaml:"db"`
	Output   OutputConfig  `mapstructure:"output" yaml:"output"`
	Server   ServerConfig  `mapstructure:"server" yaml:"server"`
	Logging  LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Apriori  AprioriConfig `mapstructure:"apriori" yaml:"apriori"`
	Sync     SyncConfig    `mapstructure:"sync" yaml:"sync"`
}

// RepoConfig locates the upstream migration-scripts repository.
type RepoConfig struct {
	URL  string `mapstructure:"url" yaml:"url"`
	Path string `mapstructure:"path" yaml:"path"`
}

// SourcesConfig controls where per-version source trees are extracted.
type SourcesConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// DBConfig controls where per-version change stores live.
type DBConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// OutputConfig controls where derived migration artifacts are written.
type OutputConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// ServerConfig configures the HTTP query service.
type ServerConfig struct {
	Host      string `mapstructure:"host" yaml:"host"`
	Port      int    `mapstructure:"port" yaml:"port"`
	CORSAllow string `mapstructure:"cors_allow" yaml:"cors_allow"`
	CacheSize int    `mapstructure:"cache_size" yaml:"cache_size"`
}

// LoggingConfig configures log output. An empty File logs to stderr only.
type LoggingConfig struct {
	File string `mapstructure:"file" yaml:"file"`
}

// AprioriConfig configures the module rename reference table import.
type AprioriConfig struct {
	Versions []string `mapstructure:"versions" yaml:"versions"`
	CSVPath  string   `mapstructure:"csv_path" yaml:"csv_path"`
	CSVURL   string   `mapstructure:"csv_url" yaml:"csv_url"`
}

// SyncConfig tunes source acquisition.
type SyncConfig struct {
	Retries int `mapstructure:"retries" yaml:"retries"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Versions: []string{"16.0", "17.0", "18.0"},
		Repo: RepoConfig{
			URL:  "https://github.com/OCA/OpenUpgrade.git",
			Path: "./OpenUpgrade_Repo",
		},
		Sources: SourcesConfig{Dir: "./data_sources"},
		DB:      DBConfig{Dir: "./databases"},
		Output:  OutputConfig{Dir: "./output"},
		Server: ServerConfig{
			Host:      "localhost",
			Port:      5000,
			CORSAllow: "http://localhost:5000",
			CacheSize: 8,
		},
		Apriori: AprioriConfig{
			Versions: []string{"14.0", "15.0", "16.0", "17.0", "18.0"},
		},
		Sync: SyncConfig{Retries: 3},
	}
}

// Load reads configuration from the given path, the environment and defaults.
// An empty path looks for oupgrade.yaml in the working directory; a missing
// default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	applyDefaults(v, Default())

	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultFile, filepath.Ext(DefaultFile)))
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// Ensure required defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5000
	}
	if cfg.Server.CacheSize <= 0 {
		cfg.Server.CacheSize = 8
	}
	for i, ver := range cfg.Versions {
		cfg.Versions[i] = NormalizeVersion(ver)
	}
	for i, ver := range cfg.Apriori.Versions {
		cfg.Apriori.Versions[i] = NormalizeVersion(ver)
	}

	return cfg, nil
}

func applyDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("versions", d.Versions)
	v.SetDefault("repo.url", d.Repo.URL)
	v.SetDefault("repo.path", d.Repo.Path)
	v.SetDefault("sources.dir", d.Sources.Dir)
	v.SetDefault("db.dir", d.DB.Dir)
	v.SetDefault("output.dir", d.Output.Dir)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.cors_allow", d.Server.CORSAllow)
	v.SetDefault("server.cache_size", d.Server.CacheSize)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("apriori.versions", d.Apriori.Versions)
	v.SetDefault("apriori.csv_path", d.Apriori.CSVPath)
	v.SetDefault("apriori.csv_url", d.Apriori.CSVURL)
	v.SetDefault("sync.retries", d.Sync.Retries)
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// StorePath returns the change store file for a version.
func (c *Config) StorePath(version string) string {
	return filepath.Join(c.DB.Dir, "upgrade_"+NormalizeVersion(version)+".db")
}

// AprioriPath returns the reference table store file.
func (c *Config) AprioriPath() string {
	return filepath.Join(c.DB.Dir, "apriori.db")
}

// SourceDir returns the extracted source tree root for a version.
func (c *Config) SourceDir(version string) string {
	return filepath.Join(c.Sources.Dir, NormalizeVersion(version))
}

// OutputDir returns the artifact output directory for a version.
func (c *Config) OutputDir(version string) string {
	return filepath.Join(c.Output.Dir, NormalizeVersion(version))
}

// Addr returns the host:port the query service listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// EnsureDirs creates the working directories used by the pipeline.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Sources.Dir, c.DB.Dir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

var versionRe = regexp.MustCompile(`^\d+\.\d+$`)

// NormalizeVersion turns a bare major version ("17") into its branch label
// ("17.0"). Other values are returned trimmed but otherwise untouched.
func NormalizeVersion(version string) string {
	version = strings.TrimSpace(version)
	if _, err := strconv.Atoi(version); err == nil {
		return version + ".0"
	}
	return version
}

// ValidVersion reports whether version is a normalized "<major>.<minor>" label.
func ValidVersion(version string) bool {
	return versionRe.MatchString(version)
}

// Major returns the major component of a version label ("17.0" -> 17).
func Major(version string) (int, error) {
	head, _, _ := strings.Cut(NormalizeVersion(version), ".")
	n, err := strconv.Atoi(head)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", version, err)
	}
	return n, nil
}
