package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const defaultConfigFile = "convert-db.toml"

// Config holds the TOML-driven settings: destination connections, the
// schema cache and SQL hooks. The source connection comes from CLI flags.
type Config struct {
	Default          string                      `toml:"default"`
	Workers          int                         `toml:"workers"`
	UnknownAsText    bool                        `toml:"unknown_as_text"`
	PreserveDefaults bool                        `toml:"preserve_defaults"`
	Connections      map[string]ConnectionConfig `toml:"connections"`
	Cache            CacheConfig                 `toml:"cache"`
	Hooks            HooksConfig                 `toml:"hooks"`

	// configDir is the directory containing the TOML file, used to resolve relative paths.
	configDir string
}

// ConnectionConfig describes one database connection. DSN, when set, wins
// over the discrete fields.
type ConnectionConfig struct {
	Driver         string `toml:"driver"`
	DSN            string `toml:"dsn"`
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	User           string `toml:"user"`
	Password       string `toml:"password"`
	Database       string `toml:"database"`
	Charset        string `toml:"charset"`
	Prefix         string `toml:"prefix"`
	MaxConnections int    `toml:"max_connections"`
}

type CacheConfig struct {
	Store      string   `toml:"store"` // sqlite|memory|none
	Path       string   `toml:"path"`
	TablesTTL  duration `toml:"tables_ttl"`
	QueriesTTL duration `toml:"queries_ttl"`
}

type HooksConfig struct {
	BeforeData []string `toml:"before_data"`
	AfterData  []string `toml:"after_data"`
	AfterAll   []string `toml:"after_all"`
}

// duration decodes TOML strings such as "10m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// loadConfig reads the TOML config file at path and returns a Config with
// defaults applied. A missing file is only an error when explicit is set;
// otherwise connections may still come from the environment.
func loadConfig(path string, explicit bool) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, configError("resolve config path: %v", err)
	}
	cfg := Config{
		PreserveDefaults: true,
		Cache: CacheConfig{
			Store:      "sqlite",
			TablesTTL:  duration{defaultTablesTTL},
			QueriesTTL: duration{defaultQueriesTTL},
		},
		configDir: filepath.Dir(absPath),
	}

	if err := loadDotEnv(cfg.configDir); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	switch {
	case err == nil:
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return nil, configError("parse config: %v", err)
		}
		if unknown := md.Undecoded(); len(unknown) > 0 {
			keys := make([]string, len(unknown))
			for i, k := range unknown {
				keys[i] = k.String()
			}
			return nil, configError("unknown config keys: %s", strings.Join(keys, ", "))
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, configError("read config: %v", err)
	}

	if len(cfg.Connections) == 0 {
		if conn, ok := connectionFromEnv(); ok {
			cfg.Connections = map[string]ConnectionConfig{"default": conn}
			if cfg.Default == "" {
				cfg.Default = "default"
			}
		}
	}
	for name, conn := range cfg.Connections {
		conn = expandConnectionEnv(conn)
		if conn.Driver == "" {
			return nil, configError("connections.%s.driver is required", name)
		}
		if _, err := platformFor(conn.Driver); err != nil {
			return nil, configError("connections.%s: %v", name, err)
		}
		cfg.Connections[name] = conn
	}
	if cfg.Default != "" {
		if _, ok := cfg.Connections[cfg.Default]; !ok {
			return nil, configError("default connection %q is not defined", cfg.Default)
		}
	}

	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers()
	}

	switch cfg.Cache.Store {
	case "sqlite", "memory", "none":
	default:
		return nil, configError("cache.store must be one of: sqlite, memory, none")
	}
	if cfg.Cache.TablesTTL.Duration <= 0 || cfg.Cache.QueriesTTL.Duration <= 0 {
		return nil, configError("cache.tables_ttl and cache.queries_ttl must be positive")
	}
	if cfg.Cache.Store == "sqlite" {
		if cfg.Cache.Path == "" {
			cfg.Cache.Path = defaultCachePath()
		} else {
			cfg.Cache.Path = cfg.resolvePath(cfg.Cache.Path)
		}
	}

	return &cfg, nil
}

// Connection returns the named destination connection. An empty name
// selects the default connection, or the only one when there is exactly one.
func (c *Config) Connection(name string) (ConnectionConfig, error) {
	if name == "" {
		name = c.Default
	}
	if name == "" {
		if len(c.Connections) == 1 {
			for _, conn := range c.Connections {
				return conn, nil
			}
		}
		return ConnectionConfig{}, configError("no destination connection selected (use --connection or set default); defined: %s",
			strings.Join(c.connectionNames(), ", "))
	}
	conn, ok := c.Connections[name]
	if !ok {
		return ConnectionConfig{}, configError("connection %q is not defined", name)
	}
	return conn, nil
}

func (c *Config) connectionNames() []string {
	names := make([]string, 0, len(c.Connections))
	for n := range c.Connections {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// resolvePath resolves a path relative to the config file directory.
func (c *Config) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.configDir, p)
}

// loadDotEnv loads a .env file next to the config file. Variables already
// set in the environment win.
func loadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return configError("load %s: %v", path, err)
	}
	return nil
}

// connectionFromEnv builds a connection from Laravel-style DB_* variables.
func connectionFromEnv() (ConnectionConfig, bool) {
	driver := os.Getenv("DB_CONNECTION")
	if driver == "" {
		return ConnectionConfig{}, false
	}
	conn := ConnectionConfig{
		Driver:   driver,
		Host:     os.Getenv("DB_HOST"),
		User:     os.Getenv("DB_USERNAME"),
		Password: os.Getenv("DB_PASSWORD"),
		Database: os.Getenv("DB_DATABASE"),
		Charset:  os.Getenv("DB_CHARSET"),
		Prefix:   os.Getenv("DB_PREFIX"),
	}
	if p, err := strconv.Atoi(os.Getenv("DB_PORT")); err == nil {
		conn.Port = p
	}
	return conn, true
}

func expandConnectionEnv(c ConnectionConfig) ConnectionConfig {
	c.DSN = os.ExpandEnv(c.DSN)
	c.Host = os.ExpandEnv(c.Host)
	c.User = os.ExpandEnv(c.User)
	c.Password = os.ExpandEnv(c.Password)
	c.Database = os.ExpandEnv(c.Database)
	return c
}

func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "convert-db", "schema-cache.db")
}

func defaultWorkers() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	if n > 8 {
		return 8
	}
	return n
}

// validateConnection checks that a connection names enough to be opened.
func validateConnection(role string, c ConnectionConfig) error {
	p, err := platformFor(c.Driver)
	if err != nil {
		return err
	}
	if c.DSN == "" && c.Database == "" {
		return configError("%s %s connection needs a database (--db or dsn)", role, p.Label())
	}
	return nil
}

// describe names a connection for logs without exposing credentials.
func (c ConnectionConfig) describe() string {
	p, err := platformFor(c.Driver)
	if err != nil {
		return c.Driver
	}
	if p.Name() == "sqlite" {
		return fmt.Sprintf("%s %s", p.Label(), firstNonEmpty(c.Database, c.DSN))
	}
	if c.DSN != "" {
		return p.Label() + " (dsn)"
	}
	host := firstNonEmpty(c.Host, "localhost")
	if c.Port > 0 {
		host += ":" + strconv.Itoa(c.Port)
	}
	return fmt.Sprintf("%s %s/%s", p.Label(), host, c.Database)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
