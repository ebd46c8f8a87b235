// Package config loads the copypatrol INI configuration.
//
// Two groups of files are read, later files overriding earlier ones:
//
//	database:  ~/replica.my.cnf, ~/.my.cnf, ~/.copypatrol.ini, ./.copypatrol.ini
//	package:   ~/.copypatrol.ini, ./.copypatrol.ini
//
// The database group follows the MySQL client-file convention so the same
// credentials file works for both this service and the mysql CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// DatabaseConfig holds the [client] section.
type DatabaseConfig struct {
	DriverName string
	Username   string
	Password   string
	Host       string
	Port       int
	Database   string
}

// SiteConfig holds one [copypatrol:<domain>] section.
type SiteConfig struct {
	Domain               string
	Enabled              bool
	Namespaces           []int
	PageTriageNamespaces []int
}

// TCAConfig holds the [tca] section.
type TCAConfig struct {
	Domain string
	Key    string
}

// Config is the process-wide configuration, loaded once at startup.
type Config struct {
	Database        DatabaseConfig
	IgnoreListTitle string
	// Site is the operator's home wiki domain, used for db maintenance
	// scoping and the ignore-list page. Defaults to the first enabled
	// domain in sorted order.
	Site  string
	Sites map[string]SiteConfig
	TCA   TCAConfig
}

func home(path string) string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(dir, path)
}

// DatabaseFiles returns the database config search path, lowest priority
// first.
func DatabaseFiles() []string {
	return []string{
		home("replica.my.cnf"),
		home(".my.cnf"),
		home(".copypatrol.ini"),
		".copypatrol.ini",
	}
}

// PackageFiles returns the package config search path, lowest priority
// first.
func PackageFiles() []string {
	return []string{home(".copypatrol.ini"), ".copypatrol.ini"}
}

// Load reads the configuration from the default search paths.
func Load() (*Config, error) {
	return LoadFiles(DatabaseFiles(), PackageFiles())
}

// LoadFiles reads the configuration from explicit file lists. Missing
// files are skipped; tests point this at temporary directories.
func LoadFiles(dbFiles, pkgFiles []string) (*Config, error) {
	opts := ini.LoadOptions{Loose: true, Insensitive: false}

	dbIni, err := ini.LoadSources(opts, []byte{}, sources(dbFiles)...)
	if err != nil {
		return nil, fmt.Errorf("load database config: %w", err)
	}
	pkgIni, err := ini.LoadSources(opts, []byte{}, sources(pkgFiles)...)
	if err != nil {
		return nil, fmt.Errorf("load package config: %w", err)
	}

	cfg := &Config{Sites: map[string]SiteConfig{}}

	client := dbIni.Section("client")
	cfg.Database = DatabaseConfig{
		DriverName: client.Key("drivername").String(),
		Username:   firstKey(client, "username", "user"),
		Password:   client.Key("password").String(),
		Host:       client.Key("host").String(),
		Port:       client.Key("port").MustInt(0),
		Database:   client.Key("database").String(),
	}
	if cfg.Database.DriverName == "" {
		return nil, fmt.Errorf("missing [client] drivername")
	}

	cp := pkgIni.Section("copypatrol")
	cfg.IgnoreListTitle = cp.Key("ignore-list-title").String()
	cfg.Site = cp.Key("site").String()

	for _, sec := range pkgIni.Sections() {
		name := sec.Name()
		if !strings.HasPrefix(name, "copypatrol:") {
			continue
		}
		domain := strings.TrimPrefix(name, "copypatrol:")
		site := SiteConfig{
			Domain:  domain,
			Enabled: sec.Key("enabled").MustBool(false),
		}
		if site.Namespaces, err = intList(sec.Key("namespaces").String()); err != nil {
			return nil, fmt.Errorf("section %q: namespaces: %w", name, err)
		}
		if site.PageTriageNamespaces, err = intList(sec.Key("pagetriage-namespaces").String()); err != nil {
			return nil, fmt.Errorf("section %q: pagetriage-namespaces: %w", name, err)
		}
		cfg.Sites[domain] = site
	}

	tca := pkgIni.Section("tca")
	cfg.TCA = TCAConfig{
		Domain: tca.Key("domain").String(),
		Key:    tca.Key("key").String(),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Site == "" {
		cfg.Site = cfg.Domains()[0]
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Domains()) == 0 {
		return fmt.Errorf("no enabled [copypatrol:<domain>] sections")
	}
	if c.TCA.Domain == "" || c.TCA.Key == "" {
		return fmt.Errorf("missing [tca] domain or key")
	}
	return nil
}

// Domains returns the enabled domains in sorted order.
func (c *Config) Domains() []string {
	var domains []string
	for domain, site := range c.Sites {
		if site.Enabled {
			domains = append(domains, domain)
		}
	}
	sort.Strings(domains)
	return domains
}

// SiteConfig returns the configuration for domain. The zero value is
// returned for unconfigured domains (Enabled false, no namespaces).
func (c *Config) SiteConfig(domain string) SiteConfig {
	site, ok := c.Sites[domain]
	if !ok {
		return SiteConfig{Domain: domain}
	}
	return site
}

// DSN builds the driver-specific data source name for the [client]
// section.
func (c *DatabaseConfig) DSN() string {
	switch c.DriverName {
	case "sqlite3":
		return c.Database
	default:
		host := c.Host
		if c.Port != 0 {
			host += ":" + strconv.Itoa(c.Port)
		}
		return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=false&charset=utf8mb4",
			c.Username, c.Password, host, c.Database)
	}
}

func sources(files []string) []any {
	srcs := make([]any, len(files))
	for i, f := range files {
		srcs[i] = f
	}
	return srcs
}

func firstKey(sec *ini.Section, names ...string) string {
	for _, name := range names {
		if sec.HasKey(name) {
			return sec.Key(name).String()
		}
	}
	return ""
}

func intList(value string) ([]int, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	var list []int
	for _, part := range strings.Split(value, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", part)
		}
		list = append(list, n)
	}
	return list, nil
}
