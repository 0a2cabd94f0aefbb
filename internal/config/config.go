// Package config loads and holds all proxy configuration.
// Settings are layered: defaults → the first of proxy-config.yaml, proxy-config.yml
// or proxy-config.json that loads → environment variables (env vars win).
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProxyType selects whether the outer listener speaks plain HTTP or
// terminates TLS for its own hostname before handling requests.
type ProxyType string

// Proxy listener types.
const (
	TypeHTTP  ProxyType = "http"
	TypeHTTPS ProxyType = "https"
)

// Config holds the full proxy configuration.
type Config struct {
	ProxyPort      int       `json:"proxyPort" yaml:"proxyPort"`
	ManagementPort int       `json:"managementPort" yaml:"managementPort"`
	Type           ProxyType `json:"type" yaml:"type"`
	Hostname       string    `json:"hostname" yaml:"hostname"` // required when Type == TypeHTTPS
	LogLevel       string    `json:"logLevel" yaml:"logLevel"`

	BindAddress     string `json:"bindAddress" yaml:"bindAddress"`
	ManagementToken string `json:"managementToken" yaml:"managementToken"`

	// CADir holds rootCA.key / rootCA.crt. Defaults to
	// $HOME/.interceptproxy/certificates.
	CADir string `json:"caDir" yaml:"caDir"`
	// CASubject supplies the subject attributes stamped on a freshly
	// generated root; CommonName is always the fixed proxy label.
	CASubject CASubject `json:"caSubject" yaml:"caSubject"`

	// LocalHosts identifies the proxy's own addresses; requests or CONNECT
	// targets matching one of these are never forwarded upstream.
	LocalHosts []string `json:"localHosts" yaml:"localHosts"`

	// ForceProxyHTTPS, if true, always MITMs CONNECT targets regardless of
	// any configured Rule.BeforeDealHttpsRequest hook. Requires an existing
	// root CA at start.
	ForceProxyHTTPS bool `json:"forceProxyHttps" yaml:"forceProxyHttps"`

	// RecorderPath, if non-empty, enables the default JSONL recorder at
	// this path. Empty disables recording (a Noop recorder is used).
	RecorderPath string `json:"recorderPath" yaml:"recorderPath"`
	// RecorderBodyDir, if non-empty, enables body excerpt capture under
	// this directory, capped at RecorderBodyCapSize bytes per request.
	RecorderBodyDir     string `json:"recorderBodyDir" yaml:"recorderBodyDir"`
	RecorderBodyCapSize int    `json:"recorderBodyCapBytes" yaml:"recorderBodyCapBytes"`

	// LogFile, if non-empty, rotates logs to this path via lumberjack
	// instead of stderr.
	LogFile       string `json:"logFile" yaml:"logFile"`
	LogMaxSizeMB  int    `json:"logMaxSizeMB" yaml:"logMaxSizeMB"`
	LogMaxBackups int    `json:"logMaxBackups" yaml:"logMaxBackups"`
	LogMaxAgeDays int    `json:"logMaxAgeDays" yaml:"logMaxAgeDays"`
}

// CASubject carries the subject attributes used for a freshly generated
// root CA.
type CASubject struct {
	Country            string `json:"country" yaml:"country"`
	Organization       string `json:"organization" yaml:"organization"`
	State              string `json:"state" yaml:"state"`
	OrganizationalUnit string `json:"organizationalUnit" yaml:"organizationalUnit"`
}

// Load returns config with defaults overridden by a config file (YAML
// preferred, JSON as a fallback) and then environment variables.
func Load() *Config {
	cfg := defaults()
	if !loadFile(cfg, "proxy-config.yaml") && !loadFile(cfg, "proxy-config.yml") {
		loadFile(cfg, "proxy-config.json")
	}
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	home, _ := os.UserHomeDir()
	caDir := filepath.Join(home, ".interceptproxy", "certificates")
	return &Config{
		ProxyPort:      8080,
		ManagementPort: 8081,
		Type:           TypeHTTP,
		LogLevel:       "info",
		BindAddress:    "127.0.0.1",
		CADir:          caDir,
		CASubject: CASubject{
			Organization: "InterceptProxy",
		},
		LocalHosts:          []string{"127.0.0.1:8080", "localhost:8080"},
		RecorderBodyCapSize: 64 * 1024,
		LogMaxSizeMB:        100,
		LogMaxBackups:       5,
		LogMaxAgeDays:       28,
	}
}

// Validate checks the fatal-at-start rules from the proxy lifecycle
// contract: port required, https requires hostname, forceProxyHttps
// requires an existing root CA.
func (c *Config) Validate(caExists bool) error {
	if c.ProxyPort <= 0 {
		return fmt.Errorf("config: proxyPort must be > 0, got %d", c.ProxyPort)
	}
	if c.Type == TypeHTTPS && c.Hostname == "" {
		return fmt.Errorf("config: type=https requires hostname")
	}
	if c.ForceProxyHTTPS && !caExists {
		return fmt.Errorf("config: forceProxyHttps=true requires an existing root CA at %s", c.CADir)
	}
	return nil
}

// loadFile unmarshals path into cfg, choosing YAML or JSON by extension.
// Returns true if the file was found and parsed without error.
func loadFile(cfg *Config, path string) bool {
	data, err := os.ReadFile(path) //nolint:gosec // path is a controlled config file path, not user input
	if err != nil {
		return false // file is optional
	}

	var parseErr error
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		parseErr = yaml.Unmarshal(data, cfg)
	} else {
		parseErr = json.Unmarshal(data, cfg)
	}
	if parseErr != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, parseErr)
		return false
	}
	log.Printf("[CONFIG] Loaded %s", path)
	return true
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("PROXY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ProxyPort = n
		}
	}
	if v := os.Getenv("MANAGEMENT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ManagementPort = n
		}
	}
	if v := os.Getenv("PROXY_TYPE"); v != "" {
		cfg.Type = ProxyType(v)
	}
	if v := os.Getenv("PROXY_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
	if v := os.Getenv("CA_DIR"); v != "" {
		cfg.CADir = v
	}
	if v := os.Getenv("FORCE_PROXY_HTTPS"); v == "true" {
		cfg.ForceProxyHTTPS = true
	}
	if v := os.Getenv("RECORDER_PATH"); v != "" {
		cfg.RecorderPath = v
	}
	if v := os.Getenv("RECORDER_BODY_DIR"); v != "" {
		cfg.RecorderBodyDir = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
}
