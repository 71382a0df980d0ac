// Package config assembles the daemon configuration.
// Priority: flags > environment variables (PLACE_*) > YAML file > defaults.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PlaceConfig is the complete daemon configuration.
type PlaceConfig struct {
	// Name is the place's display name.
	Name string `yaml:"name"`

	HTTPPort int `yaml:"http_port"`

	// WebRTCPortMin/Max bound the shared ICE UDP port range.
	WebRTCPortMin uint16 `yaml:"webrtc_port_min"`
	WebRTCPortMax uint16 `yaml:"webrtc_port_max"`

	// IPOverrideFrom/To rewrite a local ICE candidate IP to a public one.
	IPOverrideFrom string `yaml:"ip_override_from"`
	IPOverrideTo   string `yaml:"ip_override_to"`

	AppName        string `yaml:"app_name"`
	AppDownloadURL string `yaml:"app_download_url"`
	AppURLProtocol string `yaml:"app_url_protocol"`

	// AppAuthToken, when set, is the HS256 secret an authentication
	// provider must prove knowledge of to register.
	AppAuthToken string `yaml:"app_auth_token"`

	LogLevel string `yaml:"log_level"`

	CoalesceDelay  time.Duration `yaml:"coalesce_delay"`
	KeepaliveDelay time.Duration `yaml:"keepalive_delay"`
}

// Config is the process-wide configuration, populated by Initialize.
var Config *PlaceConfig

func defaults() *PlaceConfig {
	return &PlaceConfig{
		Name:           "Unnamed place",
		HTTPPort:       9080,
		WebRTCPortMin:  10000,
		WebRTCPortMax:  11000,
		AppName:        "the app",
		AppDownloadURL: "https://example.com/download",
		AppURLProtocol: "app",
		LogLevel:       "info",
		CoalesceDelay:  20 * time.Millisecond,
		KeepaliveDelay: time.Second,
	}
}

// Initialize parses args and the environment into Config.
func Initialize(args []string) error {
	cfg := defaults()

	fs := flag.NewFlagSet("placeserver", flag.ContinueOnError)
	var (
		configFile   = fs.String("config", "", "Path to a YAML configuration file")
		name         = fs.String("name", cfg.Name, "Display name of the place")
		ipOverride   = fs.String("ip-override", "", "Rewrite an ICE candidate IP, formatted from-to")
		httpPort     = fs.Int("http-port", cfg.HTTPPort, "HTTP signalling port")
		portRange    = fs.String("webrtc-port-range", "", "ICE UDP port range, formatted min-max")
		appName      = fs.String("app-name", cfg.AppName, "Client app name shown on the landing page")
		appDownload  = fs.String("app-download-url", cfg.AppDownloadURL, "Client app download link")
		appProtocol  = fs.String("app-url-protocol", cfg.AppURLProtocol, "URL scheme of the launch link")
		appAuthToken = fs.String("allo-app-auth-token", "", "Secret required from a registering authentication provider")
		logLevel     = fs.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *configFile == "" {
		*configFile = os.Getenv("PLACE_CONFIG")
	}
	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config file %s: %w", *configFile, err)
		}
	}

	applyEnvironment(cfg)

	// Flags the caller actually set win over everything.
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["name"] {
		cfg.Name = *name
	}
	if set["http-port"] {
		cfg.HTTPPort = *httpPort
	}
	if set["app-name"] {
		cfg.AppName = *appName
	}
	if set["app-download-url"] {
		cfg.AppDownloadURL = *appDownload
	}
	if set["app-url-protocol"] {
		cfg.AppURLProtocol = *appProtocol
	}
	if set["allo-app-auth-token"] {
		cfg.AppAuthToken = *appAuthToken
	}
	if set["log-level"] {
		cfg.LogLevel = *logLevel
	}
	if set["ip-override"] {
		from, to, err := splitPair(*ipOverride)
		if err != nil {
			return fmt.Errorf("--ip-override: %w", err)
		}
		cfg.IPOverrideFrom, cfg.IPOverrideTo = from, to
	}
	if set["webrtc-port-range"] {
		min, max, err := parsePortRange(*portRange)
		if err != nil {
			return fmt.Errorf("--webrtc-port-range: %w", err)
		}
		cfg.WebRTCPortMin, cfg.WebRTCPortMax = min, max
	}

	if cfg.WebRTCPortMin > cfg.WebRTCPortMax {
		return fmt.Errorf("webrtc port range %d-%d is inverted", cfg.WebRTCPortMin, cfg.WebRTCPortMax)
	}

	Config = cfg
	return nil
}

func applyEnvironment(cfg *PlaceConfig) {
	if v := os.Getenv("PLACE_NAME"); v != "" {
		cfg.Name = v
	}
	if v := os.Getenv("PLACE_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = port
		}
	}
	if v := os.Getenv("PLACE_WEBRTC_PORT_RANGE"); v != "" {
		if min, max, err := parsePortRange(v); err == nil {
			cfg.WebRTCPortMin, cfg.WebRTCPortMax = min, max
		}
	}
	if v := os.Getenv("PLACE_IP_OVERRIDE"); v != "" {
		if from, to, err := splitPair(v); err == nil {
			cfg.IPOverrideFrom, cfg.IPOverrideTo = from, to
		}
	}
	if v := os.Getenv("PLACE_APP_NAME"); v != "" {
		cfg.AppName = v
	}
	if v := os.Getenv("PLACE_APP_DOWNLOAD_URL"); v != "" {
		cfg.AppDownloadURL = v
	}
	if v := os.Getenv("PLACE_APP_URL_PROTOCOL"); v != "" {
		cfg.AppURLProtocol = v
	}
	if v := os.Getenv("PLACE_APP_AUTH_TOKEN"); v != "" {
		cfg.AppAuthToken = v
	}
	if v := os.Getenv("PLACE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func splitPair(s string) (string, string, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("expected from-to, got %q", s)
	}
	return parts[0], parts[1], nil
}

func parsePortRange(s string) (uint16, uint16, error) {
	minStr, maxStr, err := splitPair(s)
	if err != nil {
		return 0, 0, err
	}
	min, err := strconv.ParseUint(minStr, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("bad minimum port %q: %w", minStr, err)
	}
	max, err := strconv.ParseUint(maxStr, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("bad maximum port %q: %w", maxStr, err)
	}
	return uint16(min), uint16(max), nil
}
