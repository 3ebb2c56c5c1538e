package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "DRIVETHRU"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "drivethru.db"
	defaultLogLevel      = "info"
	defaultLogEncoding   = "json"
	defaultTenantID      = "default"
	defaultDeviceIssuer  = "drivethru-pairing"
	defaultDeviceAud     = "drivethru-devices"
	defaultAdminIssuer   = "drivethru-admin"
	defaultPingInterval  = 30 * time.Second
	defaultSendBuffer    = 32
	defaultPresenceTTL   = 15 * time.Second
	defaultCodeTTL       = 10 * time.Minute
	defaultRegisterTTL   = 24 * time.Hour
	defaultTotalScale    = 3
	defaultSTUNURL       = "stun:stun.l.google.com:19302"
	defaultDiscoveryName = "drivethru"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	LogEncoding  string

	DefaultTenantID string

	DeviceSigningSecret string
	DeviceIssuer        string
	DeviceAudience      string

	// AdminSigningSecret is optional; the admin API is disabled without it.
	AdminSigningSecret string
	AdminIssuer        string
	AdminCookieName    string

	PingInterval time.Duration
	SendBuffer   int
	PresenceTTL  time.Duration

	CodeTTL             time.Duration
	RegisterTTL         time.Duration
	DefaultLicenseLimit int

	TotalScale int32

	STUNURLs       []string
	TURNURL        string
	TURNUsername   string
	TURNCredential string
	ValidateSDP    bool

	DiscoveryEnabled  bool
	DiscoveryInstance string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("tenant.default_id", defaultTenantID)
	configViper.SetDefault("auth.issuer", defaultDeviceIssuer)
	configViper.SetDefault("auth.audience", defaultDeviceAud)
	configViper.SetDefault("admin.issuer", defaultAdminIssuer)
	configViper.SetDefault("admin.cookie_name", "")
	configViper.SetDefault("realtime.ping_interval", defaultPingInterval)
	configViper.SetDefault("realtime.send_buffer", defaultSendBuffer)
	configViper.SetDefault("presence.ttl", defaultPresenceTTL)
	configViper.SetDefault("activation.code_ttl", defaultCodeTTL)
	configViper.SetDefault("activation.register_ttl", defaultRegisterTTL)
	configViper.SetDefault("activation.default_license_limit", 0)
	configViper.SetDefault("basket.total_scale", defaultTotalScale)
	configViper.SetDefault("webrtc.stun_urls", []string{defaultSTUNURL})
	configViper.SetDefault("webrtc.validate_sdp", true)
	configViper.SetDefault("discovery.enabled", false)
	configViper.SetDefault("discovery.instance", defaultDiscoveryName)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		LogEncoding:         configViper.GetString("log.encoding"),
		DefaultTenantID:     strings.TrimSpace(configViper.GetString("tenant.default_id")),
		DeviceSigningSecret: configViper.GetString("auth.signing_secret"),
		DeviceIssuer:        configViper.GetString("auth.issuer"),
		DeviceAudience:      configViper.GetString("auth.audience"),
		AdminSigningSecret:  configViper.GetString("admin.signing_secret"),
		AdminIssuer:         configViper.GetString("admin.issuer"),
		AdminCookieName:     configViper.GetString("admin.cookie_name"),
		PingInterval:        configViper.GetDuration("realtime.ping_interval"),
		SendBuffer:          configViper.GetInt("realtime.send_buffer"),
		PresenceTTL:         configViper.GetDuration("presence.ttl"),
		CodeTTL:             configViper.GetDuration("activation.code_ttl"),
		RegisterTTL:         configViper.GetDuration("activation.register_ttl"),
		DefaultLicenseLimit: configViper.GetInt("activation.default_license_limit"),
		TotalScale:          configViper.GetInt32("basket.total_scale"),
		STUNURLs:            splitList(configViper.GetStringSlice("webrtc.stun_urls")),
		TURNURL:             strings.TrimSpace(configViper.GetString("webrtc.turn_url")),
		TURNUsername:        configViper.GetString("webrtc.turn_username"),
		TURNCredential:      configViper.GetString("webrtc.turn_credential"),
		ValidateSDP:         configViper.GetBool("webrtc.validate_sdp"),
		DiscoveryEnabled:    configViper.GetBool("discovery.enabled"),
		DiscoveryInstance:   configViper.GetString("discovery.instance"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// AdminEnabled reports whether the admin API should be mounted.
func (c AppConfig) AdminEnabled() bool {
	return strings.TrimSpace(c.AdminSigningSecret) != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DeviceSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.DeviceIssuer) == "" || strings.TrimSpace(c.DeviceAudience) == "" {
		return fmt.Errorf("auth.issuer and auth.audience are required")
	}
	if c.AdminEnabled() && strings.TrimSpace(c.AdminIssuer) == "" {
		return fmt.Errorf("admin.issuer is required when admin.signing_secret is set")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("realtime.ping_interval must be positive")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	if c.PresenceTTL <= 0 {
		return fmt.Errorf("presence.ttl must be positive")
	}
	if c.CodeTTL <= 0 || c.RegisterTTL <= 0 {
		return fmt.Errorf("activation.code_ttl and activation.register_ttl must be positive")
	}
	if c.DefaultLicenseLimit < 0 {
		return fmt.Errorf("activation.default_license_limit must not be negative")
	}
	if c.TotalScale < 0 {
		return fmt.Errorf("basket.total_scale must not be negative")
	}
	if c.TURNURL != "" && (c.TURNUsername == "" || c.TURNCredential == "") {
		return fmt.Errorf("webrtc.turn_username and webrtc.turn_credential are required with webrtc.turn_url")
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated
// string, which is how list settings arrive from the environment.
func splitList(values []string) []string {
	var items []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				items = append(items, trimmed)
			}
		}
	}
	return items
}
