// Package config loads the nas-connector settings from viper.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"nas-connector/pkg/common"
)

// Settings holds every tunable of the resolution and session engine.
type Settings struct {
	LookupDomain        string
	LookupMarkerPattern string
	LookupTimeout       time.Duration
	InvalidErrnos       []int
	// LookupURL overrides https://{identity}.{LookupDomain}/ when set; %s is the identity.
	LookupURL           string

	DDNSTemplate string

	ProbePath    string
	ProbeTimeout time.Duration

	RevalidateInterval time.Duration

	LoginPath           string
	APITimeout          time.Duration
	SessionInvalidCodes []int

	// Transport is an outline-sdk transport config string. Empty means direct.
	Transport string

	MonitorInterval time.Duration
	MonitorWorkers  int

	PairingTTL time.Duration

	StoreDriver string
	DatabaseDSN string
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("lookup.domain", "relay.nas-cloud.net")
	v.SetDefault("lookup.marker_pattern", `var\s+serverInfo\s*=\s*`)
	v.SetDefault("lookup.timeout", 10*time.Second)
	v.SetDefault("lookup.invalid_errnos", []int{4, 3001})
	v.SetDefault("lookup.url", "")
	v.SetDefault("ddns.template", "http://%s.nas-ddns.net:8000/")
	v.SetDefault("probe.path", "favicon.ico")
	v.SetDefault("probe.timeout", 5*time.Second)
	v.SetDefault("resolver.revalidate_interval", 10*time.Minute)
	v.SetDefault("auth.login_path", "api/auth/login")
	v.SetDefault("auth.session_invalid_codes", common.DefaultSessionInvalidCodes)
	v.SetDefault("api.timeout", 10*time.Second)
	v.SetDefault("transport.config", "")
	v.SetDefault("monitor.interval", time.Minute)
	v.SetDefault("monitor.workers", 4)
	v.SetDefault("pairing.ttl", 15*time.Minute)
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "nas_connector")
	v.SetDefault("database.sslmode", "disable")
}

// DSN builds the postgres connection string from the database.* keys.
func DSN(v *viper.Viper) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		v.GetString("database.user"),
		v.GetString("database.password"),
		v.GetString("database.host"),
		v.GetInt("database.port"),
		v.GetString("database.dbname"),
		v.GetString("database.sslmode"),
	)
}

// Load reads Settings from v, applying defaults first.
func Load(v *viper.Viper) (Settings, error) {
	SetDefaults(v)

	s := Settings{
		LookupDomain:        strings.TrimSpace(v.GetString("lookup.domain")),
		LookupMarkerPattern: v.GetString("lookup.marker_pattern"),
		LookupTimeout:       v.GetDuration("lookup.timeout"),
		InvalidErrnos:       v.GetIntSlice("lookup.invalid_errnos"),
		LookupURL:           strings.TrimSpace(v.GetString("lookup.url")),
		DDNSTemplate:        strings.TrimSpace(v.GetString("ddns.template")),
		ProbePath:           v.GetString("probe.path"),
		ProbeTimeout:        v.GetDuration("probe.timeout"),
		RevalidateInterval:  v.GetDuration("resolver.revalidate_interval"),
		LoginPath:           v.GetString("auth.login_path"),
		APITimeout:          v.GetDuration("api.timeout"),
		SessionInvalidCodes: v.GetIntSlice("auth.session_invalid_codes"),
		Transport:           strings.TrimSpace(v.GetString("transport.config")),
		MonitorInterval:     v.GetDuration("monitor.interval"),
		MonitorWorkers:      v.GetInt("monitor.workers"),
		PairingTTL:          v.GetDuration("pairing.ttl"),
		StoreDriver:         v.GetString("store.driver"),
		DatabaseDSN:         DSN(v),
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Persistent reports whether registered devices outlive the process.
func (s Settings) Persistent() bool {
	return s.StoreDriver == "postgres"
}

// Validate checks that the settings are coherent.
func (s Settings) Validate() error {
	if s.LookupDomain == "" {
		return fmt.Errorf("invalid lookup.domain: must not be empty")
	}
	if _, err := regexp.Compile(s.LookupMarkerPattern); err != nil {
		return fmt.Errorf("invalid lookup.marker_pattern: %w", err)
	}
	if s.LookupURL != "" && strings.Count(s.LookupURL, "%s") != 1 {
		return fmt.Errorf("invalid lookup.url: must contain exactly one %%s")
	}
	if strings.Count(s.DDNSTemplate, "%s") != 1 {
		return fmt.Errorf("invalid ddns.template: must contain exactly one %%s")
	}
	for name, d := range map[string]time.Duration{
		"lookup.timeout":               s.LookupTimeout,
		"probe.timeout":                s.ProbeTimeout,
		"resolver.revalidate_interval": s.RevalidateInterval,
		"api.timeout":                  s.APITimeout,
		"monitor.interval":             s.MonitorInterval,
		"pairing.ttl":                  s.PairingTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid %s: must be > 0", name)
		}
	}
	if s.MonitorWorkers <= 0 {
		return fmt.Errorf("invalid monitor.workers: must be > 0")
	}
	switch s.StoreDriver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("invalid store.driver %q: must be memory or postgres", s.StoreDriver)
	}
	return nil
}

// DeviceEntry is a device declared in the config file under devices.
type DeviceEntry struct {
	Identity string `mapstructure:"identity"`
	Name     string `mapstructure:"name"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Devices reads the devices list. Every entry needs an identity and a
// username.
func Devices(v *viper.Viper) ([]DeviceEntry, error) {
	var entries []DeviceEntry
	if err := v.UnmarshalKey("devices", &entries); err != nil {
		return nil, fmt.Errorf("invalid devices: %w", err)
	}
	for i, e := range entries {
		if strings.TrimSpace(e.Identity) == "" || e.Username == "" {
			return nil, fmt.Errorf("invalid devices[%d]: identity and username are required", i)
		}
	}
	return entries, nil
}
