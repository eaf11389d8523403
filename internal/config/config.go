// Package config loads and validates the proxy configuration file.
//
// The configuration is a YAML document whose sections mirror the concerns of
// the proxy: the privacyIDEA instance, the backend LDAP server, the listener,
// the service account, the two caches and the mapping strategies. Secrets can
// be kept out of the file: the service account password falls back to the
// SERVICE_ACCOUNT_PASSWORD environment variable, and a .env / .env.local file
// is loaded before parsing.
package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// User mapping strategy names.
const (
	UserMappingMatch  = "match"
	UserMappingLookup = "lookup"
)

// Realm mapping strategy names.
const (
	RealmMappingStatic   = "static"
	RealmMappingAppCache = "app-cache"
)

// serviceAccountPasswordEnv overrides service-account.password when set.
const serviceAccountPasswordEnv = "SERVICE_ACCOUNT_PASSWORD"

// defaultDNBlacklist rejects DNs whose first RDN attribute is literally
// "dn=uid=...", a common LDAP injection shape.
var defaultDNBlacklist = []string{`^dn=uid=`}

// ValidationError describes a single invalid or missing configuration value.
type ValidationError struct {
	Section string
	Key     string
	Message string
}

func (e ValidationError) Error() string {
	switch {
	case e.Section == "":
		return fmt.Sprintf("configuration error for %s: %s", e.Key, e.Message)
	case e.Key == "":
		return fmt.Sprintf("configuration error in [%s]: %s", e.Section, e.Message)
	default:
		return fmt.Sprintf("configuration error in [%s] %s: %s", e.Section, e.Key, e.Message)
	}
}

// PrivacyIDEA configures the verifier HTTP client.
type PrivacyIDEA struct {
	Instance    string `yaml:"instance"`
	Certificate string `yaml:"certificate"`
	Verify      *bool  `yaml:"verify"`
}

// Backend configures the upstream LDAP server.
type Backend struct {
	Endpoint       string   `yaml:"endpoint"`
	UseTLS         bool     `yaml:"use-tls"`
	TestConnection *bool    `yaml:"test-connection"`
	ConnectTimeout Duration `yaml:"connect-timeout"`
}

// Proxy configures the client-facing listener and the bind dispatch policy.
type Proxy struct {
	Endpoint                     string   `yaml:"endpoint"`
	PassthroughBinds             []string `yaml:"passthrough-binds"`
	BindServiceAccount           bool     `yaml:"bind-service-account"`
	AllowSearch                  bool     `yaml:"allow-search"`
	AllowConnectionReuse         bool     `yaml:"allow-connection-reuse"`
	IgnoreSearchResultReferences bool     `yaml:"ignore-search-result-references"`
	ForwardAnonymousBinds        bool     `yaml:"forward-anonymous-binds"`
	DNBlacklist                  []string `yaml:"dn-blacklist"`
}

// ServiceAccount holds the privileged backend identity.
type ServiceAccount struct {
	DN       string `yaml:"dn"`
	Password string `yaml:"password"`
}

// BindCacheSettings configures the cache of recently verified credentials.
type BindCacheSettings struct {
	Enabled bool     `yaml:"enabled"`
	Timeout Duration `yaml:"timeout"`
}

// AppCacheSettings configures the DN-to-app-marker cache.
type AppCacheSettings struct {
	Enabled         bool     `yaml:"enabled"`
	Timeout         Duration `yaml:"timeout"`
	Attribute       string   `yaml:"attribute"`
	ValuePrefix     string   `yaml:"value-prefix"`
	CaseInsensitive bool     `yaml:"case-insensitive"`
}

// UserMapping selects and configures the DN-to-login-name strategy.
type UserMapping struct {
	Strategy  string `yaml:"strategy"`
	Pattern   string `yaml:"pattern"`
	Attribute string `yaml:"attribute"`
}

// RealmMapping selects and configures the DN-to-realm strategy.
type RealmMapping struct {
	Strategy string            `yaml:"strategy"`
	Realm    string            `yaml:"realm"`
	Mappings map[string]string `yaml:"mappings"`
}

// HTTP configures the optional HTTP ops endpoint.
type HTTP struct {
	Endpoint string `yaml:"endpoint"`
}

// Config is the root of the configuration file.
type Config struct {
	LogLevel       string            `yaml:"log-level"`
	PrivacyIDEA    PrivacyIDEA       `yaml:"privacyidea"`
	Backend        Backend           `yaml:"ldap-backend"`
	Proxy          Proxy             `yaml:"ldap-proxy"`
	ServiceAccount ServiceAccount    `yaml:"service-account"`
	BindCache      BindCacheSettings `yaml:"bind-cache"`
	AppCache       AppCacheSettings  `yaml:"app-cache"`
	UserMapping    UserMapping       `yaml:"user-mapping"`
	RealmMapping   RealmMapping      `yaml:"realm-mapping"`
	HTTP           HTTP              `yaml:"http"`
}

// Load reads, parses and validates the configuration file at path.
// A .env / .env.local file in the working directory is loaded first so that
// secrets can be provided through the environment.
func Load(path string) (*Config, error) {
	// Each file is loaded on its own: godotenv stops at the first missing file.
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil {
			log.Debug().Err(err).Str("file", name).Msg("no .env file loaded")
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read configuration file: %w", err)
	}

	return Parse(raw)
}

// Parse parses and validates a raw YAML configuration document.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("could not parse configuration file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = zerolog.InfoLevel.String()
	}

	if c.PrivacyIDEA.Verify == nil {
		c.PrivacyIDEA.Verify = boolPtr(true)
	}
	if c.Backend.TestConnection == nil {
		c.Backend.TestConnection = boolPtr(true)
	}
	if c.Backend.ConnectTimeout == 0 {
		c.Backend.ConnectTimeout = Duration(10 * time.Second)
	}

	if c.Proxy.DNBlacklist == nil {
		c.Proxy.DNBlacklist = defaultDNBlacklist
	}

	// configobj compatibility: a passthrough list of one empty string means
	// "no entries".
	if len(c.Proxy.PassthroughBinds) == 1 && c.Proxy.PassthroughBinds[0] == "" {
		c.Proxy.PassthroughBinds = nil
	}

	if c.BindCache.Timeout == 0 {
		c.BindCache.Timeout = Duration(3 * time.Second)
	}
	if c.AppCache.Timeout == 0 {
		c.AppCache.Timeout = Duration(3 * time.Second)
	}
	if c.AppCache.Attribute == "" {
		c.AppCache.Attribute = "objectclass"
	}
	if c.AppCache.ValuePrefix == "" {
		c.AppCache.ValuePrefix = "App-"
	}

	if c.ServiceAccount.Password == "" {
		c.ServiceAccount.Password = os.Getenv(serviceAccountPasswordEnv)
	}

	// The validate URL is derived by appending to the instance location.
	if c.PrivacyIDEA.Instance != "" && !strings.HasSuffix(c.PrivacyIDEA.Instance, "/") {
		c.PrivacyIDEA.Instance += "/"
	}
}

//nolint:gocyclo // Sequential per-key checks; splitting them would obscure the schema.
func (c *Config) validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return ValidationError{Section: "", Key: "log-level", Message: err.Error()}
	}

	if c.PrivacyIDEA.Instance == "" {
		return ValidationError{Section: "privacyidea", Key: "instance", Message: "this option is required"}
	}
	if c.PrivacyIDEA.Certificate != "" {
		if _, err := os.Stat(c.PrivacyIDEA.Certificate); err != nil {
			return ValidationError{Section: "privacyidea", Key: "certificate", Message: err.Error()}
		}
	}

	if c.Backend.Endpoint == "" {
		return ValidationError{Section: "ldap-backend", Key: "endpoint", Message: "this option is required"}
	}
	if _, err := ParseClientEndpoint(c.Backend.Endpoint); err != nil {
		return ValidationError{Section: "ldap-backend", Key: "endpoint", Message: err.Error()}
	}
	if c.Backend.UseTLS {
		return ValidationError{
			Section: "ldap-backend",
			Key:     "use-tls",
			Message: "LDAP over TLS to the backend is unsupported in this version",
		}
	}

	if c.Proxy.Endpoint == "" {
		return ValidationError{Section: "ldap-proxy", Key: "endpoint", Message: "this option is required"}
	}
	if _, err := ParseServerEndpoint(c.Proxy.Endpoint); err != nil {
		return ValidationError{Section: "ldap-proxy", Key: "endpoint", Message: err.Error()}
	}
	for _, pattern := range c.Proxy.DNBlacklist {
		if _, err := regexp.Compile(pattern); err != nil {
			return ValidationError{Section: "ldap-proxy", Key: "dn-blacklist", Message: err.Error()}
		}
	}

	if err := c.validateUserMapping(); err != nil {
		return err
	}
	if err := c.validateRealmMapping(); err != nil {
		return err
	}

	return c.validateServiceAccount()
}

func (c *Config) validateUserMapping() error {
	switch c.UserMapping.Strategy {
	case UserMappingMatch:
		if c.UserMapping.Pattern == "" {
			return ValidationError{Section: "user-mapping", Key: "pattern", Message: "this option is required"}
		}
		if _, err := regexp.Compile(c.UserMapping.Pattern); err != nil {
			return ValidationError{Section: "user-mapping", Key: "pattern", Message: err.Error()}
		}
	case UserMappingLookup:
		if c.UserMapping.Attribute == "" {
			return ValidationError{Section: "user-mapping", Key: "attribute", Message: "this option is required"}
		}
	case "":
		return ValidationError{Section: "user-mapping", Key: "strategy", Message: "this option is required"}
	default:
		return ValidationError{
			Section: "user-mapping",
			Key:     "strategy",
			Message: fmt.Sprintf("unknown strategy %q, expected %q or %q", c.UserMapping.Strategy, UserMappingMatch, UserMappingLookup),
		}
	}

	return nil
}

func (c *Config) validateRealmMapping() error {
	switch c.RealmMapping.Strategy {
	case RealmMappingStatic:
		if c.RealmMapping.Realm == "" {
			return ValidationError{Section: "realm-mapping", Key: "realm", Message: "this option is required"}
		}
	case RealmMappingAppCache:
		if !c.AppCache.Enabled {
			return ValidationError{
				Section: "realm-mapping",
				Key:     "strategy",
				Message: "the app-cache strategy requires app-cache.enabled",
			}
		}
		if len(c.RealmMapping.Mappings) == 0 {
			return ValidationError{Section: "realm-mapping", Key: "mappings", Message: "this option is required"}
		}
	case "":
		return ValidationError{Section: "realm-mapping", Key: "strategy", Message: "this option is required"}
	default:
		return ValidationError{
			Section: "realm-mapping",
			Key:     "strategy",
			Message: fmt.Sprintf("unknown strategy %q, expected %q or %q", c.RealmMapping.Strategy, RealmMappingStatic, RealmMappingAppCache),
		}
	}

	return nil
}

// validateServiceAccount checks that a service account is configured whenever
// some part of the proxy needs to bind as one.
func (c *Config) validateServiceAccount() error {
	needed := c.Proxy.BindServiceAccount ||
		c.UserMapping.Strategy == UserMappingLookup ||
		*c.Backend.TestConnection

	if !needed {
		return nil
	}

	if c.ServiceAccount.DN == "" {
		return ValidationError{Section: "service-account", Key: "dn", Message: "this option is required"}
	}
	if c.ServiceAccount.Password == "" {
		return ValidationError{
			Section: "service-account",
			Key:     "password",
			Message: fmt.Sprintf("this option is required (or set %s)", serviceAccountPasswordEnv),
		}
	}

	return nil
}

func boolPtr(v bool) *bool {
	return &v
}
