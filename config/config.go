package config

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"apns-pusher/apns"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultJWTSecret signs API tokens when nothing else is configured.
const DefaultJWTSecret = "super-secret-key-change-me"

type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		HTTPMode bool   `yaml:"http_mode"`
		CertFile string `yaml:"cert_file"`
		KeyFile  string `yaml:"key_file"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Auth struct {
		JWTSecret         string        `yaml:"jwt_secret"`
		AdminPasswordHash string        `yaml:"admin_password_hash"` // bcrypt; random password when empty
		TokenTTL          time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	// Identity locates the private keys of APNs client certificates.
	Identity struct {
		KeyDir      string `yaml:"key_dir"`
		P12File     string `yaml:"p12_file"`
		P12Password string `yaml:"p12_password"`
	} `yaml:"identity"`

	APNs struct {
		RootsFile string `yaml:"roots_file"` // PEM bundle; system roots when empty
	} `yaml:"apns"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// Load reads the YAML file at path (a missing file means defaults) and
// applies APNS_PUSHER_* environment overrides.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(b, &c); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		}
	}

	c.applyEnvOverrides()
	c.setDefaults()
	return &c, c.Validate()
}

// LoadEnvFile loads a .env file into the process environment. Variables
// already set win. It reports whether the file was loaded.
func LoadEnvFile(path string) bool {
	if path == "" {
		return false
	}
	if _, err := os.Stat(path); err != nil {
		return false
	}
	return godotenv.Load(path) == nil
}

func (c *Config) setDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8443"
	}
	if c.Server.CertFile == "" {
		c.Server.CertFile = "certs/cert.pem"
	}
	if c.Server.KeyFile == "" {
		c.Server.KeyFile = "certs/key.pem"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "apns-pusher.db"
	}
	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = DefaultJWTSecret
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
}

func (c *Config) Validate() error {
	if c.Auth.TokenTTL < 0 {
		return fmt.Errorf("auth.token_ttl must be positive, got %s", c.Auth.TokenTTL)
	}
	return nil
}

// IdentityStore returns the configured private key sources, PKCS#12 bundle
// first.
func (c *Config) IdentityStore() apns.IdentityStore {
	var stores apns.Stores
	if c.Identity.P12File != "" {
		stores = append(stores, apns.PKCS12Store{Path: c.Identity.P12File, Password: c.Identity.P12Password})
	}
	if c.Identity.KeyDir != "" {
		stores = append(stores, apns.KeyDirStore{Dir: c.Identity.KeyDir})
	}
	return stores
}

// RootPool returns the trust roots for APNs, nil meaning the system pool.
func (c *Config) RootPool() (*x509.CertPool, error) {
	if c.APNs.RootsFile == "" {
		return nil, nil
	}
	b, err := os.ReadFile(c.APNs.RootsFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b) {
		return nil, fmt.Errorf("no certificates found in %s", c.APNs.RootsFile)
	}
	return pool, nil
}

// ---- env helpers ----

const envPrefix = "APNS_PUSHER_"

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(envPrefix + key)
	return v, v != ""
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}

func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, true
		}
	}
	return 0, false
}

func (c *Config) applyEnvOverrides() {
	// SERVER
	if v, ok := getEnvStr("ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvBool("HTTP_MODE"); ok {
		c.Server.HTTPMode = v
	}
	if v, ok := getEnvStr("CERT_FILE"); ok {
		c.Server.CertFile = v
	}
	if v, ok := getEnvStr("KEY_FILE"); ok {
		c.Server.KeyFile = v
	}

	// STORAGE
	if v, ok := getEnvStr("DB"); ok {
		c.Storage.Path = v
	}

	// AUTH
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v, ok := getEnvStr("JWT_SECRET"); ok {
		c.Auth.JWTSecret = v
	}
	if v, ok := getEnvStr("ADMIN_PASSWORD_HASH"); ok {
		c.Auth.AdminPasswordHash = v
	}
	if v, ok := getEnvDur("TOKEN_TTL"); ok {
		c.Auth.TokenTTL = v
	}

	// IDENTITY
	if v, ok := getEnvStr("KEY_DIR"); ok {
		c.Identity.KeyDir = v
	}
	if v, ok := getEnvStr("P12_FILE"); ok {
		c.Identity.P12File = v
	}
	if v, ok := getEnvStr("P12_PASSWORD"); ok {
		c.Identity.P12Password = v
	}

	// APNS
	if v, ok := getEnvStr("ROOTS_FILE"); ok {
		c.APNs.RootsFile = v
	}
}
