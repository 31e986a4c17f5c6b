// Package config loads dispatcher configuration from a .env file (if
// present) and the process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ClientConfig holds the dispatcher-facing options enumerated in spec §6.
type ClientConfig struct {
	CallingAETitle            string
	CalledAETitle             string
	Host                      string
	Port                      int
	RequestTimeout            time.Duration
	ConnectTimeout            time.Duration
	MaxPDULength              uint32
	MaxRequestsPerAssociation int
	AsyncOpsInvoked           uint16
	Linger                    time.Duration
}

// TLSConfig holds the tls.* configuration options.
type TLSConfig struct {
	Enabled    bool
	CertFile   string
	KeyFile    string
	CAFile     string
	ServerName string
}

// LogConfig configures internal/logging.
type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures internal/metrics' HTTP surface.
type MetricsConfig struct {
	Enabled bool
	Addr    string
}

// HealthConfig configures internal/healthhttp.
type HealthConfig struct {
	Enabled bool
	Addr    string
}

// Config is the complete process configuration.
type Config struct {
	Client  ClientConfig
	TLS     TLSConfig
	Log     LogConfig
	Metrics MetricsConfig
	Health  HealthConfig
}

// Load reads a .env file (if present; its absence is not an error, matching
// godotenv.Load's typical use in development) then builds a Config from
// process environment variables, applying defaults for anything unset.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Client: ClientConfig{
			CallingAETitle:            getEnv("DICOM_CALLING_AE_TITLE", "DICOM_SCU"),
			CalledAETitle:             getEnv("DICOM_CALLED_AE_TITLE", "DICOM_SCP"),
			Host:                      getEnv("DICOM_HOST", "127.0.0.1"),
			Port:                      getEnvInt("DICOM_PORT", 104),
			RequestTimeout:            getEnvDuration("DICOM_REQUEST_TIMEOUT", 30*time.Second),
			ConnectTimeout:            getEnvDuration("DICOM_CONNECT_TIMEOUT", 10*time.Second),
			MaxPDULength:              uint32(getEnvInt("DICOM_MAX_PDU_LENGTH", 16384)),
			MaxRequestsPerAssociation: getEnvInt("DICOM_MAX_REQUESTS_PER_ASSOCIATION", 32),
			AsyncOpsInvoked:           uint16(getEnvInt("DICOM_ASYNC_OPS_INVOKED", 1)),
			Linger:                    getEnvDuration("DICOM_LINGER", 5*time.Second),
		},
		TLS: TLSConfig{
			Enabled:    getEnvBool("DICOM_TLS_ENABLED", false),
			CertFile:   getEnv("DICOM_TLS_CERT_FILE", ""),
			KeyFile:    getEnv("DICOM_TLS_KEY_FILE", ""),
			CAFile:     getEnv("DICOM_TLS_CA_FILE", ""),
			ServerName: getEnv("DICOM_TLS_SERVER_NAME", ""),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Addr:    getEnv("METRICS_ADDR", ":9090"),
		},
		Health: HealthConfig{
			Enabled: getEnvBool("HEALTH_ENABLED", true),
			Addr:    getEnv("HEALTH_ADDR", ":8080"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configuration combinations the dispatcher can't act on.
func (c *Config) Validate() error {
	if c.Client.CallingAETitle == "" || c.Client.CalledAETitle == "" {
		return fmt.Errorf("config: calling and called AE titles are required")
	}
	if c.Client.RequestTimeout <= 0 {
		return fmt.Errorf("config: request timeout must be positive")
	}
	if c.Client.MaxRequestsPerAssociation < 1 {
		return fmt.Errorf("config: max requests per association must be >= 1")
	}
	if c.Client.MaxPDULength == 0 {
		return fmt.Errorf("config: max PDU length must be positive")
	}
	if c.TLS.Enabled && c.TLS.CertFile != "" && c.TLS.KeyFile == "" {
		return fmt.Errorf("config: tls key file required when cert file is set")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
