package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"logLevel"`
	Server      struct {
		Port string `mapstructure:"port"`
		// AllowedSources restricts webhook/admin callers by IP or CIDR.
		AllowedSources []string `mapstructure:"allowedSources"`
	} `mapstructure:"server"`
	Tenant struct {
		CompanyID string `mapstructure:"companyId"`
		// PhoneNumber is the tenant's own WhatsApp number, used to drop
		// self-originated webhook events.
		PhoneNumber        string `mapstructure:"phoneNumber"`
		DefaultCountryCode string `mapstructure:"defaultCountryCode"`
	} `mapstructure:"tenant"`
	Gateway struct {
		BaseURL     string `mapstructure:"baseUrl"`
		InstanceID  string `mapstructure:"instanceId"`
		AccessToken string `mapstructure:"accessToken"`
	} `mapstructure:"gateway"`
	Database struct {
		PostgresDSN         string `mapstructure:"postgresDSN"`
		PostgresAutoMigrate bool   `mapstructure:"postgresAutoMigrate"`
	} `mapstructure:"database"`
	NATS struct {
		URL string `mapstructure:"url"`
		// Receipt pipeline job stream.
		Stream     string        `mapstructure:"stream"`
		Subject    string        `mapstructure:"subject"`
		AckWait    time.Duration `mapstructure:"ackWait"`
		Workers    int           `mapstructure:"workers"`
		MaxAgeDays int           `mapstructure:"maxAgeDays"`
	} `mapstructure:"nats"`
	Pipeline struct {
		DetectorURL string        `mapstructure:"detectorUrl"`
		OcrURL      string        `mapstructure:"ocrUrl"`
		VlmURL      string        `mapstructure:"vlmUrl"`
		RetryBudget int           `mapstructure:"retryBudget"`
		RetryDelay  time.Duration `mapstructure:"retryDelay"`
	} `mapstructure:"pipeline"`
	Media struct {
		// StorageBaseURL is the object storage endpoint receipt images are
		// uploaded to.
		StorageBaseURL string `mapstructure:"storageBaseUrl"`
	} `mapstructure:"media"`
	Notifier struct {
		PollInterval time.Duration `mapstructure:"pollInterval"`
		DedupWindow  time.Duration `mapstructure:"dedupWindow"`
	} `mapstructure:"notifier"`
	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Port    string `mapstructure:"port"`
	} `mapstructure:"metrics"`
}

// LoadConfig reads configuration from file or environment variables
func LoadConfig(path string) (*Config, error) {
	// Create new viper instance
	v := viper.New()

	// Set defaults
	v.SetDefault("environment", "development")
	v.SetDefault("logLevel", "info")
	v.SetDefault("server.port", "8080")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", "2112")

	v.SetDefault("tenant.defaultCountryCode", "60")

	v.SetDefault("nats.stream", "receipt_jobs")
	v.SetDefault("nats.subject", "v1.receipts")
	v.SetDefault("nats.ackWait", 6*time.Minute)
	v.SetDefault("nats.workers", 8)
	v.SetDefault("nats.maxAgeDays", 7)

	v.SetDefault("pipeline.retryBudget", 2)
	v.SetDefault("pipeline.retryDelay", 30*time.Second)
	v.SetDefault("notifier.pollInterval", 30*time.Second)
	v.SetDefault("notifier.dedupWindow", 24*time.Hour)

	// Config file settings
	v.SetConfigName("default") // name of config file (without extension)
	v.SetConfigType("yaml")    // REQUIRED if the config file does not have the extension in the name

	// Add lookup paths
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath("$HOME/.daisi-contest-engine")
	v.AddConfigPath("/etc/daisi-contest-engine")

	// Try to read from config file
	if err := v.ReadInConfig(); err != nil {
		// It's ok if config file is not found, we'll use env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Override with environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Map environment variables to config fields
	bindEnvs(v, Config{})

	// Read directly from ENV for critical values
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		v.Set("database.postgresDSN", dsn)
	}
	if lgLevel := os.Getenv("LOG_LEVEL"); lgLevel != "" {
		v.Set("logLevel", lgLevel)
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		v.Set("nats.url", url)
	}
	if company := os.Getenv("COMPANY_ID"); company != "" {
		v.Set("tenant.companyId", company)
	}
	if token := os.Getenv("GATEWAY_ACCESS_TOKEN"); token != "" {
		v.Set("gateway.accessToken", token)
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if config.Tenant.CompanyID == "" {
		return nil, fmt.Errorf("tenant.companyId (COMPANY_ID) is required")
	}

	return &config, nil
}

// bindEnvs recursively binds environment variables to config struct fields
func bindEnvs(v *viper.Viper, cfg interface{}, parts ...string) {
	ifv := reflect.ValueOf(cfg)
	ift := reflect.TypeOf(cfg)
	for i := 0; i < ift.NumField(); i++ {
		fieldVal := ifv.Field(i)
		fieldType := ift.Field(i)

		// Get the field tag value (mapstructure)
		tag := fieldType.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		// Build the env var path
		path := append(parts, tag)
		key := strings.Join(path, ".")

		// If it's a struct, recursively bind its fields
		if fieldType.Type.Kind() == reflect.Struct {
			bindEnvs(v, fieldVal.Interface(), path...)
			continue
		}

		// Bind the env var
		_ = v.BindEnv(key)
	}
}
