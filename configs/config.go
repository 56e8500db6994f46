package configs

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

const envPrefix = "ASTROX_"

type Config struct {
	App struct {
		Name     string `koanf:"name"`
		HTTPAddr string `koanf:"http_addr"`
		LogLevel string `koanf:"log_level"`
		LogFile  string `koanf:"log_file"`
	} `koanf:"app"`

	HTTP struct {
		ReadTimeout     time.Duration `koanf:"read_timeout"`
		WriteTimeout    time.Duration `koanf:"write_timeout"`
		IdleTimeout     time.Duration `koanf:"idle_timeout"`
		ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	} `koanf:"http"`

	Storage struct {
		Driver string `koanf:"driver"` // memory | postgres
	} `koanf:"storage"`

	Postgres struct {
		URL      string `koanf:"url"`
		MaxConns int32  `koanf:"max_conns"`
		Migrate  bool   `koanf:"migrate"`
	} `koanf:"postgres"`

	Redis struct {
		Addr           string        `koanf:"addr"`
		Password       string        `koanf:"password"`
		IdempotencyTTL time.Duration `koanf:"idempotency_ttl"`
	} `koanf:"redis"`

	Kafka struct {
		Brokers []string `koanf:"brokers"`
		Topic   string   `koanf:"topic"`
	} `koanf:"kafka"`

	Security struct {
		JWTSecret string `koanf:"jwt_secret"`
		Issuer    string `koanf:"issuer"`
		Audience  string `koanf:"audience"`
	} `koanf:"security"`

	Pricing struct {
		TaxRate      string `koanf:"tax_rate"`
		ShippingFlat string `koanf:"shipping_flat"`
		Currency     string `koanf:"currency"`
	} `koanf:"pricing"`

	Bakong struct {
		BaseURL         string        `koanf:"base_url"`
		AccessToken     string        `koanf:"access_token"`
		AccountUsername string        `koanf:"account_username"`
		AccountName     string        `koanf:"account_name"`
		MerchantCity    string        `koanf:"merchant_city"`
		CodeTTL         time.Duration `koanf:"code_ttl"`
		Timeout         time.Duration `koanf:"timeout"`
	} `koanf:"bakong"`

	Reconciler struct {
		Enabled     bool          `koanf:"enabled"`
		Interval    time.Duration `koanf:"interval"`
		BatchSize   int           `koanf:"batch_size"`
		CallTimeout time.Duration `koanf:"call_timeout"`
	} `koanf:"reconciler"`
}

// Load reads <dir>/base.yaml, then the optional <dir>/<envName>.yaml, then ASTROX_* variables
// (nested keys joined with "__", e.g. ASTROX_BAKONG__ACCESS_TOKEN).
func Load(dir, envName string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(fmt.Sprintf("%s/base.yaml", dir)), yaml.Parser()); err != nil {
		return Config{}, fmt.Errorf("load base: %w", err)
	}
	if envName != "" {
		overlay := fmt.Sprintf("%s/%s.yaml", dir, envName)
		if _, err := os.Stat(overlay); err == nil {
			if err := k.Load(file.Provider(overlay), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("load %s: %w", envName, err)
			}
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ReplaceAll(s, "__", ".")
		return strings.ToLower(s)
	}), nil); err != nil {
		return Config{}, fmt.Errorf("env overlay: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.App.HTTPAddr == "" {
		return errors.New("app.http_addr required")
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Postgres.URL == "" {
			return errors.New("postgres.url required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver %q not supported", c.Storage.Driver)
	}
	if c.Security.JWTSecret == "" {
		return errors.New("security.jwt_secret required")
	}
	if _, err := c.TaxRate(); err != nil {
		return err
	}
	if _, err := c.ShippingFlat(); err != nil {
		return err
	}
	if c.Reconciler.Enabled && c.Reconciler.Interval <= 0 {
		return errors.New("reconciler.interval must be positive")
	}
	return nil
}

func (c Config) TaxRate() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Pricing.TaxRate)
	if err != nil || d.IsNegative() {
		return decimal.Zero, fmt.Errorf("pricing.tax_rate invalid: %q", c.Pricing.TaxRate)
	}
	return d, nil
}

func (c Config) ShippingFlat() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Pricing.ShippingFlat)
	if err != nil || d.IsNegative() {
		return decimal.Zero, fmt.Errorf("pricing.shipping_flat invalid: %q", c.Pricing.ShippingFlat)
	}
	return d, nil
}
