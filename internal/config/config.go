package config

import (
	"errors"
	"fmt"
	"time"
)

type Config struct {
	Environment     Environment
	Log             Log
	HTTP            HTTPServer
	Database        Database
	BaseURL         string        `env:"BASE_URL" envDefault:"http://localhost:8080"`
	GatewayTimeout  time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"15s"`
	CatalogSeedFile string        `env:"CATALOG_SEED_FILE"`

	Auth      Auth      `envPrefix:"JWT_"`
	Payments  Payments  `envPrefix:"PAYMENTS_"`
	Paypal    Paypal    `envPrefix:"PAYPAL_"`
	BrainTree Braintree `envPrefix:"BRAINTREE_"`
	Grant     Grant     `envPrefix:"GRANT_"`
	Origin    Origin    `envPrefix:"ORIGIN_"`
	Content   Content   `envPrefix:"CONTENT_"`
	Watermark Watermark `envPrefix:"WATERMARK_"`
	Notify    Notify    `envPrefix:"NOTIFY_"`
	Redis     Redis     `envPrefix:"REDIS_"`
	Sweeper   Sweeper   `envPrefix:"SWEEPER_"`
}

type Environment struct {
	Name string `env:"ENVIRONMENT" envDefault:"development"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type HTTPServer struct {
	Host string `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port string `env:"HTTP_PORT" envDefault:"8080"`
}

type Database struct {
	Driver          string        `env:"DB_DRIVER" envDefault:"sqlite"`
	URL             string        `env:"DATABASE_URL" envDefault:"file:fulfillment.db?_busy_timeout=5000"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"50"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"1h"`
}

type Auth struct {
	Secret string `env:"SECRET"`
	Issuer string `env:"ISSUER"`
}

type Payments struct {
	// ReturnURL is where redirect callbacks send the buyer afterwards.
	ReturnURL string `env:"RETURN_URL" envDefault:"http://localhost:3000/orders"`
}

type Paypal struct {
	BaseApiURL   string `env:"BASE_API_URL" envDefault:"https://api-m.sandbox.paypal.com"`
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	WebhookID    string `env:"WEBHOOK_ID"`
}

type Braintree struct {
	Environment string `env:"ENVIRONMENT" envDefault:"sandbox"`
	MerchantID  string `env:"MERCHANT_ID"`
	PublicKey   string `env:"PUBLIC_KEY"`
	PrivateKey  string `env:"PRIVATE_KEY"`
}

func (b Braintree) Enabled() bool {
	return b.MerchantID != "" && b.PublicKey != "" && b.PrivateKey != ""
}

type Grant struct {
	Lifetime          time.Duration `env:"LIFETIME" envDefault:"720h"`
	FingerprintSecret string        `env:"FINGERPRINT_SECRET"`
}

type Origin struct {
	Policy     string `env:"POLICY" envDefault:"exact"`
	IPv4Prefix int    `env:"IPV4_PREFIX"`
	IPv6Prefix int    `env:"IPV6_PREFIX"`
}

type Content struct {
	Dir string `env:"DIR" envDefault:"./content"`
}

type Watermark struct {
	Enabled bool `env:"ENABLED"`
}

type Notify struct {
	Driver         string        `env:"DRIVER" envDefault:"log"`
	Timeout        time.Duration `env:"TIMEOUT" envDefault:"5s"`
	RabbitURL      string        `env:"RABBITMQ_URL"`
	RabbitExchange string        `env:"RABBITMQ_EXCHANGE" envDefault:"fulfillment.events"`
	KafkaBrokers   []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic     string        `env:"KAFKA_TOPIC" envDefault:"fulfillment.events"`
}

type Redis struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB"`
}

type Sweeper struct {
	Enabled  bool          `env:"ENABLED" envDefault:"true"`
	Interval time.Duration `env:"INTERVAL" envDefault:"1m"`
}

// Validate rejects combinations the process cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver))
	}

	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Grant.Lifetime <= 0 {
		errs = append(errs, errors.New("GRANT_LIFETIME must be positive"))
	}
	if c.Grant.FingerprintSecret == "" {
		errs = append(errs, errors.New("GRANT_FINGERPRINT_SECRET is required"))
	}
	if c.GatewayTimeout <= 0 {
		errs = append(errs, errors.New("GATEWAY_TIMEOUT must be positive"))
	}

	switch c.Origin.Policy {
	case "exact":
	case "subnet":
		if c.Origin.IPv4Prefix <= 0 || c.Origin.IPv4Prefix > 32 {
			errs = append(errs, errors.New("ORIGIN_IPV4_PREFIX must be set between 1 and 32 for subnet policy"))
		}
		if c.Origin.IPv6Prefix <= 0 || c.Origin.IPv6Prefix > 128 {
			errs = append(errs, errors.New("ORIGIN_IPV6_PREFIX must be set between 1 and 128 for subnet policy"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported ORIGIN_POLICY %q", c.Origin.Policy))
	}

	switch c.Notify.Driver {
	case "log":
	case "rabbitmq":
		if c.Notify.RabbitURL == "" {
			errs = append(errs, errors.New("NOTIFY_RABBITMQ_URL is required for rabbitmq driver"))
		}
	case "kafka":
		if len(c.Notify.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("NOTIFY_KAFKA_BROKERS is required for kafka driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported NOTIFY_DRIVER %q", c.Notify.Driver))
	}

	return errors.Join(errs...)
}
