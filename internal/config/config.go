package config // package config loads application configuration from environment variables

import (
    "os" // os provides access to environment variables
    "strings"
    "time"

    "github.com/joho/godotenv"
    "github.com/sirupsen/logrus"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.
type Config struct {
    Env       string // application environment (e.g. "dev", "prod")
    Port      string // HTTP port to listen on
    LogLevel  string // logrus level name
    LogFormat string // "json" or "text"

    DBUser string // database username
    DBPass string // database password (optional)
    DBHost string // database host address
    DBPort string // database port number
    DBName string // database name

    JWTSecret   string // secret used to verify access tokens
    RabbitMQURL string // broker for notifications; empty disables publishing
    LogDir      string // directory the notification consumer writes to

    Payment PaymentConfig
    Booking BookingConfig
}

// PaymentConfig selects and configures the payment gateway.
type PaymentConfig struct {
    Provider      string        // yookassa, stripe or mock
    ShopID        string        // YooKassa shop id
    SecretKey     string        // YooKassa secret key or Stripe secret key
    WebhookSecret string        // Stripe webhook signing secret
    BaseURL       string        // YooKassa API base, overridable for sandboxes
    ReturnURL     string        // where the payer is sent after confirmation
    Currency      string        // ISO currency code
    Timeout       time.Duration // per-request HTTP timeout
    RetryAttempts int           // attempts per gateway call
    RetryBase     time.Duration // first backoff interval
}

// BookingConfig tunes the reservation engine.
type BookingConfig struct {
    CascadeNotifyMode string // "deferred" or "inline"
}

// Load reads configuration values from environment variables and returns a
// Config.  A .env file in the working directory is loaded first when
// present; real environment variables win.  Required variables are
// enforced by must() and missing values stop the program.
func Load() Config {
    if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
        logrus.WithError(err).Warn("could not read .env")
    }
    return Config{
        Env:       must("APP_ENV"),                // environment (dev/test/prod)
        Port:      must("APP_PORT"),               // port to bind the HTTP server
        LogLevel:  envStr("LOG_LEVEL", "info"),    // logrus level
        LogFormat: envStr("LOG_FORMAT", "json"),   // json in prod, text locally
        DBUser:    must("DB_USER"),                // database user
        DBPass:    os.Getenv("DB_PASS"),           // database password (empty allowed)
        DBHost:    must("DB_HOST"),                // database host
        DBPort:    must("DB_PORT"),                // database port
        DBName:    must("DB_NAME"),                // database name
        JWTSecret: must("JWT_SECRET"),             // secret used for verifying JWTs
        RabbitMQURL: envStr("RABBITMQ_URL", os.Getenv("AMQP_URL")),
        LogDir:      envStr("NOTIFY_LOG_DIR", "logs"),
        Payment:     loadPayment(),
        Booking: BookingConfig{
            CascadeNotifyMode: strings.ToLower(envStr("CASCADE_NOTIFY_MODE", "deferred")),
        },
    }
}

func loadPayment() PaymentConfig {
    p := PaymentConfig{
        Provider:      strings.ToLower(envStr("PAYMENT_PROVIDER", "mock")),
        ShopID:        os.Getenv("YOOKASSA_SHOP_ID"),
        SecretKey:     os.Getenv("YOOKASSA_SECRET_KEY"),
        BaseURL:       os.Getenv("YOOKASSA_API_URL"),
        ReturnURL:     envStr("PAYMENT_RETURN_URL", "http://localhost:8080/payment/return"),
        Currency:      strings.ToUpper(envStr("PAYMENT_CURRENCY", "RUB")),
        Timeout:       envDur("PAYMENT_TIMEOUT", 30*time.Second),
        RetryAttempts: envInt("PAYMENT_RETRY_ATTEMPTS", 3),
        RetryBase:     envDur("PAYMENT_RETRY_BASE", time.Second),
    }
    switch p.Provider {
    case "yookassa":
        p.ShopID = must("YOOKASSA_SHOP_ID")
        p.SecretKey = must("YOOKASSA_SECRET_KEY")
    case "stripe":
        p.SecretKey = must("STRIPE_SECRET_KEY")
        p.WebhookSecret = must("STRIPE_WEBHOOK_SECRET")
    }
    return p
}

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
    v, ok := os.LookupEnv(key)
    if !ok || v == "" {
        logrus.Fatalf("missing required env var: %s", key)
    }
    return v
}
