package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App      AppConfig
	Database DatabaseConfig
	SMTP     SMTPConfig
	Workflow WorkflowConfig
	HTTP     HTTPConfig
	Payment  PaymentConfig
	Report   ReportConfig
	Cache    CacheConfig
	Tracing  TracingConfig
	Auth     AuthConfig
}

type AppConfig struct {
	Port               string
	BaseURL            string
	ClientURL          string
	Environment        string
	LogFilePath        string
	CorsAllowedOrigins string
	NatsURL            string
	RedisURL           string
}

type DatabaseConfig struct {
	Connection string
}

type SMTPConfig struct {
	Host       string
	Port       int
	Email      string
	Password   string
	SenderName string
}

func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.Email != ""
}

type WorkflowConfig struct {
	BaseURL      string
	LayoutAPIKey string
	ReportAPIKey string
	DefaultUser  string
	Timeout      time.Duration
}

// HTTPConfig is the retry policy of idempotent outbound calls.
type HTTPConfig struct {
	Retries int
	Backoff time.Duration
}

type PaymentConfig struct {
	ServerKey     string
	WebhookSecret string
	IsProduction  bool
	ReportPrice   int64
}

func (c PaymentConfig) Enabled() bool {
	return c.ServerKey != ""
}

type ReportConfig struct {
	RendererURL string
	JobTimeout  time.Duration
	JobTopic    string
	JobLogPath  string
	Workers     int
}

type CacheConfig struct {
	TTL time.Duration
}

type TracingConfig struct {
	Enabled      bool
	Endpoint     string
	ServiceName  string
	SamplingRate float64
}

type AuthConfig struct {
	JWTSecret string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, usage system environment")
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment only.
func FromEnv() *Config {
	serverKey := getEnv("MIDTRANS_SERVER_KEY", "")

	return &Config{
		App: AppConfig{
			Port:               getEnv("APP_PORT", "3000"),
			BaseURL:            getEnv("APP_BASE_URL", "http://localhost:3000"),
			ClientURL:          getEnv("CLIENT_URL", "http://localhost:5173"),
			Environment:        getEnv("GO_ENV", "development"),
			LogFilePath:        getEnv("LOG_FILE_PATH", "app.log.csv"),
			CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
			NatsURL:            getEnv("NATS_URL", "nats://localhost:4222"),
			RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
		},
		Database: DatabaseConfig{
			Connection: getEnv("DB_CONNECTION_STRING", ""),
		},
		SMTP: SMTPConfig{
			Host:       getEnv("SMTP_HOST", ""),
			Port:       getEnvAsInt("SMTP_PORT", 587),
			Email:      getEnv("SMTP_EMAIL", ""),
			Password:   getEnv("SMTP_PASSWORD", ""),
			SenderName: getEnv("SMTP_SENDER_NAME", "Feng Shui Report"),
		},
		Workflow: WorkflowConfig{
			BaseURL:      strings.TrimRight(getEnv("WORKFLOW_BASE_URL", "https://api.dify.ai/v1"), "/"),
			LayoutAPIKey: getEnv("WORKFLOW_LAYOUT_API_KEY", ""),
			ReportAPIKey: getEnv("WORKFLOW_REPORT_API_KEY", ""),
			DefaultUser:  getEnv("WORKFLOW_DEFAULT_USER", "anonymous"),
			Timeout:      time.Duration(getEnvAsInt("WORKFLOW_TIMEOUT_SECONDS", 120)) * time.Second,
		},
		HTTP: HTTPConfig{
			Retries: getEnvAsInt("HTTP_RETRIES", 2),
			Backoff: time.Duration(getEnvAsInt("HTTP_BACKOFF_MS", 500)) * time.Millisecond,
		},
		Payment: PaymentConfig{
			ServerKey:     serverKey,
			WebhookSecret: getEnv("MIDTRANS_WEBHOOK_SECRET", serverKey),
			IsProduction:  getEnvAsBool("MIDTRANS_IS_PRODUCTION", false),
			ReportPrice:   int64(getEnvAsInt("REPORT_PRICE", 99000)),
		},
		Report: ReportConfig{
			RendererURL: getEnv("PDF_RENDERER_URL", ""),
			JobTimeout:  time.Duration(getEnvAsInt("REPORT_JOB_TIMEOUT_MINUTES", 10)) * time.Minute,
			JobTopic:    getEnv("REPORT_JOB_TOPIC_NAME", "GENERATE_REPORT"),
			JobLogPath:  getEnv("REPORT_JOB_LOG_PATH", "logs/report_jobs.log"),
			Workers:     getEnvAsInt("REPORT_WORKERS", 4),
		},
		Cache: CacheConfig{
			TTL: time.Duration(getEnvAsInt("CACHE_TTL_HOURS", 720)) * time.Hour,
		},
		Tracing: TracingConfig{
			Enabled:      getEnvAsBool("OTEL_ENABLED", false),
			Endpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "fengshui-report-be"),
			SamplingRate: getEnvAsFloat("OTEL_SAMPLING_RATE", 1.0),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
	}
}

// Warnings lists missing settings. The affected endpoints answer 503.
func (c *Config) Warnings() []string {
	var out []string
	if c.Database.Connection == "" {
		out = append(out, "DB_CONNECTION_STRING is empty, consultations are kept in memory")
	}
	if c.Workflow.LayoutAPIKey == "" {
		out = append(out, "WORKFLOW_LAYOUT_API_KEY is empty, upload and layout analysis are disabled")
	}
	if c.Workflow.ReportAPIKey == "" {
		out = append(out, "WORKFLOW_REPORT_API_KEY is empty, energy and report stages are disabled")
	}
	if !c.Payment.Enabled() {
		out = append(out, "MIDTRANS_SERVER_KEY is empty, checkout and payment verification are disabled")
	}
	if c.Report.RendererURL == "" {
		out = append(out, "PDF_RENDERER_URL is empty, only embedded PDFs can be delivered")
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseBool(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseFloat(strValue, 64); err == nil {
		return value
	}
	return fallback
}
