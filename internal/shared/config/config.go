package config

import (
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const configPathEnv = "AQUALENS_CONFIG"

// Config holds application configuration.
type Config struct {
	Port            string   `yaml:"port"`
	Env             string   `yaml:"env"`
	CORSAllowOrigin []string `yaml:"corsAllowOrigins"`
	DatabaseURL     string   `yaml:"databaseUrl"`

	RoboflowAPIURL  string `yaml:"roboflowApiUrl"`
	RoboflowModelID string `yaml:"roboflowModelId"`
	RoboflowAPIKey  string `yaml:"-"`

	GeminiModel  string `yaml:"geminiModel"`
	GeminiAPIKey string `yaml:"-"`

	SQSQueueURL string `yaml:"sqsQueueUrl"`
	AWSRegion   string `yaml:"awsRegion"`

	WorkerConcurrency int `yaml:"workerConcurrency"`
}

// Load reads configuration from an optional YAML file, then environment
// variables. Env values win so deployments can override a checked-in file.
func Load() Config {
	// Best-effort load of local env files for dev convenience.
	_ = godotenv.Load(".env", "cmd/.env")

	cfg := Config{
		Port:              "8080",
		Env:               "dev",
		CORSAllowOrigin:   []string{"http://localhost:3000"},
		RoboflowAPIURL:    "https://detect.roboflow.com",
		RoboflowModelID:   "microplastics-yolov5/1",
		GeminiModel:       "gemini-2.0-flash",
		AWSRegion:         "us-east-1",
		WorkerConcurrency: 4,
	}

	if path := strings.TrimSpace(os.Getenv(configPathEnv)); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			log.Printf("config: failed to load %s: %v", path, err)
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.Env = normalizeEnv(getEnv("ENV", cfg.Env))
	if raw := os.Getenv("CORS_ALLOW_ORIGINS"); raw != "" {
		cfg.CORSAllowOrigin = splitAndTrim(raw)
	}
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RoboflowAPIURL = getEnv("ROBOFLOW_API_URL", cfg.RoboflowAPIURL)
	cfg.RoboflowModelID = getEnv("ROBOFLOW_MODEL_ID", cfg.RoboflowModelID)
	cfg.RoboflowAPIKey = os.Getenv("ROBOFLOW_API_KEY")
	cfg.GeminiModel = getEnv("GEMINI_MODEL", cfg.GeminiModel)
	cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	cfg.SQSQueueURL = getEnv("AQ_SQS_QUEUE_URL", cfg.SQSQueueURL)
	cfg.AWSRegion = getEnv("AWS_REGION", cfg.AWSRegion)

	if cfg.Env == "production" && cfg.DatabaseURL == "" {
		log.Printf("DATABASE_URL is required in production")
	}

	return cfg
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	default:
		return "dev"
	}
}
