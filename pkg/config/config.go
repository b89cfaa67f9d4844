// Package config loads server configuration from the environment and the
// optional YAML policy file.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/ndagate/pkg/artifacts"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	DatabaseDriver string
	DatabaseURL    string

	JWTSecret string
	JWTIssuer string
	Admins    []string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AMQPURL      string
	AMQPExchange string

	Artifacts artifacts.Config

	OTelEnabled  bool
	OTelEndpoint string
	OTelInsecure bool

	PolicyFile string
}

// Load loads configuration from environment variables.
func Load() *Config {
	dataDir := getenv("DATA_DIR", "data")
	driver := getenv("DATABASE_DRIVER", "postgres")

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		if driver == "sqlite" {
			dbURL = "file:" + dataDir + "/ndagate.db"
		} else {
			// Default to local generic postgres
			dbURL = "postgres://ndagate@localhost:5432/ndagate?sslmode=disable"
		}
	}

	redisDB, _ := strconv.Atoi(os.Getenv("REDIS_DB"))

	return &Config{
		Port:           getenv("PORT", "8080"),
		LogLevel:       strings.ToUpper(getenv("LOG_LEVEL", "INFO")),
		DatabaseDriver: driver,
		DatabaseURL:    dbURL,
		JWTSecret:      os.Getenv("JWT_SECRET"),
		JWTIssuer:      getenv("JWT_ISSUER", "ndagate"),
		Admins:         splitList(os.Getenv("ADMIN_PRINCIPALS")),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        redisDB,
		AMQPURL:        os.Getenv("AMQP_URL"),
		AMQPExchange:   getenv("AMQP_EXCHANGE", "ndagate.events"),
		Artifacts: artifacts.Config{
			Type:       artifacts.StoreType(os.Getenv("ARTIFACT_STORAGE_TYPE")),
			DataDir:    dataDir,
			S3Bucket:   os.Getenv("ARTIFACT_S3_BUCKET"),
			S3Region:   os.Getenv("ARTIFACT_S3_REGION"),
			S3Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
			S3Prefix:   os.Getenv("ARTIFACT_S3_PREFIX"),
			GCSBucket:  os.Getenv("ARTIFACT_GCS_BUCKET"),
			GCSPrefix:  os.Getenv("ARTIFACT_GCS_PREFIX"),
		},
		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTelInsecure: os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		PolicyFile:   os.Getenv("POLICY_FILE"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
