package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr       string
	MongoURL   string
	MongoDB    string
	SyncToken  string
	ReposDir   string
	CORSOrigin string
	// Timeout applied to remote push/pull operations
	RemoteTimeout time.Duration
	// Redis - cross-instance event fan-out
	RedisURL string
	// MinIO - card attachments
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	// Meilisearch - card search
	MeiliURL       string
	MeiliMasterKey string
}

func Load() Config {
	return Config{
		Addr:          getenv("API_ADDR", ":8788"),
		MongoURL:      getenv("EJUNZ_MONGO_URL", "mongodb://localhost:27017"),
		MongoDB:       getenv("EJUNZ_MONGO_DB", "ejunz"),
		SyncToken:     getenv("EJUNZ_SYNC_TOKEN", "ejunz-sync-token"),
		ReposDir:      getenv("EJUNZ_REPOS_DIR", "./data/repos"),
		CORSOrigin:    getenv("EJUNZ_CORS_ORIGIN", "*"),
		RemoteTimeout: time.Duration(getenvInt("EJUNZ_REMOTE_TIMEOUT_SECONDS", 30)) * time.Second,
		// Redis - empty disables cross-instance fan-out
		RedisURL: getenv("REDIS_URL", "redis://localhost:6379/0"),
		// MinIO - empty endpoint disables attachments
		MinioEndpoint:  getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getenv("MINIO_BUCKET", "ejunz-base"),
		MinioUseSSL:    getenvBool("MINIO_USE_SSL", false),
		// Meilisearch - empty URL falls back to store scans
		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
