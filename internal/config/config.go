package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config 聚合服务启动需要的关键配置。
type Config struct {
	HTTPPort           string
	Env                string
	LogLevel           string
	LogFormat          string
	CORSAllowedOrigins []string
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	RateLimitDriver    string // "memory" 或 "redis"

	// 数据库配置
	RepositoryDriver string // "postgres" 或 "memory"
	DBHost           string
	DBPort           int
	DBUser           string
	DBPassword       string
	DBName           string
	DBSSLMode        string

	// 鉴权配置
	AuthMode          string            // "apikey"、"supabase" 或 "none"
	APIKeys           map[string]string // API Key -> owner ID
	SupabaseURL       string
	SupabaseAnonKey   string
	SupabaseJWTSecret string

	// 永久存储配置
	StorageDriver  string // "local"、"s3" 或 "r2"
	StorageDir     string
	StorageBaseURL string
	S3Endpoint     string // S3/MinIO 端点，不含协议
	S3AccessKey    string
	S3SecretKey    string
	S3Bucket       string
	S3Region       string
	S3UseSSL       bool // 是否使用 HTTPS
	S3PathStyle    bool // 是否使用路径风格访问（MinIO 需要设为 true）
	R2AccountID    string
	R2AccessKey    string
	R2SecretKey    string
	R2Bucket       string
	R2PublicURL    string

	// 分片上传配置
	ChunkDir            string
	DefaultChunkSize    int64
	MaxChunkSize        int64
	MaxFileSize         int64
	MaxChunks           int
	SessionTTL          time.Duration
	DedupScope          string // "owner"（默认）或 "global"
	VerifyChunksOnMerge bool

	// Redis / 队列 / 锁
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	QueueDriver       string // "memory" 或 "redis"
	QueuePrefix       string
	LockDriver        string // "memory" 或 "redis"
	WorkerConcurrency int
	JobAttempts       int
	JobBackoffBase    time.Duration
	JobBackoffMax     time.Duration
	JobTimeout        time.Duration

	// 后处理与扫描
	PipelineVerifyChecksum bool
	ScannerDriver          string   // "mock"、"clamd" 或 "http"
	ScannerSignatures      []string // mock 扫描器额外识别的特征串
	ClamdAddr              string
	ScannerHTTPURL         string
	ScannerHTTPKey         string
	ScanMaxBytes           int64
	ScanTimeout            time.Duration

	// 清理任务
	SweepInterval       time.Duration
	DeletedRetention    time.Duration
	PendingAbandonAfter time.Duration
}

// Load 从环境变量加载配置，并提供默认值。存在 .env 时先加载它。
func Load() (*Config, error) {
	if err := godotenv.Load(envOrDefault("ENV_FILE", ".env")); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("加载 .env 失败: %w", err)
	}

	storage := envOrDefault("STORAGE_DIR", "./data/files")
	chunkDir := envOrDefault("CHUNK_DIR", "./data/chunks")
	for _, dir := range []string{storage, chunkDir} {
		if err := ensureDir(dir); err != nil {
			return nil, fmt.Errorf("确保目录 %s 失败: %w", dir, err)
		}
	}

	corsOrigins := parseList(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:5173"}
	}

	apiKeys, err := parseAPIKeys(os.Getenv("API_KEYS"))
	if err != nil {
		return nil, err
	}
	if len(apiKeys) == 0 {
		// 开发环境默认 key
		apiKeys = map[string]string{"dev-api-key-123456": "dev-user"}
	}

	cfg := &Config{
		HTTPPort:           envOrDefault("PORT", "8080"),
		Env:                envOrDefault("ENV", "development"),
		LogLevel:           envOrDefault("LOG_LEVEL", "info"),
		LogFormat:          envOrDefault("LOG_FORMAT", ""),
		CORSAllowedOrigins: corsOrigins,
		RateLimitDriver:    envOrDefault("RATE_LIMIT_DRIVER", "memory"),

		RepositoryDriver: envOrDefault("REPOSITORY_DRIVER", "postgres"),
		DBHost:           envOrDefault("DB_HOST", "127.0.0.1"),
		DBUser:           envOrDefault("DB_USER", "dropvault"),
		DBPassword:       envOrDefault("DB_PASSWORD", "dropvault"),
		DBName:           envOrDefault("DB_NAME", "dropvault"),
		DBSSLMode:        envOrDefault("DB_SSL_MODE", "disable"),

		AuthMode:          envOrDefault("AUTH_MODE", "apikey"),
		APIKeys:           apiKeys,
		SupabaseURL:       os.Getenv("SUPABASE_URL"),
		SupabaseAnonKey:   os.Getenv("SUPABASE_ANON_KEY"),
		SupabaseJWTSecret: os.Getenv("SUPABASE_JWT_SECRET"),

		StorageDriver:  envOrDefault("STORAGE_DRIVER", "local"),
		StorageDir:     storage,
		StorageBaseURL: os.Getenv("STORAGE_BASE_URL"),
		S3Endpoint:     envOrDefault("S3_ENDPOINT", "localhost:9000"),
		S3AccessKey:    envOrDefault("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:    envOrDefault("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:       envOrDefault("S3_BUCKET", "dropvault"),
		S3Region:       envOrDefault("S3_REGION", "us-east-1"),
		S3UseSSL:       parseBoolEnv("S3_USE_SSL", false),
		S3PathStyle:    parseBoolEnv("S3_PATH_STYLE", true),
		R2AccountID:    os.Getenv("R2_ACCOUNT_ID"),
		R2AccessKey:    os.Getenv("R2_ACCESS_KEY_ID"),
		R2SecretKey:    os.Getenv("R2_SECRET_ACCESS_KEY"),
		R2Bucket:       os.Getenv("R2_BUCKET_NAME"),
		R2PublicURL:    os.Getenv("R2_PUBLIC_BASE_URL"),

		ChunkDir:            chunkDir,
		DedupScope:          envOrDefault("DEDUP_SCOPE", "owner"),
		VerifyChunksOnMerge: parseBoolEnv("VERIFY_CHUNKS_ON_MERGE", false),

		RedisAddr:     envOrDefault("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		QueueDriver:   envOrDefault("QUEUE_DRIVER", "redis"),
		QueuePrefix:   envOrDefault("QUEUE_PREFIX", "dropvault"),
		LockDriver:    envOrDefault("LOCK_DRIVER", "memory"),

		PipelineVerifyChecksum: parseBoolEnv("PIPELINE_VERIFY_CHECKSUM", true),
		ScannerDriver:          envOrDefault("SCANNER_DRIVER", "mock"),
		ScannerSignatures:      parseList(os.Getenv("SCANNER_MOCK_SIGNATURES")),
		ClamdAddr:              envOrDefault("CLAMD_ADDR", "tcp://127.0.0.1:3310"),
		ScannerHTTPURL:         os.Getenv("SCANNER_HTTP_URL"),
		ScannerHTTPKey:         os.Getenv("SCANNER_HTTP_KEY"),
	}

	ints := []struct {
		key  string
		def  int
		dest *int
	}{
		{"RATE_LIMIT_REQUESTS", 120, &cfg.RateLimitRequests},
		{"DB_PORT", 5432, &cfg.DBPort},
		{"UPLOAD_MAX_CHUNKS", 10000, &cfg.MaxChunks},
		{"REDIS_DB", 0, &cfg.RedisDB},
		{"WORKER_CONCURRENCY", 4, &cfg.WorkerConcurrency},
		{"JOB_ATTEMPTS", 5, &cfg.JobAttempts},
	}
	for _, item := range ints {
		if *item.dest, err = parseIntEnv(item.key, item.def); err != nil {
			return nil, err
		}
	}

	sizes := []struct {
		key  string
		def  int64
		dest *int64
	}{
		{"CHUNK_SIZE_DEFAULT", 5 << 20, &cfg.DefaultChunkSize},
		{"CHUNK_SIZE_MAX", 10 << 20, &cfg.MaxChunkSize},
		{"UPLOAD_MAX_FILE_SIZE", 5 << 30, &cfg.MaxFileSize},
		{"SCAN_MAX_BYTES", 100 << 20, &cfg.ScanMaxBytes},
	}
	for _, item := range sizes {
		if *item.dest, err = parseSizeEnv(item.key, item.def); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"RATE_LIMIT_WINDOW", time.Minute, &cfg.RateLimitWindow},
		{"UPLOAD_SESSION_TTL", 24 * time.Hour, &cfg.SessionTTL},
		{"JOB_BACKOFF_BASE", 2 * time.Second, &cfg.JobBackoffBase},
		{"JOB_BACKOFF_MAX", 5 * time.Minute, &cfg.JobBackoffMax},
		{"JOB_TIMEOUT", 2 * time.Minute, &cfg.JobTimeout},
		{"SCAN_TIMEOUT", time.Minute, &cfg.ScanTimeout},
		{"SWEEP_INTERVAL", 10 * time.Minute, &cfg.SweepInterval},
		{"DELETED_RETENTION", 7 * 24 * time.Hour, &cfg.DeletedRetention},
		{"PENDING_ABANDON_AFTER", time.Hour, &cfg.PendingAbandonAfter},
	}
	for _, item := range durations {
		if *item.dest, err = parseDurationEnv(item.key, item.def); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查相互关联的配置项。
func (c *Config) Validate() error {
	if c.DefaultChunkSize > c.MaxChunkSize {
		return fmt.Errorf("CHUNK_SIZE_DEFAULT (%d) 不能大于 CHUNK_SIZE_MAX (%d)", c.DefaultChunkSize, c.MaxChunkSize)
	}
	switch c.DedupScope {
	case "global", "owner":
	default:
		return fmt.Errorf("未知的 DEDUP_SCOPE: %s", c.DedupScope)
	}
	switch c.AuthMode {
	case "apikey", "supabase", "none":
	default:
		return fmt.Errorf("未知的 AUTH_MODE: %s", c.AuthMode)
	}
	if c.AuthMode == "supabase" && c.SupabaseURL == "" {
		return fmt.Errorf("AUTH_MODE=supabase 时必须配置 SUPABASE_URL")
	}
	switch c.ScannerDriver {
	case "mock", "clamd":
	case "http":
		if c.ScannerHTTPURL == "" {
			return fmt.Errorf("SCANNER_DRIVER=http 时必须配置 SCANNER_HTTP_URL")
		}
	default:
		return fmt.Errorf("未知的 SCANNER_DRIVER: %s", c.ScannerDriver)
	}
	return nil
}

// Production 表示是否运行在生产环境。
func (c *Config) Production() bool {
	return c.Env == "production"
}

func ensureDir(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("路径 %s 已存在但不是目录", path)
		}
		return nil
	}

	if os.IsNotExist(err) {
		return os.MkdirAll(path, 0o755)
	}

	return err
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}

	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

// parseAPIKeys 解析 "owner:key" 形式的列表；没有 owner 前缀时 key 本身即 owner。
func parseAPIKeys(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, item := range parseList(raw) {
		owner, key, found := strings.Cut(item, ":")
		if !found {
			out[item] = item
			continue
		}
		owner, key = strings.TrimSpace(owner), strings.TrimSpace(key)
		if owner == "" || key == "" {
			return nil, fmt.Errorf("解析 API_KEYS 失败: 非法条目 %q", item)
		}
		out[key] = owner
	}
	return out, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value < 0 {
		return defaultValue, nil
	}
	return value, nil
}

// parseSizeEnv 支持纯字节数以及 KiB/MiB/GiB 后缀。
func parseSizeEnv(key string, defaultValue int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	multiplier := int64(1)
	upper := strings.ToUpper(raw)
	for _, unit := range []struct {
		suffix string
		factor int64
	}{{"KIB", 1 << 10}, {"MIB", 1 << 20}, {"GIB", 1 << 30}, {"KB", 1 << 10}, {"MB", 1 << 20}, {"GB", 1 << 30}} {
		if strings.HasSuffix(upper, unit.suffix) {
			multiplier = unit.factor
			upper = strings.TrimSpace(strings.TrimSuffix(upper, unit.suffix))
			break
		}
	}

	value, err := strconv.ParseInt(upper, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value <= 0 {
		return defaultValue, nil
	}
	return value * multiplier, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value <= 0 {
		return defaultValue, nil
	}
	return value, nil
}

func parseBoolEnv(key string, defaultValue bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	lower := strings.ToLower(raw)
	return lower == "true" || lower == "1" || lower == "yes"
}

// PostgresDSN 生成标准 postgres:// 连接串，供数据访问层直接使用。
func (c *Config) PostgresDSN() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   c.DBName,
	}

	q := url.Values{}
	if c.DBSSLMode != "" {
		q.Set("sslmode", c.DBSSLMode)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

func envOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
