package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/therealutkarshpriyadarshi/abrstream/pkg/models"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Logging   LoggingConfig
	Packaging PackagingConfig
	Encoder   EncoderConfig
	Profiles  []models.QualityProfile
	Redis     RedisConfig
	Storage   StorageConfig
	Queue     QueueConfig
	Database  DatabaseConfig
	Tracing   TracingConfig
	Metrics   MetricsConfig
	RateLimit RateLimitConfig
	Player    PlayerConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoggingConfig mirrors logging.Config so it can be loaded from YAML
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// PackagingConfig holds the on-demand packaging pipeline settings
type PackagingConfig struct {
	SourceDir            string
	OutputDir            string
	ThumbnailDir         string
	Extensions           []string
	CollisionPolicy      string // reject or prefer
	MaxConcurrentEncodes int
	EncodeTimeout        time.Duration
	SegmentSeconds       int
	LockTTL              time.Duration
	LockPollInterval     time.Duration
}

// EncoderConfig holds ffmpeg invocation settings
type EncoderConfig struct {
	FFmpegPath   string
	FFprobePath  string
	VideoCodec   string
	AudioCodec   string
	Preset       string
	AudioBitrate int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled   bool
	Host      string
	Port      int
	Password  string
	DB        int
	StatusTTL time.Duration
}

// StorageConfig holds object storage configuration for the rendition mirror
type StorageConfig struct {
	Enabled         bool
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	Prefix          string
	UseSSL          bool
}

// QueueConfig holds message queue configuration
type QueueConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
	Prefetch int // prewarm requests a worker handles at once
}

// DatabaseConfig holds database configuration for packaging history
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// TracingConfig holds Jaeger configuration
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
}

// MetricsConfig holds the metrics server configuration
type MetricsConfig struct {
	Enabled bool
	Port    int
}

// RateLimitConfig holds per-client API rate limits
type RateLimitConfig struct {
	Enabled bool
	RPS     int
	Burst   int
}

// PlayerConfig holds adaptive player tuning
type PlayerConfig struct {
	DefaultEstimate   int64
	BandwidthFactor   float64
	BandwidthUpFactor float64
	FastHalfLife      time.Duration
	SlowHalfLife      time.Duration
	MaxSegmentRetries int
	RetryDelay        time.Duration
	RequestTimeout    time.Duration
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return decode(v)
}

// Default returns the configuration produced by defaults alone
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		// defaults are static and always decode
		panic(err)
	}
	return cfg
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(config.Profiles) == 0 {
		config.Profiles = models.DefaultProfiles()
	}

	return &config, nil
}

// Validate checks settings the packaging pipeline depends on
func (c *Config) Validate() error {
	if err := models.ValidateProfiles(c.Profiles); err != nil {
		return fmt.Errorf("invalid profiles: %w", err)
	}
	if c.Packaging.SourceDir == "" || c.Packaging.OutputDir == "" {
		return fmt.Errorf("packaging.sourceDir and packaging.outputDir are required")
	}
	if c.Packaging.MaxConcurrentEncodes <= 0 {
		return fmt.Errorf("packaging.maxConcurrentEncodes must be positive")
	}
	if c.Packaging.SegmentSeconds <= 0 {
		return fmt.Errorf("packaging.segmentSeconds must be positive")
	}
	switch c.Packaging.CollisionPolicy {
	case "reject", "prefer":
	default:
		return fmt.Errorf("packaging.collisionPolicy must be reject or prefer, got %q", c.Packaging.CollisionPolicy)
	}
	// queue workers in other processes are only excluded through the redis lock
	if c.Queue.Enabled && !c.Redis.Enabled {
		return fmt.Errorf("queue.enabled requires redis.enabled for cross-process packaging locks")
	}
	if c.Redis.Enabled && c.Packaging.LockTTL <= 0 {
		return fmt.Errorf("packaging.lockTTL must be positive")
	}
	if c.Player.BandwidthUpFactor <= 0 || c.Player.BandwidthFactor <= 0 {
		return fmt.Errorf("player bandwidth factors must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.readTimeout", "30s")
	// Packaging happens inside the request, so the write timeout is generous
	v.SetDefault("server.writeTimeout", "30m")
	v.SetDefault("server.shutdownTimeout", "10s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Packaging defaults
	v.SetDefault("packaging.sourceDir", "./public/videos")
	v.SetDefault("packaging.outputDir", "./temp")
	v.SetDefault("packaging.thumbnailDir", "./public/thumbnails")
	v.SetDefault("packaging.extensions", []string{".mp4", ".mkv", ".mov", ".avi"})
	v.SetDefault("packaging.collisionPolicy", "reject")
	v.SetDefault("packaging.maxConcurrentEncodes", 4)
	v.SetDefault("packaging.encodeTimeout", "30m")
	v.SetDefault("packaging.segmentSeconds", 10)
	v.SetDefault("packaging.lockTTL", "45m")
	v.SetDefault("packaging.lockPollInterval", "2s")

	// Encoder defaults
	v.SetDefault("encoder.ffmpegPath", "ffmpeg")
	v.SetDefault("encoder.ffprobePath", "ffprobe")
	v.SetDefault("encoder.videoCodec", "libx264")
	v.SetDefault("encoder.audioCodec", "aac")
	v.SetDefault("encoder.preset", "veryfast")
	v.SetDefault("encoder.audioBitrate", 128000)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.statusTTL", "24h")

	// Storage defaults
	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.accessKeyID", "minioadmin")
	v.SetDefault("storage.secretAccessKey", "minioadmin")
	v.SetDefault("storage.bucketName", "streams")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.prefix", "streams")
	v.SetDefault("storage.useSSL", false)

	// Queue defaults
	v.SetDefault("queue.enabled", false)
	v.SetDefault("queue.host", "localhost")
	v.SetDefault("queue.port", 5672)
	v.SetDefault("queue.user", "guest")
	v.SetDefault("queue.password", "guest")
	v.SetDefault("queue.vhost", "/")
	v.SetDefault("queue.prefetch", 2)

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "abrstream")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 2)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.serviceName", "abrstream")
	v.SetDefault("tracing.endpoint", "http://localhost:14268/api/traces")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	// Rate limit defaults
	v.SetDefault("rateLimit.enabled", true)
	v.SetDefault("rateLimit.rps", 50)
	v.SetDefault("rateLimit.burst", 100)

	// Player defaults, matching the hls.js settings the web player shipped with
	v.SetDefault("player.defaultEstimate", 500000)
	v.SetDefault("player.bandwidthFactor", 0.95)
	v.SetDefault("player.bandwidthUpFactor", 0.7)
	v.SetDefault("player.fastHalfLife", "3s")
	v.SetDefault("player.slowHalfLife", "9s")
	v.SetDefault("player.maxSegmentRetries", 3)
	v.SetDefault("player.retryDelay", "1s")
	v.SetDefault("player.requestTimeout", "20s")
}
