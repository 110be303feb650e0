package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"microcrop-processor/internal/biomass"
	"microcrop-processor/internal/clients/pinstore"
	"microcrop-processor/internal/clients/planet"
	"microcrop-processor/internal/clients/weatherxm"
	"microcrop-processor/internal/fault"
	"microcrop-processor/internal/weather"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Addr            string
	CORSOrigins     []string
	SubmitPerMinute int
	AssessPerHour   int
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Addr string
}

// DBConfig configures the pgx pool.
type DBConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
}

// RedisConfig configures the cache client.
type RedisConfig struct {
	URL      string
	PoolSize int
}

// SchedulerConfig configures queues, dedup and retry behaviour.
type SchedulerConfig struct {
	// Enabled allows running an API-only instance next to a worker instance.
	Enabled     bool
	Concurrency int
	QueueBuffer int
	DedupTTL    time.Duration
	SoftLimit   time.Duration
	HardLimit   time.Duration
	MaxAttempts int
	RetryDelays []time.Duration
	JitterFrac  float64
}

// TasksConfig carries the pipeline-task tunables.
type TasksConfig struct {
	TriggerStress        float64
	AssessmentWindowDays int
	PendingBatch         int
	ActiveWindowDays     int
	SumInsured           float64
	MaxPayout            float64
}

// RetentionConfig bounds how long derived and raw rows are kept.
type RetentionConfig struct {
	WeatherDays    int
	BiomassDays    int
	QuarantineDays int
	ArchiveDays    int
}

// CacheTTLConfig carries the per-kind cache lifetimes.
type CacheTTLConfig struct {
	Current    time.Duration
	Index      time.Duration
	Biomass    time.Duration
	Assessment time.Duration
}

// AppConfig holds the complete application configuration.
type AppConfig struct {
	API       APIConfig
	Metrics   MetricsConfig
	DB        DBConfig
	Redis     RedisConfig
	WeatherXM weatherxm.Config
	Planet    planet.Config
	Pin       pinstore.Config
	Engine    weather.Thresholds
	Biomass   biomass.Config
	Scheduler SchedulerConfig
	Tasks     TasksConfig
	Retention RetentionConfig
	CacheTTL  CacheTTLConfig
	DataPath  string
	LogDir    string
}

// Load loads the configuration from .env files and environment variables.
// Invalid values abort startup with a Fatal fault listing every violation.
func Load() (*AppConfig, error) {
	// 1. Try to load from the executable's directory first
	exePath, err := os.Executable()
	exeDir := ""
	if err == nil {
		exeDir = filepath.Dir(exePath)
		envPath := filepath.Join(exeDir, ".env")
		if err := godotenv.Load(envPath); err == nil {
			log.Debug().Str("path", envPath).Msg("Loaded configuration from binary directory")
		}
	}

	// 2. Fallback to current working directory (useful for development/go run)
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found in working directory, relying on environment variables or binary-relative .env")
	}

	// 3. Resolve data paths
	dataPath := os.Getenv("DATA_PATH")
	if dataPath == "" {
		if exeDir != "" {
			dataPath = exeDir
		} else {
			dataPath = "."
		}
	}

	logDir := filepath.Join(dataPath, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.Warn().Err(err).Str("path", logDir).Msg("Failed to create log directory")
	}

	cfg := &AppConfig{
		API: APIConfig{
			Addr:            getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("API_PORT", "8000"),
			CORSOrigins:     getEnvList("CORS_ORIGINS", "*"),
			SubmitPerMinute: getEnvInt("RATE_LIMIT_SUBMIT_PER_MINUTE", 10),
			AssessPerHour:   getEnvInt("RATE_LIMIT_ASSESS_PER_HOUR", 5),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_HOST", "0.0.0.0") + ":" + getEnv("METRICS_PORT", "9090"),
		},
		DB: DBConfig{
			URL:      getEnv("DATABASE_URL", ""),
			MaxConns: int32(getEnvInt("DB_POOL_MAX", 20)),
			MinConns: int32(getEnvInt("DB_POOL_MIN", 5)),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			PoolSize: getEnvInt("REDIS_MAX_CONNECTIONS", 50),
		},
		WeatherXM: weatherxm.Config{
			BaseURL:            getEnv("WEATHERXM_API_URL", "https://api.weatherxm.com/v1"),
			APIKey:             getEnv("WEATHERXM_API_KEY", ""),
			Timeout:            getEnvSeconds("WEATHERXM_TIMEOUT_SECONDS", 30),
			RateLimitPerMinute: getEnvInt("WEATHERXM_RATE_LIMIT", 100),
			StationRadiusKM:    getEnvFloat("WEATHER_STATION_RADIUS_KM", 50.0),
			MinStations:        getEnvInt("WEATHER_MIN_STATIONS", 1),
		},
		Planet: planet.Config{
			BaseURL:   getEnv("PLANET_API_URL", "https://api.planet.com/subscriptions/v1"),
			APIKey:    getEnv("PLANET_API_KEY", ""),
			Timeout:   getEnvSeconds("PLANET_TIMEOUT_SECONDS", 60),
			ProductID: getEnv("PLANET_PRODUCT_ID", "BIOMASS-PROXY_V4.0_10"),
		},
		Pin: pinstore.Config{
			BaseURL: getEnv("PINSTORE_API_URL", "https://api.pinata.cloud"),
			JWT:     getEnv("PINSTORE_JWT", ""),
			Gateway: getEnv("PINSTORE_GATEWAY", "gateway.pinata.cloud"),
			Timeout: getEnvSeconds("PINSTORE_TIMEOUT_SECONDS", 30),
		},
		Engine: weather.Thresholds{
			ExpectedDailyRainMM: getEnvFloat("DROUGHT_THRESHOLD_MM", 2.0),
			SevereDryDays:       getEnvInt("DROUGHT_SEVERE_DAYS", 14),
			FloodDailyMM:        getEnvFloat("FLOOD_THRESHOLD_MM", 30.0),
			FloodIntensityMMH:   getEnvFloat("FLOOD_SEVERE_MM", 200.0),
			Cumulative3DayScale: getEnvFloat("FLOOD_CUMULATIVE_3DAY", 200.0),
			HeatMaxC:            getEnvFloat("HEAT_THRESHOLD_CELSIUS", 35.0),
			HeatExtremeC:        getEnvFloat("HEAT_SEVERE_CELSIUS", 40.0),
		},
		Biomass: biomass.Config{
			BaselineWindowDays:  getEnvInt("BIOMASS_BASELINE_WINDOW_DAYS", 30),
			MinObservations:     getEnvInt("BIOMASS_MIN_OBSERVATIONS", 3),
			MaxCloudCover:       getEnvFloat("BIOMASS_MAX_CLOUD_COVER", 0.3),
			RollingObservations: getEnvInt("BIOMASS_ROLLING_OBSERVATIONS", 10),
		},
		Scheduler: SchedulerConfig{
			Enabled:     getEnvBool("SCHEDULER_ENABLED", true),
			Concurrency: getEnvInt("QUEUE_CONCURRENCY", 4),
			QueueBuffer: getEnvInt("QUEUE_BUFFER", 64),
			DedupTTL:    getEnvSeconds("DEDUP_TTL_SECONDS", 300),
			SoftLimit:   getEnvSeconds("TASK_SOFT_LIMIT_SECONDS", 240),
			HardLimit:   getEnvSeconds("TASK_HARD_LIMIT_SECONDS", 300),
			MaxAttempts: getEnvInt("TASK_MAX_ATTEMPTS", 3),
			RetryDelays: getEnvDurations("TASK_RETRY_DELAYS", "30s,60s,300s"),
			JitterFrac:  getEnvFloat("TASK_RETRY_JITTER", 0.2),
		},
		Tasks: TasksConfig{
			TriggerStress:        getEnvFloat("TRIGGER_STRESS_THRESHOLD", 0.5),
			AssessmentWindowDays: getEnvInt("ASSESSMENT_WINDOW_DAYS", 7),
			PendingBatch:         getEnvInt("ASSESSMENT_PENDING_BATCH", 10),
			ActiveWindowDays:     getEnvInt("ACTIVE_PLOT_WINDOW_DAYS", 30),
			SumInsured:           getEnvFloat("DEFAULT_SUM_INSURED", 10000),
			MaxPayout:            getEnvFloat("DEFAULT_MAX_PAYOUT", 7000),
		},
		Retention: RetentionConfig{
			WeatherDays:    getEnvInt("RETENTION_WEATHER_DAYS", 730),
			BiomassDays:    getEnvInt("RETENTION_BIOMASS_DAYS", 1095),
			QuarantineDays: getEnvInt("RETENTION_QUARANTINE_DAYS", 90),
			ArchiveDays:    getEnvInt("ASSESSMENT_ARCHIVE_DAYS", 90),
		},
		CacheTTL: CacheTTLConfig{
			Current:    getEnvSeconds("CACHE_TTL_CURRENT_SECONDS", 600),
			Index:      getEnvSeconds("CACHE_TTL_INDEX_SECONDS", 3600),
			Biomass:    getEnvSeconds("CACHE_TTL_BIOMASS_SECONDS", 86400),
			Assessment: getEnvSeconds("CACHE_TTL_ASSESSMENT_SECONDS", 86400),
		},
		DataPath: dataPath,
		LogDir:   logDir,
	}

	if problems := cfg.validate(); len(problems) > 0 {
		return nil, fault.New(fault.Fatal, "config.Load", "invalid configuration: %s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func (c *AppConfig) validate() []string {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.DB.URL == "" {
		add("DATABASE_URL is required")
	}
	if c.Redis.URL == "" {
		add("REDIS_URL is required")
	}
	if c.WeatherXM.RateLimitPerMinute <= 0 {
		add("WEATHERXM_RATE_LIMIT must be positive, got %d", c.WeatherXM.RateLimitPerMinute)
	}
	if c.WeatherXM.StationRadiusKM <= 0 {
		add("WEATHER_STATION_RADIUS_KM must be positive, got %v", c.WeatherXM.StationRadiusKM)
	}
	if c.Engine.ExpectedDailyRainMM <= 0 {
		add("DROUGHT_THRESHOLD_MM must be positive, got %v", c.Engine.ExpectedDailyRainMM)
	}
	if c.Engine.SevereDryDays <= 0 {
		add("DROUGHT_SEVERE_DAYS must be positive, got %d", c.Engine.SevereDryDays)
	}
	if c.Engine.FloodDailyMM <= 0 {
		add("FLOOD_THRESHOLD_MM must be positive, got %v", c.Engine.FloodDailyMM)
	}
	if c.Engine.Cumulative3DayScale <= 0 {
		add("FLOOD_CUMULATIVE_3DAY must be positive, got %v", c.Engine.Cumulative3DayScale)
	}
	if c.Engine.HeatMaxC >= c.Engine.HeatExtremeC {
		add("HEAT_THRESHOLD_CELSIUS %v must be below HEAT_SEVERE_CELSIUS %v", c.Engine.HeatMaxC, c.Engine.HeatExtremeC)
	}
	if c.Biomass.MinObservations < 1 {
		add("BIOMASS_MIN_OBSERVATIONS must be at least 1, got %d", c.Biomass.MinObservations)
	}
	if c.Biomass.MaxCloudCover < 0 || c.Biomass.MaxCloudCover > 1 {
		add("BIOMASS_MAX_CLOUD_COVER must be within [0,1], got %v", c.Biomass.MaxCloudCover)
	}
	if c.Tasks.TriggerStress <= 0 || c.Tasks.TriggerStress > 1 {
		add("TRIGGER_STRESS_THRESHOLD must be within (0,1], got %v", c.Tasks.TriggerStress)
	}
	if c.Scheduler.Concurrency < 1 {
		add("QUEUE_CONCURRENCY must be at least 1, got %d", c.Scheduler.Concurrency)
	}
	if c.Scheduler.QueueBuffer < 1 {
		add("QUEUE_BUFFER must be at least 1, got %d", c.Scheduler.QueueBuffer)
	}
	if c.Scheduler.MaxAttempts < 1 {
		add("TASK_MAX_ATTEMPTS must be at least 1, got %d", c.Scheduler.MaxAttempts)
	}
	if c.Scheduler.SoftLimit > c.Scheduler.HardLimit {
		add("TASK_SOFT_LIMIT_SECONDS %v exceeds TASK_HARD_LIMIT_SECONDS %v", c.Scheduler.SoftLimit, c.Scheduler.HardLimit)
	}
	if len(c.Scheduler.RetryDelays) == 0 {
		add("TASK_RETRY_DELAYS must name at least one delay")
	}

	return problems
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Ignoring non-integer environment value")
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Ignoring non-numeric environment value")
	}
	return fallback
}

func getEnvSeconds(key string, fallbackSecs int) time.Duration {
	return time.Duration(getEnvInt(key, fallbackSecs)) * time.Second
}

func getEnvList(key, fallback string) []string {
	raw := getEnv(key, fallback)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvDurations(key, fallback string) []time.Duration {
	raw := getEnv(key, fallback)
	var out []time.Duration
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		d, err := time.ParseDuration(p)
		if err != nil {
			log.Warn().Str("key", key).Str("value", p).Msg("Ignoring unparseable duration")
			continue
		}
		out = append(out, d)
	}
	return out
}
