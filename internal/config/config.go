package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	USGS           USGSConfig       `yaml:"usgs" mapstructure:"usgs"`
	Imagery        ImageryConfig    `yaml:"imagery" mapstructure:"imagery"`
	Compose        ComposeConfig    `yaml:"compose" mapstructure:"compose"`
	Store          StoreConfig      `yaml:"store" mapstructure:"store"`
	Cache          CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Retry          RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit        CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Server         ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring     MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Notify         NotifyConfig     `yaml:"notify" mapstructure:"notify"`
	Log            LogConfig        `yaml:"log" mapstructure:"log"`
	RegionsFile    string           `yaml:"regions_file" mapstructure:"regions_file"`
	BoundariesFile string           `yaml:"boundaries_file" mapstructure:"boundaries_file"`
	UserAgent      string           `yaml:"user_agent" mapstructure:"user_agent"`
}

// USGSConfig configures the FDSN event service client.
type USGSConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	PageSize    int     `yaml:"page_size" mapstructure:"page_size"`
	MaxPages    int     `yaml:"max_pages" mapstructure:"max_pages"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// ImageryConfig selects and configures the imagery provider.
type ImageryConfig struct {
	Provider    string        `yaml:"provider" mapstructure:"provider"`
	Token       string        `yaml:"token" mapstructure:"token"`
	RequireAuth bool          `yaml:"require_auth" mapstructure:"require_auth"`
	TimeoutSecs int           `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimit   float64       `yaml:"rate_limit" mapstructure:"rate_limit"`
	WMS         WMSConfig     `yaml:"wms" mapstructure:"wms"`
	GeoTIFF     GeoTIFFConfig `yaml:"geotiff" mapstructure:"geotiff"`
}

// WMSConfig configures an OGC WMS GetMap endpoint (NASA GIBS by default).
type WMSConfig struct {
	URL             string    `yaml:"url" mapstructure:"url"`
	Layer           string    `yaml:"layer" mapstructure:"layer"`
	Format          string    `yaml:"format" mapstructure:"format"`
	Version         string    `yaml:"version" mapstructure:"version"`
	CRS             string    `yaml:"crs" mapstructure:"crs"`
	MaxTileDegrees  float64   `yaml:"max_tile_degrees" mapstructure:"max_tile_degrees"`
	PixelsPerDegree float64   `yaml:"pixels_per_degree" mapstructure:"pixels_per_degree"`
	MaxPixels       int       `yaml:"max_pixels" mapstructure:"max_pixels"`
	MaxChunks       int       `yaml:"max_chunks" mapstructure:"max_chunks"`
	Concurrency     int       `yaml:"concurrency" mapstructure:"concurrency"`
	Extent          []float64 `yaml:"extent" mapstructure:"extent"`
}

// GeoTIFFConfig configures the local GeoTIFF provider.
type GeoTIFFConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ComposeConfig configures map rendering.
type ComposeConfig struct {
	Title           string  `yaml:"title" mapstructure:"title"`
	NearKm          float64 `yaml:"near_km" mapstructure:"near_km"`
	UncoveredPolicy string  `yaml:"uncovered_policy" mapstructure:"uncovered_policy"`
	Cluster         bool    `yaml:"cluster" mapstructure:"cluster"`
	Opacity         float64 `yaml:"opacity" mapstructure:"opacity"`
	BasemapURL      string  `yaml:"basemap_url" mapstructure:"basemap_url"`
	Attribution     string  `yaml:"attribution" mapstructure:"attribution"`
	Output          string  `yaml:"output" mapstructure:"output"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// CacheConfig configures the provider response cache.
type CacheConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	TTLHours int    `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	Backend  string `yaml:"backend" mapstructure:"backend"` // store or redis
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url"`
}

// NotifyConfig configures render notices. An empty NATSURL disables them.
type NotifyConfig struct {
	NATSURL string `yaml:"nats_url" mapstructure:"nats_url"`
	Subject string `yaml:"subject" mapstructure:"subject"`
}

// RetryConfig configures provider call retries.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// CircuitConfig configures per-provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port             int      `yaml:"port" mapstructure:"port"`
	CORSOrigins      []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	BasemapUpstream  string   `yaml:"basemap_upstream" mapstructure:"basemap_upstream"`
	BasemapCacheSize int      `yaml:"basemap_cache_size" mapstructure:"basemap_cache_size"`
}

// MonitoringConfig configures the background render health checker.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MinCoverage          float64 `yaml:"min_coverage" mapstructure:"min_coverage"`
	PruneCache           bool    `yaml:"prune_cache" mapstructure:"prune_cache"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads .env (if present), then configuration from file and environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: read .env")
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("QUAKEMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("user_agent", "quakemap/1.0")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("usgs.base_url", "https://earthquake.usgs.gov/fdsnws/event/1")
	v.SetDefault("usgs.page_size", 20000)
	v.SetDefault("usgs.max_pages", 10)
	v.SetDefault("usgs.timeout_secs", 60)
	v.SetDefault("usgs.rate_limit", 5)
	v.SetDefault("imagery.provider", "wms")
	v.SetDefault("imagery.require_auth", false)
	v.SetDefault("imagery.timeout_secs", 60)
	v.SetDefault("imagery.rate_limit", 10)
	v.SetDefault("imagery.wms.url", "https://gibs.earthdata.nasa.gov/wms/epsg4326/best/wms.cgi")
	v.SetDefault("imagery.wms.layer", "MODIS_Terra_CorrectedReflectance_TrueColor")
	v.SetDefault("imagery.wms.format", "image/jpeg")
	v.SetDefault("imagery.wms.version", "1.3.0")
	v.SetDefault("imagery.wms.crs", "EPSG:4326")
	v.SetDefault("imagery.wms.max_tile_degrees", 20.0)
	v.SetDefault("imagery.wms.pixels_per_degree", 40.0)
	v.SetDefault("imagery.wms.max_pixels", 2048)
	v.SetDefault("imagery.wms.max_chunks", 16)
	v.SetDefault("imagery.wms.concurrency", 4)
	v.SetDefault("imagery.wms.extent", []float64{-180, -90, 180, 90})
	v.SetDefault("compose.title", "Earthquake Impact Visualization")
	v.SetDefault("compose.near_km", 25.0)
	v.SetDefault("compose.uncovered_policy", "flag")
	v.SetDefault("compose.cluster", true)
	v.SetDefault("compose.opacity", 0.6)
	v.SetDefault("compose.basemap_url", "https://tile.openstreetmap.org/{z}/{x}/{y}.png")
	v.SetDefault("compose.attribution", "&copy; OpenStreetMap contributors | Imagery: NASA GIBS | Events: USGS")
	v.SetDefault("compose.output", "earthquake_map_with_imagery.html")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "quakemap.db")
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("cache.backend", "store")
	v.SetDefault("cache.redis_url", "redis://127.0.0.1:6379/0")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.basemap_upstream", "https://tile.openstreetmap.org")
	v.SetDefault("server.basemap_cache_size", 5000)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.min_coverage", 0.5)
	v.SetDefault("monitoring.prune_cache", true)
	v.SetDefault("notify.subject", "quakemap.renders")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks enumerations and ranges that the rest of the program relies on.
func (c *Config) Validate() error {
	switch c.Imagery.Provider {
	case "wms", "geotiff", "none":
	default:
		return eris.Errorf("config: unknown imagery.provider %q (want wms, geotiff or none)", c.Imagery.Provider)
	}
	if c.Imagery.Provider == "geotiff" && c.Imagery.GeoTIFF.Path == "" {
		return eris.New("config: imagery.geotiff.path is required for the geotiff provider")
	}
	if len(c.Imagery.WMS.Extent) != 0 && len(c.Imagery.WMS.Extent) != 4 {
		return eris.Errorf("config: imagery.wms.extent needs 4 values, got %d", len(c.Imagery.WMS.Extent))
	}
	switch c.Compose.UncoveredPolicy {
	case "flag", "drop":
	default:
		return eris.Errorf("config: unknown compose.uncovered_policy %q (want flag or drop)", c.Compose.UncoveredPolicy)
	}
	if c.Compose.NearKm < 0 {
		return eris.Errorf("config: compose.near_km must be >= 0, got %v", c.Compose.NearKm)
	}
	if c.Compose.Opacity < 0 || c.Compose.Opacity > 1 {
		return eris.Errorf("config: compose.opacity must be within [0, 1], got %v", c.Compose.Opacity)
	}
	switch c.Store.Driver {
	case "sqlite", "postgres", "none":
	default:
		return eris.Errorf("config: unknown store.driver %q (want sqlite, postgres or none)", c.Store.Driver)
	}
	switch c.Cache.Backend {
	case "store", "redis":
	default:
		return eris.Errorf("config: unknown cache.backend %q (want store or redis)", c.Cache.Backend)
	}
	if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
		return eris.Errorf("config: monitoring.failure_rate_threshold must be within [0, 1], got %v", c.Monitoring.FailureRateThreshold)
	}
	if c.USGS.PageSize <= 0 || c.USGS.PageSize > 20000 {
		return eris.Errorf("config: usgs.page_size must be within [1, 20000], got %d", c.USGS.PageSize)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
