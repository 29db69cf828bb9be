package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Browser   BrowserConfig
	Session   SessionConfig
	Extract   ExtractConfig
	Store     StoreConfig
	Monitor   MonitorConfig
	Scheduler SchedulerConfig
	S3        S3Config
	Site      *SiteConfig
	DBPath    string
	LogLevel  string
	LogPretty bool
	LogFile   string
}

type BrowserConfig struct {
	CDPURL      string // attach to a running browser when set
	UserDataDir string
	Headless    bool
	ProxyURL    string
}

type SessionConfig struct {
	ConnectAttempts int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	NavTimeout      time.Duration
	ProbeTimeout    time.Duration
	CleanupInterval time.Duration
}

type ExtractConfig struct {
	DetailTimeout  time.Duration
	FieldTimeout   time.Duration
	ActionTimeout  time.Duration
	MinDelayMS     int
	MaxDelayMS     int
	ItemsPerSecond float64
	MaxItems       int
	Contact        bool // contact extraction is opt-in
}

type StoreConfig struct {
	Path        string
	MaxBytes    int64
	DatabaseURL string // optional Postgres mirror
}

type MonitorConfig struct {
	StatusPath       string
	FailureThreshold int
	HistorySize      int
	Addr             string
	ExitOnCritical   bool
}

type OverlapPolicy string

const (
	OverlapSkip OverlapPolicy = "skip"
	OverlapWait OverlapPolicy = "wait"
)

type SchedulerConfig struct {
	Interval      time.Duration
	Cron          string
	RunOnStart    bool
	Overlap       OverlapPolicy
	RunTimeout    time.Duration
	ShutdownGrace time.Duration
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// SiteConfig describes the listings page and the selectors used to read it.
type SiteConfig struct {
	Name      string    `yaml:"name"`
	URL       string    `yaml:"url"`
	WaitUntil string    `yaml:"wait_until"`
	Selectors Selectors `yaml:"selectors"`
}

type Selectors struct {
	Item        string `yaml:"item"`
	Origin      string `yaml:"origin"`
	Destination string `yaml:"destination"`
	Lane        string `yaml:"lane"`
	Rate        string `yaml:"rate"`
	Company     string `yaml:"company"`
	Age         string `yaml:"age"`
	Detail      string `yaml:"detail"`
	DetailClose string `yaml:"detail_close"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Browser: BrowserConfig{
			CDPURL:      os.Getenv("BROWSER_CDP_URL"),
			UserDataDir: getEnv("BROWSER_DATA_DIR", "browser_data"),
			Headless:    getEnvBool("BROWSER_HEADLESS", false),
			ProxyURL:    os.Getenv("BROWSER_PROXY_URL"),
		},
		Session: SessionConfig{
			ConnectAttempts: getEnvInt("SESSION_CONNECT_ATTEMPTS", 3),
			BackoffBase:     getEnvDuration("SESSION_BACKOFF_BASE", 2*time.Second),
			BackoffMax:      getEnvDuration("SESSION_BACKOFF_MAX", 30*time.Second),
			NavTimeout:      getEnvDuration("SESSION_NAV_TIMEOUT", 60*time.Second),
			ProbeTimeout:    getEnvDuration("SESSION_PROBE_TIMEOUT", 5*time.Second),
			CleanupInterval: getEnvDuration("SESSION_CLEANUP_INTERVAL", 6*time.Hour),
		},
		Extract: ExtractConfig{
			DetailTimeout:  getEnvDuration("DETAIL_TIMEOUT", 5*time.Second),
			FieldTimeout:   getEnvDuration("FIELD_TIMEOUT", 1500*time.Millisecond),
			ActionTimeout:  getEnvDuration("ACTION_TIMEOUT", 5*time.Second),
			MinDelayMS:     getEnvInt("ITEM_DELAY_MIN_MS", 300),
			MaxDelayMS:     getEnvInt("ITEM_DELAY_MAX_MS", 900),
			ItemsPerSecond: getEnvFloat("ITEMS_PER_SECOND", 1),
			MaxItems:       getEnvInt("MAX_ITEMS", 0),
			Contact:        getEnvBool("EXTRACT_CONTACT", false),
		},
		Store: StoreConfig{
			Path:        getEnv("STORE_PATH", "listings.csv"),
			MaxBytes:    int64(getEnvInt("STORE_MAX_BYTES", 5*1024*1024)),
			DatabaseURL: os.Getenv("DATABASE_URL"),
		},
		Monitor: MonitorConfig{
			StatusPath:       getEnv("STATUS_PATH", "status.json"),
			FailureThreshold: getEnvInt("FAILURE_THRESHOLD", 5),
			HistorySize:      getEnvInt("HISTORY_SIZE", 50),
			Addr:             getEnv("STATUS_ADDR", ":8089"),
			ExitOnCritical:   getEnvBool("EXIT_ON_CRITICAL", true),
		},
		Scheduler: SchedulerConfig{
			Interval:      getEnvDuration("SCRAPE_INTERVAL", 5*time.Minute),
			Cron:          os.Getenv("SCRAPE_CRON"),
			RunOnStart:    getEnvBool("RUN_ON_START", true),
			Overlap:       OverlapPolicy(strings.ToLower(getEnv("OVERLAP_POLICY", string(OverlapSkip)))),
			RunTimeout:    getEnvDuration("RUN_TIMEOUT", 10*time.Minute),
			ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", 30*time.Second),
		},
		S3: S3Config{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			Prefix:          getEnv("S3_PREFIX", "archives/"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		DBPath:    getEnv("DB_PATH", "scraper.db"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvBool("LOG_PRETTY", false),
		LogFile:   getEnv("LOG_FILE", "daemon.log"),
	}

	site, err := LoadSite(getEnv("SITE_CONFIG", "config/site.yaml"))
	if err != nil {
		return nil, err
	}
	cfg.Site = site

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultSite is used when no site file exists.
func DefaultSite() *SiteConfig {
	return &SiteConfig{
		Name:      "loadboard",
		URL:       "https://one.dat.com/search-loads",
		WaitUntil: "domcontentloaded",
		Selectors: Selectors{
			Item:        ".row-container",
			Origin:      ".origin",
			Destination: ".destination",
			Lane:        ".trip",
			Rate:        ".rate",
			Company:     ".company",
			Age:         ".age",
			Detail:      ".expanded-row",
			DetailClose: ".expanded-row .close-button",
		},
	}
}

// LoadSite reads the site profile, overlaying it on DefaultSite. A missing
// file is not an error.
func LoadSite(path string) (*SiteConfig, error) {
	site := DefaultSite()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return site, nil
		}
		return nil, fmt.Errorf("read site config: %w", err)
	}
	if err := yaml.Unmarshal(data, site); err != nil {
		return nil, fmt.Errorf("parse site config %s: %w", path, err)
	}
	return site, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Site == nil || c.Site.URL == "" {
		errs = append(errs, errors.New("site url is required"))
	} else if c.Site.Selectors.Item == "" {
		errs = append(errs, errors.New("site item selector is required"))
	}
	if c.Session.ConnectAttempts < 1 {
		errs = append(errs, fmt.Errorf("SESSION_CONNECT_ATTEMPTS must be >= 1, got %d", c.Session.ConnectAttempts))
	}
	if c.Monitor.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("FAILURE_THRESHOLD must be >= 1, got %d", c.Monitor.FailureThreshold))
	}
	if c.Monitor.HistorySize < 1 {
		errs = append(errs, fmt.Errorf("HISTORY_SIZE must be >= 1, got %d", c.Monitor.HistorySize))
	}
	if c.Scheduler.Cron == "" && c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("either SCRAPE_CRON or a positive SCRAPE_INTERVAL is required"))
	}
	switch c.Scheduler.Overlap {
	case OverlapSkip, OverlapWait:
	default:
		errs = append(errs, fmt.Errorf("OVERLAP_POLICY must be skip or wait, got %q", c.Scheduler.Overlap))
	}
	if c.Extract.MaxDelayMS < c.Extract.MinDelayMS {
		errs = append(errs, errors.New("ITEM_DELAY_MAX_MS must be >= ITEM_DELAY_MIN_MS"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
