package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the engine.
type Config struct {
	Port string

	// Event bus
	BusQueueCapacity  int
	BusPublishTimeout time.Duration

	// Storage
	StorageBaseDir    string
	StoragePoolSize   int
	CleanupInterval   time.Duration
	TickRetention     time.Duration
	Candle1mRetention time.Duration
	CandleHiRetention time.Duration
	FVGRetention      time.Duration

	// Ingestion
	Venue       string
	MarketType  string
	Symbols     []string
	UseSimFeed  bool
	StreamURL   string

	// Analytics
	AnalyticsInterval   time.Duration
	OrderFlowWindow     time.Duration
	ProfileWindow       time.Duration
	MeanReversionWindow time.Duration
	AutocorrSamples     int

	// Decision
	MinConfluence float64

	// Execution
	MaxConcurrentPositions int
	PositionSizePct        float64
	MaxPositionSizePct     float64
	MinRewardRisk          float64
	PlaceMaxRetries        int
	PlaceBaseDelay         time.Duration
	PlaceMaxDelay          time.Duration
	ReconcileTimeout       time.Duration

	// Position monitor
	RiskCheckInterval    time.Duration
	ReconciliationWindow time.Duration

	// Simulated gateway
	SimInitialBalance float64
	SimFeeRate        float64
	SimSlippageBps    float64

	// Pairs / asset-class file
	PairsFile string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the engine still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port: getEnv("PORT", "8080"),

		BusQueueCapacity:  getEnvInt("BUS_QUEUE_CAPACITY", 10000),
		BusPublishTimeout: getEnvDuration("BUS_PUBLISH_TIMEOUT", 0),

		StorageBaseDir:    getEnv("STORAGE_BASE_DIR", "./data"),
		StoragePoolSize:   getEnvInt("STORAGE_POOL_SIZE", 200),
		CleanupInterval:   getEnvDuration("STORAGE_CLEANUP_INTERVAL", 5*time.Minute),
		TickRetention:     getEnvDuration("TICK_RETENTION", 15*time.Minute),
		Candle1mRetention: getEnvDuration("CANDLE_1M_RETENTION", 15*time.Minute),
		CandleHiRetention: getEnvDuration("CANDLE_HI_RETENTION", time.Hour),
		FVGRetention:      getEnvDuration("FVG_RETENTION", 24*time.Hour),

		Venue:      getEnv("VENUE", "sim"),
		MarketType: getEnv("MARKET_TYPE", "SPOT"),
		Symbols:    splitAndTrim(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT")),
		UseSimFeed: getEnv("USE_SIM_FEED", "true") == "true",
		StreamURL:  getEnv("STREAM_URL", ""),

		AnalyticsInterval:   getEnvDuration("ANALYTICS_INTERVAL", 2*time.Second),
		OrderFlowWindow:     getEnvDuration("ORDER_FLOW_WINDOW", 5*time.Minute),
		ProfileWindow:       getEnvDuration("PROFILE_WINDOW", 15*time.Minute),
		MeanReversionWindow: getEnvDuration("MEAN_REVERSION_WINDOW", 15*time.Minute),
		AutocorrSamples:     getEnvInt("AUTOCORR_SAMPLES", 100),

		MinConfluence: getEnvFloat("MIN_CONFLUENCE", 3.0),

		MaxConcurrentPositions: getEnvInt("MAX_CONCURRENT_POSITIONS", 3),
		PositionSizePct:        getEnvFloat("POSITION_SIZE_PCT", 2.0),
		MaxPositionSizePct:     getEnvFloat("MAX_POSITION_SIZE_PCT", 5.0),
		MinRewardRisk:          getEnvFloat("MIN_REWARD_RISK", 1.5),
		PlaceMaxRetries:        getEnvInt("PLACE_MAX_RETRIES", 3),
		PlaceBaseDelay:         getEnvDuration("PLACE_BASE_DELAY", time.Second),
		PlaceMaxDelay:          getEnvDuration("PLACE_MAX_DELAY", 30*time.Second),
		ReconcileTimeout:       getEnvDuration("RECONCILE_TIMEOUT", 10*time.Second),

		RiskCheckInterval:    getEnvDuration("RISK_CHECK_INTERVAL", 10*time.Second),
		ReconciliationWindow: getEnvDuration("RECONCILIATION_TIMEOUT", 30*time.Second),

		SimInitialBalance: getEnvFloat("SIM_INITIAL_BALANCE", 100000),
		SimFeeRate:        getEnvFloat("SIM_FEE_RATE", 0.0004),
		SimSlippageBps:    getEnvFloat("SIM_SLIPPAGE_BPS", 2),

		PairsFile: getEnv("PAIRS_FILE", ""),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
