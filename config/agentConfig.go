package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/tcgpos_sync/utils"
)

// AgentConfig is read once at startup and passed by value afterwards.
type AgentConfig struct {
	DBPath         string
	DBOpenAttempts int

	CloudBaseURL     string
	CloudToken       string
	CloudTokenHeader string
	CloudRatePerMin  int
	CloudHTTPTimeout time.Duration

	TerminalId string
	BranchId   string

	CatalogSyncInterval  time.Duration
	ReconcileInterval    time.Duration
	JournalFlushInterval time.Duration

	PageSize      int
	ManifestLimit int
	BatchSize     int
	MaxRetries    int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	Jitter        time.Duration
	LongFloor     time.Duration
	// RetriableCodes overrides the built-in retriable code set when non-empty.
	RetriableCodes []string

	RedisAddress string

	StatusAPIPort      string
	StatusAPIToken     string
	CORSAllowedOrigins []string

	StorageProvider       string
	GCSBucket             string
	GCSCredentialsJSON    string
	SpacesURL             string
	SpacesBucket          string
	SpacesAccessKeyId     string
	SpacesSecretAccessKey string
	StorageAccessBaseURL  string
	ProofImageMaxWidth    int

	AutoBackfill bool
}

// LoadAgentConfig reads the agent configuration from the environment (.env is loaded in init).
func LoadAgentConfig() (AgentConfig, error) {
	cfg := AgentConfig{
		DBPath:           strDefault("POS_DB_PATH", "./pos.db"),
		DBOpenAttempts:   intFromEnv("POS_DB_OPEN_ATTEMPTS", 5),
		CloudBaseURL:     strings.TrimRight(strings.TrimSpace(os.Getenv("CLOUD_API_BASE_URL")), "/"),
		CloudToken:       strings.TrimSpace(os.Getenv("CLOUD_API_TOKEN")),
		CloudTokenHeader: strDefault("CLOUD_API_TOKEN_HEADER", "Authorization"),
		CloudRatePerMin:  intFromEnv("CLOUD_RATE_LIMIT_PER_MIN", 0),
		CloudHTTPTimeout: time.Duration(intFromEnv("CLOUD_HTTP_TIMEOUT_SECONDS", 30)) * time.Second,

		TerminalId: strings.TrimSpace(os.Getenv("POS_TERMINAL_ID")),
		BranchId:   strings.TrimSpace(os.Getenv("POS_BRANCH_ID")),

		CatalogSyncInterval:  time.Duration(intFromEnv("CATALOG_SYNC_INTERVAL_SECONDS", 300)) * time.Second,
		ReconcileInterval:    time.Duration(intFromEnv("RECONCILE_INTERVAL_SECONDS", 3600)) * time.Second,
		JournalFlushInterval: time.Duration(intFromEnv("JOURNAL_FLUSH_INTERVAL_SECONDS", 15)) * time.Second,

		PageSize:       intFromEnv("SYNC_PAGE_SIZE", 200),
		ManifestLimit:  intFromEnv("SYNC_MANIFEST_LIMIT", 5000),
		BatchSize:      intFromEnv("JOURNAL_BATCH_SIZE", 100),
		MaxRetries:     intFromEnv("JOURNAL_MAX_RETRIES", 10),
		BaseBackoff:    time.Duration(intFromEnv("JOURNAL_BASE_BACKOFF_MS", 1000)) * time.Millisecond,
		MaxBackoff:     time.Duration(intFromEnv("JOURNAL_MAX_BACKOFF_SECONDS", 60)) * time.Second,
		Jitter:         time.Duration(intFromEnv("JOURNAL_JITTER_MS", 250)) * time.Millisecond,
		LongFloor:      time.Duration(intFromEnv("JOURNAL_LONG_FLOOR_MINUTES", 30)) * time.Minute,
		RetriableCodes: csvFromEnv("JOURNAL_RETRIABLE_CODES"),

		RedisAddress: strings.TrimSpace(os.Getenv("REDIS_ADDRESS")),

		StatusAPIPort:      strDefault("STATUS_API_PORT", "8090"),
		StatusAPIToken:     strings.TrimSpace(os.Getenv("STATUS_API_TOKEN")),
		CORSAllowedOrigins: csvFromEnv("CORS_ALLOWED_ORIGINS"),

		StorageProvider:       strings.ToLower(strDefault("STORAGE_PROVIDER", "cloud")),
		GCSBucket:             strings.TrimSpace(os.Getenv("GCS_BUCKET")),
		GCSCredentialsJSON:    strings.TrimSpace(os.Getenv("GCS_CREDENTIALS_JSON")),
		SpacesURL:             strings.TrimSpace(os.Getenv("SP_URL")),
		SpacesBucket:          strings.TrimSpace(os.Getenv("SP_BUCKET")),
		SpacesAccessKeyId:     strings.TrimSpace(os.Getenv("SP_ACCESS_KEY_ID")),
		SpacesSecretAccessKey: strings.TrimSpace(os.Getenv("SP_SECRET_ACCESS_KEY")),
		StorageAccessBaseURL:  strings.TrimSpace(os.Getenv("STORAGE_ACCESS_BASE_URL")),
		ProofImageMaxWidth:    intFromEnv("PROOF_IMAGE_MAX_WIDTH", 1600),

		AutoBackfill: envBoolDefault("POS_AUTO_BACKFILL", true),
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings the agent cannot start without.
func (c AgentConfig) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("POS_DB_PATH is required")
	}
	if c.CloudBaseURL == "" {
		return errors.New("CLOUD_API_BASE_URL is required")
	}
	if c.PageSize <= 0 || c.BatchSize <= 0 || c.ManifestLimit <= 0 {
		return errors.New("SYNC_PAGE_SIZE, SYNC_MANIFEST_LIMIT and JOURNAL_BATCH_SIZE must be positive")
	}
	if c.MaxRetries <= 0 {
		return errors.New("JOURNAL_MAX_RETRIES must be positive")
	}
	if !utils.IsKnownStorageProvider(c.StorageProvider) {
		return errors.New("STORAGE_PROVIDER must be one of cloud, gcs, do")
	}
	return nil
}

func strDefault(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func csvFromEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return utils.UniqueSlice(out)
}
