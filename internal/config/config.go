package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all agent configuration
type Config struct {
	ServerAddress string   `json:"serverAddress" validate:"required"`
	DataDir       string   `json:"dataDir" validate:"required"`
	DatabasePath  string   `json:"databasePath"`
	DatabaseURL   string   `json:"databaseUrl"`
	OwnerEmail    string   `json:"ownerEmail" validate:"omitempty,email"`
	Sync          Sync     `json:"sync"`
	Remote        Remote   `json:"remote"`
	Auth          Auth     `json:"auth"`
	Backup        Backup   `json:"backup"`
	Security      Security `json:"security"`
}

// Sync configures the Sync Manager and connectivity probing
type Sync struct {
	MaxRetries            int    `json:"maxRetries" validate:"gte=1"`
	OperationTimeoutSecs  int    `json:"operationTimeoutSeconds" validate:"gte=1"`
	BackoffInitialSecs    int    `json:"backoffInitialSeconds" validate:"gte=1"`
	BackoffMaxSecs        int    `json:"backoffMaxSeconds" validate:"gtefield=BackoffInitialSecs"`
	ConnectivityProbeURL  string `json:"connectivityProbeUrl" validate:"omitempty,url"`
	ConnectivityEverySecs int    `json:"connectivityIntervalSeconds" validate:"gte=1"`
}

// Remote configures the remote store
type Remote struct {
	DefaultSheetID string `json:"defaultSheetId"`
	Endpoint       string `json:"endpoint" validate:"omitempty,url"`
}

// Auth configures the credential provider: a static bearer token, an OAuth
// client with a persisted token file, or service account credentials.
type Auth struct {
	StaticToken       string `json:"staticToken"`
	ClientID          string `json:"clientId"`
	ClientSecret      string `json:"clientSecret"`
	TokenFile         string `json:"tokenFile"`
	CredentialsFile   string `json:"credentialsFile"`
	RefreshBufferMins int    `json:"refreshBufferMinutes" validate:"gte=0"`
}

// Backup configures automatic backups and their channels
type Backup struct {
	Enabled       bool   `json:"enabled"`
	Schedule      string `json:"schedule" validate:"required"`
	IntervalHours int    `json:"intervalHours" validate:"gte=1"`
	FilePath      string `json:"filePath"`
	DriveEnabled  bool   `json:"driveEnabled"`
	DriveFolderID string `json:"driveFolderId"`
	GCSBucket     string `json:"gcsBucket"`
	GCSPrefix     string `json:"gcsPrefix"`
	BackupOnExit  bool   `json:"backupOnExit"`
}

// Security configuration for the local API
type Security struct {
	APIKey       string `json:"apiKey"`
	APIKeyHash   string `json:"apiKeyHash"`
	APIKeyHeader string `json:"apiKeyHeader" validate:"required"`
}

// UsePostgres returns true if PostgreSQL should be used
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// OperationTimeout is the deadline for a single remote append
func (s Sync) OperationTimeout() time.Duration {
	return time.Duration(s.OperationTimeoutSecs) * time.Second
}

// BackoffInitial is the first BACKOFF delay
func (s Sync) BackoffInitial() time.Duration {
	return time.Duration(s.BackoffInitialSecs) * time.Second
}

// BackoffMax caps the BACKOFF delay
func (s Sync) BackoffMax() time.Duration {
	return time.Duration(s.BackoffMaxSecs) * time.Second
}

// ConnectivityInterval is the probe period
func (s Sync) ConnectivityInterval() time.Duration {
	return time.Duration(s.ConnectivityEverySecs) * time.Second
}

// RefreshBuffer is how long before expiry a token is treated as stale
func (a Auth) RefreshBuffer() time.Duration {
	return time.Duration(a.RefreshBufferMins) * time.Minute
}

// Interval is the minimum age of the last backup before another runs on start
func (b Backup) Interval() time.Duration {
	return time.Duration(b.IntervalHours) * time.Hour
}

// Default configuration
func defaultConfig() *Config {
	return &Config{
		ServerAddress: "127.0.0.1:5380",
		DataDir:       "./data",
		Sync: Sync{
			MaxRetries:            3,
			OperationTimeoutSecs:  30,
			BackoffInitialSecs:    5,
			BackoffMaxSecs:        300,
			ConnectivityProbeURL:  "https://sheets.googleapis.com/",
			ConnectivityEverySecs: 15,
		},
		Auth: Auth{
			TokenFile:         "token.json",
			RefreshBufferMins: 50,
		},
		Backup: Backup{
			Enabled:       true,
			Schedule:      "@every 24h",
			IntervalHours: 24,
			FilePath:      "emergency_backup.json",
			GCSPrefix:     "medsync/",
			BackupOnExit:  true,
		},
		Security: Security{
			APIKeyHeader: "X-API-Key",
		},
	}
}

// Load reads .env (if present), then the JSON config file, then environment overrides
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaultConfig()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	}

	applyEnv(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}
	absDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	cfg.DataDir = absDir

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "medsync.db"
	}
	cfg.DatabasePath = cfg.resolve(cfg.DatabasePath)
	cfg.Auth.TokenFile = cfg.resolve(cfg.Auth.TokenFile)
	cfg.Backup.FilePath = cfg.resolve(cfg.Backup.FilePath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// resolve makes relative paths relative to DataDir
func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

func applyEnv(cfg *Config) {
	if addr := os.Getenv("SERVER_ADDRESS"); addr != "" {
		cfg.ServerAddress = addr
	}
	if dir := os.Getenv("MEDSYNC_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}
	if owner := os.Getenv("MEDSYNC_OWNER_EMAIL"); owner != "" {
		cfg.OwnerEmail = strings.ToLower(strings.TrimSpace(owner))
	}

	if n, ok := envInt("SYNC_MAX_RETRIES"); ok {
		cfg.Sync.MaxRetries = n
	}
	if n, ok := envInt("SYNC_OPERATION_TIMEOUT_SECONDS"); ok {
		cfg.Sync.OperationTimeoutSecs = n
	}
	if url := os.Getenv("CONNECTIVITY_PROBE_URL"); url != "" {
		cfg.Sync.ConnectivityProbeURL = url
	}

	if id := os.Getenv("REMOTE_SHEET_ID"); id != "" {
		cfg.Remote.DefaultSheetID = id
	}
	if ep := os.Getenv("REMOTE_ENDPOINT"); ep != "" {
		cfg.Remote.Endpoint = ep
	}

	if token := os.Getenv("MEDSYNC_ACCESS_TOKEN"); token != "" {
		cfg.Auth.StaticToken = token
	}
	if id := os.Getenv("GOOGLE_CLIENT_ID"); id != "" {
		cfg.Auth.ClientID = id
	}
	if secret := os.Getenv("GOOGLE_CLIENT_SECRET"); secret != "" {
		cfg.Auth.ClientSecret = secret
	}
	if file := os.Getenv("TOKEN_FILE"); file != "" {
		cfg.Auth.TokenFile = file
	}
	if file := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); file != "" {
		cfg.Auth.CredentialsFile = file
	}

	if enabled := os.Getenv("BACKUP_ENABLED"); enabled != "" {
		cfg.Backup.Enabled = enabled == "true" || enabled == "1"
	}
	if schedule := os.Getenv("BACKUP_SCHEDULE"); schedule != "" {
		cfg.Backup.Schedule = schedule
	}
	if n, ok := envInt("BACKUP_INTERVAL_HOURS"); ok {
		cfg.Backup.IntervalHours = n
	}
	if drive := os.Getenv("BACKUP_DRIVE_ENABLED"); drive != "" {
		cfg.Backup.DriveEnabled = drive == "true" || drive == "1"
	}
	if bucket := os.Getenv("BACKUP_GCS_BUCKET"); bucket != "" {
		cfg.Backup.GCSBucket = bucket
	}

	if apiKey := os.Getenv("API_KEY"); apiKey != "" {
		cfg.Security.APIKey = apiKey
	}
	if hash := os.Getenv("API_KEY_HASH"); hash != "" {
		cfg.Security.APIKeyHash = hash
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
