package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"directory-backend/pkg/engine"
	"directory-backend/pkg/storage"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the directory backend
type Config struct {
	// =============================================================================
	// GROUP 1: HTTP SERVER SETTINGS
	// =============================================================================
	Port         string        `validate:"required,numeric"` // Admin API port
	Host         string        // Admin API bind address
	ReadTimeout  time.Duration `validate:"gt=0"` // HTTP read timeout
	WriteTimeout time.Duration `validate:"gt=0"` // HTTP write timeout

	// =============================================================================
	// GROUP 1.1: TLS/HTTPS SETTINGS
	// =============================================================================
	EnableTLS       bool     // Enable HTTPS with automatic Let's Encrypt certificates
	TLSPort         string   `validate:"required_if=EnableTLS true"`
	TLSCacheDir     string   `validate:"required_if=EnableTLS true"`
	TLSHosts        []string `validate:"dive,required"` // Allowed hostnames, empty allows any (development only)
	EnableHTTPSOnly bool     // Redirect all HTTP traffic to HTTPS

	// =============================================================================
	// GROUP 2: STORAGE PATHS
	// =============================================================================
	HomeDir   string   `validate:"required"` // Guardian file and version marker
	DataDir   string   // Engine data files, defaults to HomeDir
	LogDir    string   // Log segments, defaults to DataDir
	BackupDir string   `validate:"required"` // Root of backups taken through the admin API
	Instances []string `validate:"min=1,unique,dive,required,instance_name"`

	// =============================================================================
	// GROUP 3: ENGINE SIZING (applies at the next start)
	// =============================================================================
	CacheSize   uint64        // Cache bytes; non-zero values below 500000 are raised
	NCache      int           `validate:"gte=0"` // Cache segments, 0 derives them from the cache size
	Locks       int           `validate:"gte=0"`
	TxMax       int           `validate:"gte=1"`
	LogBufSize  uint32        // Values below the engine minimum are ignored with a warning
	LogFileSize int64         `validate:"omitempty,min=1048576,max=2147483647"`
	PageSize    uint32        `validate:"omitempty,min=512,max=65536"`
	ShmKey      int64         // Shared memory key for system-memory regions
	LockTimeout time.Duration `validate:"gte=0"`
	PrivateMem  bool          // Regions in process memory
	SystemMem   bool          // Regions in system shared memory
	EngineDebug bool          // Engine diagnostics

	// =============================================================================
	// GROUP 4: DURABILITY SETTINGS
	// =============================================================================
	Transactions    bool // Transactional access; off makes every operation auto-commit
	Locking         bool // Lock subsystem and deadlock detection
	Durable         bool // Commits wait for the log to reach stable storage
	CircularLogging bool // Delete obsolete log segments instead of renaming them to .old
	SkipDiskCheck   bool // Skip the pre-open disk space check
	ReadOnly        bool // Open the engine read-only (maintenance writes are no-ops)

	// =============================================================================
	// GROUP 5: GROUP COMMIT SETTINGS
	// =============================================================================
	BatchLimit    int           `validate:"gte=0"` // Commits flushed together, 0 disables batching
	BatchMinSleep time.Duration `validate:"gte=0"`
	BatchMaxSleep time.Duration `validate:"gte=0"`

	// =============================================================================
	// GROUP 6: MAINTENANCE SETTINGS
	// =============================================================================
	CheckpointInterval    time.Duration `validate:"gte=0"` // 0 disables periodic checkpoints
	CompactionInterval    time.Duration `validate:"gte=0"` // 0 disables compaction
	CompactionTime        string        `validate:"hhmm"`
	TricklePercent        int           `validate:"gte=0,lte=100"`
	DeadlockPolicy        string        `validate:"deadlock_policy"`
	LockMonitoring        bool
	LockThreshold         int           `validate:"gte=1,lte=100"`
	LockPause             time.Duration `validate:"gt=0"`
	ThreadShutdownTimeout time.Duration `validate:"gt=0"`
	TxnRetries            uint64        // Re-issues of a transaction that lost a deadlock

	// =============================================================================
	// GROUP 7: JOB SETTINGS
	// =============================================================================
	RetainedJobs int `validate:"gte=1"` // Finished backup/restore jobs kept for inspection

	// =============================================================================
	// GROUP 8: AUTHENTICATION & AUTHORIZATION SETTINGS
	// =============================================================================
	APIKey         string   `validate:"required_if=EnableAuth true"`
	EnableAuth     bool     // Enable API key authentication
	AllowedOrigins []string // CORS allowed origins
	AllowedIPs     []string // IP allowlist for network-level security

	// =============================================================================
	// GROUP 9: REQUEST PROCESSING SETTINGS
	// =============================================================================
	RequestTimeout  time.Duration `validate:"gt=0"` // Timeout for synchronous admin requests
	ShutdownTimeout time.Duration `validate:"gt=0"` // Graceful shutdown timeout

	// =============================================================================
	// GROUP 10: RATE LIMITING SETTINGS
	// =============================================================================
	ThrottleLimit          int           `validate:"gte=1"` // Maximum concurrent requests
	ThrottleBacklogLimit   int           `validate:"gte=0"` // Maximum queued requests
	ThrottleBacklogTimeout time.Duration // Timeout for queued requests

	EchoRateLimit          float64 `validate:"gte=0"`
	EchoBurstLimit         int     `validate:"gte=0"`
	EchoRateLimitExpiresIn time.Duration

	// =============================================================================
	// GROUP 11: HTTP COMPRESSION SETTINGS
	// =============================================================================
	EnableCompression bool // Enable response compression
	CompressionLevel  int  `validate:"min=1,max=9"`

	// =============================================================================
	// GROUP 12: LOGGING SETTINGS
	// =============================================================================
	LogProfile string `validate:"oneof=balanced debug performance"`
	LogLevel   string `validate:"omitempty,oneof=debug info warn error"`

	EnableRequestLogging    bool // Log every admin request
	EnableManagementLogging bool // Log admin operations (backup, restore, config changes)
}

// Load loads configuration from environment variables
func Load() *Config {
	// Attempt to load .env file but proceed if not found
	godotenv.Load()

	home := env("HOME_DIR", "./db")

	config := &Config{
		// Server settings
		Port:         env("PORT", "8389"),
		Host:         env("HOST", "127.0.0.1"),
		ReadTimeout:  envDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout: envDuration("WRITE_TIMEOUT", 5*time.Minute), // Command-line style restores can run long

		// TLS/HTTPS settings
		EnableTLS:       envBool("ENABLE_TLS", false),
		TLSPort:         env("TLS_PORT", "443"),
		TLSCacheDir:     env("TLS_CACHE_DIR", "./certs"),
		TLSHosts:        envStringSlice("TLS_HOSTS", []string{}),
		EnableHTTPSOnly: envBool("ENABLE_HTTPS_ONLY", false),

		// Storage paths
		HomeDir:   home,
		DataDir:   env("DATA_DIR", ""),
		LogDir:    env("LOG_DIR", ""),
		BackupDir: env("BACKUP_DIR", "./backups"),
		Instances: envStringSlice("INSTANCES", []string{storage.DefaultInstance}),

		// Engine sizing
		CacheSize:   envUint64("CACHE_SIZE", 128<<20),
		NCache:      envInt("NCACHE", 0),
		Locks:       envInt("LOCKS", storage.LockMin),
		TxMax:       envInt("TX_MAX", storage.DefaultTxMax),
		LogBufSize:  uint32(envUint64("LOG_BUF_SIZE", 0)),
		LogFileSize: envInt64("LOG_FILE_SIZE", 0),
		PageSize:    uint32(envUint64("PAGE_SIZE", 0)),
		ShmKey:      envInt64("SHM_KEY", storage.DefaultShmKey),
		LockTimeout: envDuration("LOCK_TIMEOUT", 0),
		PrivateMem:  envBool("PRIVATE_MEM", false),
		SystemMem:   envBool("SYSTEM_MEM", false),
		EngineDebug: envBool("ENGINE_DEBUG", false),

		// Durability
		Transactions:    envBool("TRANSACTIONS", true),
		Locking:         envBool("LOCKING", true),
		Durable:         envBool("DURABLE_TRANSACTIONS", true),
		CircularLogging: envBool("CIRCULAR_LOGGING", true),
		SkipDiskCheck:   envBool("SKIP_DISK_CHECK", false),
		ReadOnly:        envBool("READ_ONLY", false),

		// Group commit
		BatchLimit:    envInt("BATCH_LIMIT", 0),
		BatchMinSleep: envDuration("BATCH_MIN_SLEEP", storage.DefaultBatchSleep),
		BatchMaxSleep: envDuration("BATCH_MAX_SLEEP", storage.DefaultBatchSleep),

		// Maintenance
		CheckpointInterval:    envDuration("CHECKPOINT_INTERVAL", storage.DefaultCheckpointInterval),
		CompactionInterval:    envDuration("COMPACTION_INTERVAL", storage.DefaultCompactionInterval),
		CompactionTime:        env("COMPACTION_TIME", storage.DefaultCompactionTime),
		TricklePercent:        envInt("TRICKLE_PERCENT", storage.DefaultTricklePercent),
		DeadlockPolicy:        env("DEADLOCK_POLICY", engine.DeadlockYoungest.String()),
		LockMonitoring:        envBool("LOCK_MONITORING", true),
		LockThreshold:         envInt("LOCK_THRESHOLD", storage.DefaultLockThreshold),
		LockPause:             envDuration("LOCK_PAUSE", storage.DefaultLockPause),
		ThreadShutdownTimeout: envDuration("THREAD_SHUTDOWN_TIMEOUT", storage.DefaultThreadShutdownTimeout),
		TxnRetries:            envUint64("TXN_RETRIES", 5),

		// Jobs
		RetainedJobs: envInt("RETAINED_JOBS", 64),

		// Security settings
		APIKey:         env("API_KEY", ""),
		EnableAuth:     envBool("ENABLE_AUTH", false),
		AllowedOrigins: envStringSlice("ALLOWED_ORIGINS", []string{"*"}),
		AllowedIPs:     envStringSlice("ALLOWED_IPS", []string{}), // Empty means no IP restrictions

		// Request processing
		RequestTimeout:  envDuration("REQUEST_TIMEOUT", 30*time.Second),
		ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 60*time.Second),

		// Rate limiting settings
		ThrottleLimit:          envInt("THROTTLE_LIMIT", 64),
		ThrottleBacklogLimit:   envInt("THROTTLE_BACKLOG_LIMIT", 16),
		ThrottleBacklogTimeout: envDuration("THROTTLE_BACKLOG_TIMEOUT", 30*time.Second),
		EchoRateLimit:          envFloat64("ECHO_RATE_LIMIT", 20),
		EchoBurstLimit:         envInt("ECHO_BURST_LIMIT", 40),
		EchoRateLimitExpiresIn: envDuration("ECHO_RATE_LIMIT_EXPIRES_IN", 3*time.Minute),

		// Compression settings
		EnableCompression: envBool("ENABLE_COMPRESSION", true),
		CompressionLevel:  envInt("COMPRESSION_LEVEL", 5),

		// Logging settings
		LogProfile:              env("LOG_PROFILE", "balanced"),
		LogLevel:                env("LOG_LEVEL", ""),
		EnableRequestLogging:    envBool("ENABLE_REQUEST_LOGGING", false),
		EnableManagementLogging: envBool("ENABLE_MANAGEMENT_LOGGING", true),
	}

	return config
}

// NewValidator returns a validator with the directory-specific rules registered:
// hhmm (wall-clock time of day), deadlock_policy, instance_name and duration (a
// non-negative time.ParseDuration string)
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d >= 0
	})
	v.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
		_, err := storage.ParseTimeOfDay(fl.Field().String())
		return err == nil
	})
	v.RegisterValidation("deadlock_policy", func(fl validator.FieldLevel) bool {
		_, err := engine.ParseDeadlockPolicy(fl.Field().String())
		return err == nil
	})
	v.RegisterValidation("instance_name", func(fl validator.FieldLevel) bool {
		name := fl.Field().String()
		return name != storage.ConfigBackupDir && !strings.ContainsAny(name, `/\`) && name != "." && name != ".."
	})
	return v
}

// Validate checks every field against its rules and returns all violations at once
func (cfg *Config) Validate() error {
	err := NewValidator().Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// ValidateCacheSize rejects a cache change from current to requested bytes that the sizing
// advisor would not accept as is
func ValidateCacheSize(current, requested uint64, memInfo func() (*storage.MemInfo, error)) error {
	mem, err := memInfo()
	if err != nil {
		mem = nil
	}
	check, accepted := storage.CheckCacheSize(current, requested, mem)
	switch check {
	case storage.CacheValid:
		return nil
	case storage.CacheReduced:
		return fmt.Errorf("cache size %d exceeds available memory, at most %d can be granted", requested, accepted)
	default:
		return fmt.Errorf("cannot validate cache size %d: %w", requested, errors.Join(storage.ErrMemInfo, err))
	}
}

// StorageOptions maps the configuration onto the storage layer options
func (cfg *Config) StorageOptions() storage.Options {
	opts := storage.DefaultOptions(cfg.HomeDir)
	opts.DataDir = cfg.DataDir
	opts.LogDir = cfg.LogDir
	for _, name := range cfg.Instances {
		opts.Instances = append(opts.Instances, storage.Instance{Name: name})
	}

	opts.CacheSize = cfg.CacheSize
	opts.NCache = cfg.NCache
	opts.Locks = cfg.Locks
	opts.TxMax = cfg.TxMax
	opts.LogBufSize = cfg.LogBufSize
	opts.LogFileSize = cfg.LogFileSize
	opts.PageSize = cfg.PageSize
	opts.ShmKey = cfg.ShmKey
	opts.LockTimeout = cfg.LockTimeout
	opts.PrivateMem = cfg.PrivateMem
	opts.SystemMem = cfg.SystemMem
	opts.Debug = cfg.EngineDebug

	opts.Transactions = cfg.Transactions
	opts.Locking = cfg.Locking
	opts.Durable = cfg.Durable
	opts.CircularLogging = cfg.CircularLogging
	opts.SkipDiskCheck = cfg.SkipDiskCheck
	if cfg.ReadOnly {
		opts.EngineFactory = engine.NewReadOnlyEngine
	}

	opts.BatchLimit = cfg.BatchLimit
	opts.BatchMinSleep = cfg.BatchMinSleep
	opts.BatchMaxSleep = cfg.BatchMaxSleep
	opts.CheckpointInterval = cfg.CheckpointInterval
	opts.CompactionInterval = cfg.CompactionInterval
	opts.CompactionTime = cfg.CompactionTime
	opts.TricklePercent = cfg.TricklePercent
	if policy, err := engine.ParseDeadlockPolicy(cfg.DeadlockPolicy); err == nil {
		opts.DeadlockPolicy = policy
	}
	opts.LockMonitoring = cfg.LockMonitoring
	opts.LockThreshold = cfg.LockThreshold
	opts.LockPause = cfg.LockPause
	opts.ThreadShutdownTimeout = cfg.ThreadShutdownTimeout
	opts.TxnRetries = cfg.TxnRetries
	return opts
}

// DisplayConfiguration shows the current configuration
func (cfg *Config) DisplayConfiguration() {
	fmt.Println("⚙️  Configuration:")
	fmt.Printf("   Port: %s\n", cfg.Port)
	fmt.Printf("   Host: %s\n", cfg.Host)
	if cfg.EnableTLS {
		fmt.Printf("   TLS Port: %s\n", cfg.TLSPort)
		fmt.Printf("   TLS Cache Dir: %s\n", cfg.TLSCacheDir)
		if len(cfg.TLSHosts) > 0 {
			fmt.Printf("   TLS Hosts: %v\n", cfg.TLSHosts)
		} else {
			fmt.Printf("   TLS Hosts: Any (development mode)\n")
		}
		fmt.Printf("   HTTPS Only: %t\n", cfg.EnableHTTPSOnly)
	}
	fmt.Printf("   Home Directory: %s\n", cfg.HomeDir)
	if cfg.DataDir != "" {
		fmt.Printf("   Data Directory: %s\n", cfg.DataDir)
	}
	if cfg.LogDir != "" {
		fmt.Printf("   Log Directory: %s\n", cfg.LogDir)
	}
	fmt.Printf("   Backup Directory: %s\n", cfg.BackupDir)
	fmt.Printf("   Instances: %v\n", cfg.Instances)
	fmt.Printf("   Log Profile: %s\n", cfg.LogProfile)

	fmt.Printf("\n💾 Engine:\n")
	fmt.Printf("   Cache Size: %d bytes (%.1f MB)\n", cfg.CacheSize, float64(cfg.CacheSize)/(1024*1024))
	if cfg.NCache > 0 {
		fmt.Printf("   Cache Segments: %d\n", cfg.NCache)
	}
	fmt.Printf("   Locks: %d\n", cfg.Locks)
	fmt.Printf("   Max Transactions: %d\n", cfg.TxMax)
	fmt.Printf("   Transactions: %t (durable: %t)\n", cfg.Transactions, cfg.Durable)
	fmt.Printf("   Circular Logging: %t\n", cfg.CircularLogging)
	if cfg.ReadOnly {
		fmt.Printf("   Read Only: true\n")
	}

	fmt.Printf("\n🔁 Group Commit:\n")
	if cfg.BatchLimit > 0 {
		fmt.Printf("   Batch Limit: %d\n", cfg.BatchLimit)
		fmt.Printf("   Batch Sleep: %v - %v\n", cfg.BatchMinSleep, cfg.BatchMaxSleep)
	} else {
		fmt.Printf("   Batching: Disabled (every commit flushes)\n")
	}

	fmt.Printf("\n🧹 Maintenance:\n")
	fmt.Printf("   Checkpoint Interval: %v\n", cfg.CheckpointInterval)
	fmt.Printf("   Compaction: every %v at %s\n", cfg.CompactionInterval, cfg.CompactionTime)
	fmt.Printf("   Trickle: %d%%\n", cfg.TricklePercent)
	fmt.Printf("   Deadlock Policy: %s\n", cfg.DeadlockPolicy)
	if cfg.LockMonitoring {
		fmt.Printf("   Lock Monitor: threshold %d%%, pause %v\n", cfg.LockThreshold, cfg.LockPause)
	} else {
		fmt.Printf("   Lock Monitor: Disabled\n")
	}
	fmt.Printf("   Thread Shutdown Timeout: %v\n", cfg.ThreadShutdownTimeout)

	fmt.Printf("\n🔐 Security & Authentication:\n")
	if cfg.EnableAuth {
		fmt.Printf("   API Authentication: Enabled\n")
	} else {
		fmt.Printf("   API Authentication: Disabled\n")
	}
	fmt.Printf("   Allowed Origins: %v\n", cfg.AllowedOrigins)
	if len(cfg.AllowedIPs) > 0 {
		fmt.Printf("   IP Allowlist: %v\n", cfg.AllowedIPs)
	} else {
		fmt.Printf("   IP Allowlist: All IPs allowed\n")
	}

	fmt.Printf("\n⚡ Rate Limiting:\n")
	fmt.Printf("   Request Timeout: %v\n", cfg.RequestTimeout)
	fmt.Printf("   Shutdown Timeout: %v\n", cfg.ShutdownTimeout)
	fmt.Printf("   Throttle Limit: %d concurrent requests\n", cfg.ThrottleLimit)
	fmt.Printf("   Throttle Backlog: %d queued requests\n", cfg.ThrottleBacklogLimit)
	fmt.Println()
}

// Helper functions to get environment variables with defaults

func env(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func envInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func envInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func envUint64(key string, defaultValue uint64) uint64 {
	if value, exists := os.LookupEnv(key); exists {
		if uintValue, err := strconv.ParseUint(value, 10, 64); err == nil {
			return uintValue
		}
	}
	return defaultValue
}

func envBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func envDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func envStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists {
		if value == "" {
			return defaultValue
		}
		// Parse comma-separated values
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

func envFloat64(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
