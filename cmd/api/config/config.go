package config

import (
	"os"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
)

type Config struct {
	Port       string
	PublicHost string
	LogLevel   string

	DatabaseURL  string
	RedisURL     string
	SnapshotsDir string
	RunDir       string
	ProfilesFile string

	JwtSecret string

	MaxInstallerSize string
	ScratchDiskGB    int

	StopGraceSeconds  int
	UserScanLimit     int
	BackupDeadlineSec int

	WatchdogLeader        bool
	WatchdogIntervalSec   int
	WatchdogSustainSec    int
	WatchdogCPUPercent    float64
	WatchdogMemPercent    float64
	WatchdogDiskMounts    string
	WatchdogDiskMinFreeGB int
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() *Config {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	return &Config{
		Port:       getEnv("PORT", "8080"),
		PublicHost: getEnv("PUBLIC_HOST", "localhost"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		DatabaseURL:  getEnv("DATABASE_URL", ""),
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379/0"),
		SnapshotsDir: getEnv("SNAPSHOTS_DIR", "/var/lib/parlor/snapshots"),
		RunDir:       getEnv("RUN_DIR", "/tmp/qemu"),
		ProfilesFile: getEnv("PROFILES_FILE", ""),

		JwtSecret: getEnv("SECRET_KEY", ""),

		MaxInstallerSize: getEnv("MAX_INSTALLER_BYTES", "5GB"),
		ScratchDiskGB:    getEnvInt("SCRATCH_DISK_GB", 0),

		StopGraceSeconds:  getEnvInt("STOP_GRACE_SECONDS", 5),
		UserScanLimit:     getEnvInt("USER_SCAN_LIMIT", 6),
		BackupDeadlineSec: getEnvInt("BACKUP_DEADLINE_SECONDS", 300),

		WatchdogLeader:        getEnvBool("WATCHDOG_LEADER", true),
		WatchdogIntervalSec:   getEnvInt("WATCHDOG_INTERVAL_SECONDS", 15),
		WatchdogSustainSec:    getEnvInt("WATCHDOG_SUSTAIN_SECONDS", 120),
		WatchdogCPUPercent:    getEnvFloat("WATCHDOG_CPU_PERCENT", 90),
		WatchdogMemPercent:    getEnvFloat("WATCHDOG_MEM_PERCENT", 90),
		WatchdogDiskMounts:    getEnv("WATCHDOG_DISK_MOUNTS", "/"),
		WatchdogDiskMinFreeGB: getEnvInt("WATCHDOG_DISK_MIN_FREE_GB", 5),
	}
}

// MaxInstallerBytes parses the configured upload cap.
func (c *Config) MaxInstallerBytes() (int64, error) {
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(c.MaxInstallerSize)); err != nil {
		return 0, err
	}
	return int64(size.Bytes()), nil
}

// StopGrace returns the shutdown grace period.
func (c *Config) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
