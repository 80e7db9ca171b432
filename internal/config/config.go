package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/joho/godotenv"
)

// KeyEnv holds the master key that encrypts dataset DSNs.
const KeyEnv = "DPLEDGER_KEY"

type Config struct {
	Port                int
	MasterKey           string
	DBPath              string
	LogDir              string
	LogLevel            string
	PolicyFile          string
	PolicyWatch         bool
	DatasetSource       string
	DefaultTotalEpsilon float64
	LedgerLockTimeout   time.Duration
	DatasetTimeout      time.Duration
	RateLimitRPM        float64
	RateLimitBurst      int
	AuditRetryInterval  time.Duration

	// KeyGenerated is set when MasterKey was created during Load.
	KeyGenerated bool
}

// Load reads .env (if present) and the environment. A missing or short
// master key is replaced with a new one, which is saved to .env.
func Load() (*Config, error) {
	// Try loading .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		DBPath:        envString("DPLEDGER_DB", "dpledger.db"),
		LogDir:        envString("LOG_DIR", "logs"),
		LogLevel:      envString("LOG_LEVEL", "info"),
		PolicyFile:    os.Getenv("POLICY_FILE"),
		DatasetSource: envString("DATASET_SOURCE", "patients"),
	}

	var errs []error
	cfg.Port = envInt("PORT", 8080, &errs)
	cfg.PolicyWatch = envBool("POLICY_WATCH", true, &errs)
	cfg.DefaultTotalEpsilon = envFloat("DEFAULT_TOTAL_EPSILON", 10.0, &errs)
	cfg.LedgerLockTimeout = envDuration("LEDGER_LOCK_TIMEOUT", 2*time.Second, &errs)
	cfg.DatasetTimeout = envDuration("DATASET_TIMEOUT", 30*time.Second, &errs)
	cfg.RateLimitRPM = envFloat("HTTP_RATE_LIMIT_RPM", 120, &errs)
	cfg.RateLimitBurst = envInt("HTTP_RATE_LIMIT_BURST", 20, &errs)
	cfg.AuditRetryInterval = envDuration("AUDIT_RETRY_INTERVAL", 500*time.Millisecond, &errs)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	key := os.Getenv(KeyEnv)
	if len(key) < 32 {
		newKey, err := generateRandomKey(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
		if err := saveEnvValue(".env", KeyEnv, newKey); err != nil {
			return nil, fmt.Errorf("save generated %s to .env: %w", KeyEnv, err)
		}
		key = newKey
		cfg.KeyGenerated = true
	}
	cfg.MasterKey = key

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port))
	}
	if !(c.DefaultTotalEpsilon > 0) {
		errs = append(errs, errors.New("DEFAULT_TOTAL_EPSILON must be positive"))
	}
	if c.LedgerLockTimeout <= 0 {
		errs = append(errs, errors.New("LEDGER_LOCK_TIMEOUT must be positive"))
	}
	if c.DatasetTimeout <= 0 {
		errs = append(errs, errors.New("DATASET_TIMEOUT must be positive"))
	}
	if c.AuditRetryInterval <= 0 {
		errs = append(errs, errors.New("AUDIT_RETRY_INTERVAL must be positive"))
	}
	if !(c.RateLimitRPM > 0) || c.RateLimitBurst < 1 {
		errs = append(errs, errors.New("HTTP_RATE_LIMIT_RPM and HTTP_RATE_LIMIT_BURST must be positive"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DPLEDGER_DB must not be empty"))
	}
	return errors.Join(errs...)
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envString(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not an integer", name, v))
		return def
	}
	return n
}

func envFloat(name string, def float64, errs *[]error) float64 {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not a number", name, v))
		return def
	}
	return f
}

func envBool(name string, def bool, errs *[]error) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not a boolean", name, v))
		return def
	}
	return b
}

func envDuration(name string, def time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not a duration", name, v))
		return def
	}
	return d
}

func generateRandomKey(length int) (string, error) {
	b := make([]byte, length)
	_, err := rand.Read(b)
	if err != nil {
		return "", err
	}
	// Return base64 encoded string to ensure it's printable and handles bytes correctly
	return base64.StdEncoding.EncodeToString(b), nil
}

// saveEnvValue sets name=value in filename, creating the file if needed.
// Files saved as UTF-16LE by Windows editors are rewritten as UTF-8.
func saveEnvValue(filename, name, value string) error {
	content, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return os.WriteFile(filename, []byte(fmt.Sprintf("%s=%s\n", name, value)), 0600)
	} else if err != nil {
		return err
	}

	lines := strings.Split(decodeEnvFile(content), "\n")
	found := false
	newLines := []string{}
	for _, line := range lines {
		trimmed := strings.ReplaceAll(strings.TrimSpace(line), "\x00", "")
		if strings.HasPrefix(trimmed, name+"=") {
			newLines = append(newLines, fmt.Sprintf("%s=%s", name, value))
			found = true
			continue
		}
		if trimmed != "" {
			newLines = append(newLines, trimmed)
		}
	}
	if !found {
		newLines = append(newLines, fmt.Sprintf("%s=%s", name, value))
	}

	return os.WriteFile(filename, []byte(strings.Join(newLines, "\n")+"\n"), 0600)
}

func decodeEnvFile(content []byte) string {
	hasBOM := len(content) >= 2 && content[0] == 0xff && content[1] == 0xfe

	// UTF-16LE without BOM shows up as a high share of null bytes.
	nullCount := 0
	if !hasBOM && len(content) > 10 {
		for _, b := range content {
			if b == 0 {
				nullCount++
			}
		}
	}
	isImplicitUTF16 := !hasBOM && len(content) > 0 && (float64(nullCount)/float64(len(content)) > 0.3)
	if !hasBOM && !isImplicitUTF16 {
		return string(content)
	}

	start := 0
	if hasBOM {
		start = 2
	}
	data := content[start:]
	if len(data)%2 != 0 {
		data = data[:len(data)-1]
	}
	u16s := make([]uint16, len(data)/2)
	for i := range u16s {
		u16s[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	return string(utf16.Decode(u16s))
}
