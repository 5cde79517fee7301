package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Store
	Store       string // postgres | memory
	DatabaseURL string

	// Server
	ServerPort string
	BaseURL    string

	// HTTP
	CORSAllowedOrigin string // 空の場合はCORSヘッダーを返さない
	CSRFProtection    bool
	CookieSecure      bool // BASE_URLがhttpsの場合にtrue
	CookieDomain      string

	// Confirmation
	ConfirmationSecret string
	ConfirmationTTL    time.Duration
	ActivityRetention  time.Duration

	// Hosts はドメインごとのポリシー
	Hosts *Hosts

	// Backend
	Backend BackendConfig

	// GPG
	GnupgHome       string // 空の場合は暗号化サブシステムを無効にする
	GPGKeyserver    string
	GPGPassphrase   string
	ForceGPGSigning bool
	LockBackend     string // file | postgres
	LockTimeout     time.Duration

	// Email
	EmailBackend     string // smtp | log
	SMTPAddr         string
	SMTPUsername     string
	SMTPPassword     string
	DefaultFromEmail string

	// Dispatch
	Dispatch              string // inline | queue
	DispatchInterval      time.Duration
	DispatchMaxConcurrent int
	DispatchMaxAttempts   int

	// Cleanup
	CleanupSchedule string

	// Welcome message
	WelcomeSubject string
	WelcomeMessage string

	// notify-unconfirmedで送る催促メッセージ
	ReminderSubject string
	ReminderMessage string
}

// BackendConfig はXMPPサーバーバックエンドへの接続パラメータ。
// 起動時に1回だけバックエンド実装へ解決される。
type BackendConfig struct {
	Name      string // ejabberd_api | ejabberdctl | memory
	URL       string
	User      string
	Password  string
	CtlPath   string
	Timeout   time.Duration
	RateLimit float64 // 1秒あたりのリクエスト数。0は無制限
}

// 許容される列挙値
var (
	validStores        = []string{"postgres", "memory"}
	validLockBackends  = []string{"file", "postgres"}
	validEmailBackends = []string{"smtp", "log"}
	validDispatch      = []string{"inline", "queue"}
)

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.Store = getEnvString("STORE", "postgres")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" && cfg.Store != "memory" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.ConfirmationSecret = os.Getenv("CONFIRMATION_SECRET")
	if cfg.ConfirmationSecret == "" {
		missing = append(missing, "CONFIRMATION_SECRET")
	}

	rawHosts := os.Getenv("XMPP_HOSTS")
	if rawHosts == "" {
		missing = append(missing, "XMPP_HOSTS")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	hosts, err := ParseHosts(rawHosts)
	if err != nil {
		return nil, fmt.Errorf("invalid XMPP_HOSTS: %w", err)
	}
	cfg.Hosts = hosts

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")
	cfg.CSRFProtection = getEnvBool("CSRF_PROTECTION", true)
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.ConfirmationTTL = getEnvDuration("CONFIRMATION_TTL", 48*time.Hour)
	cfg.ActivityRetention = getEnvDuration("ACTIVITY_RETENTION", 744*time.Hour)

	cfg.Backend = BackendConfig{
		Name:      getEnvString("BACKEND", "memory"),
		URL:       strings.TrimRight(getEnvString("BACKEND_URL", ""), "/"),
		User:      getEnvString("BACKEND_USER", ""),
		Password:  getEnvString("BACKEND_PASSWORD", ""),
		CtlPath:   getEnvString("BACKEND_CTL_PATH", "/usr/sbin/ejabberdctl"),
		Timeout:   getEnvDuration("BACKEND_TIMEOUT", 10*time.Second),
		RateLimit: getEnvFloat("BACKEND_RATE_LIMIT", 0),
	}

	cfg.GnupgHome = getEnvString("GNUPG_HOME", "")
	cfg.GPGKeyserver = getEnvString("GPG_KEYSERVER", "https://keys.openpgp.org")
	cfg.GPGPassphrase = getEnvString("GPG_PASSPHRASE", "")
	cfg.ForceGPGSigning = getEnvBool("FORCE_GPG_SIGNING", false)
	cfg.LockBackend = getEnvString("LOCK_BACKEND", "file")
	cfg.LockTimeout = getEnvDuration("LOCK_TIMEOUT", 120*time.Second)

	cfg.EmailBackend = getEnvString("EMAIL_BACKEND", "log")
	cfg.SMTPAddr = getEnvString("SMTP_ADDR", "localhost:25")
	cfg.SMTPUsername = getEnvString("SMTP_USERNAME", "")
	cfg.SMTPPassword = getEnvString("SMTP_PASSWORD", "")
	cfg.DefaultFromEmail = getEnvString("DEFAULT_FROM_EMAIL", "")

	cfg.Dispatch = getEnvString("DISPATCH", "inline")
	cfg.DispatchInterval = getEnvDuration("DISPATCH_INTERVAL", 10*time.Second)
	cfg.DispatchMaxConcurrent = getEnvInt("DISPATCH_MAX_CONCURRENT", 4)
	cfg.DispatchMaxAttempts = getEnvInt("DISPATCH_MAX_ATTEMPTS", 8)

	cfg.CleanupSchedule = getEnvString("CLEANUP_SCHEDULE", "@daily")

	cfg.WelcomeSubject = getEnvString("WELCOME_SUBJECT", "")
	cfg.WelcomeMessage = getEnvString("WELCOME_MESSAGE", "")
	cfg.ReminderSubject = getEnvString("REMINDER_SUBJECT", "Please set your email address at {base_url}")
	cfg.ReminderMessage = getEnvString("REMINDER_MESSAGE",
		"Hello {node}, your account {jid} has no confirmed email address. "+
			"Set one at {base_url}/ so that you can reset your password if you ever forget it.")

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate は列挙値の設定を検証する。
func (c *Config) validate() error {
	checks := []struct {
		key   string
		value string
		valid []string
	}{
		{"STORE", c.Store, validStores},
		{"LOCK_BACKEND", c.LockBackend, validLockBackends},
		{"EMAIL_BACKEND", c.EmailBackend, validEmailBackends},
		{"DISPATCH", c.Dispatch, validDispatch},
	}
	for _, ch := range checks {
		if !contains(ch.valid, ch.value) {
			return fmt.Errorf("invalid %s %q: must be one of %v", ch.key, ch.value, ch.valid)
		}
	}
	if c.Store == "memory" {
		if c.LockBackend == "postgres" {
			return fmt.Errorf("LOCK_BACKEND=postgres requires STORE=postgres")
		}
		if c.Dispatch == "queue" {
			return fmt.Errorf("DISPATCH=queue requires STORE=postgres")
		}
	}
	if c.DispatchMaxConcurrent < 1 {
		return fmt.Errorf("DISPATCH_MAX_CONCURRENT must be positive: %d", c.DispatchMaxConcurrent)
	}
	return nil
}

// CryptoEnabled はGPGサブシステムが設定されているかを返す。
func (c *Config) CryptoEnabled() bool {
	return c.GnupgHome != ""
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
