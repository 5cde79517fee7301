package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/xmppaccount/internal/account"
	"github.com/hitoshi/xmppaccount/internal/backend"
	"github.com/hitoshi/xmppaccount/internal/config"
	"github.com/hitoshi/xmppaccount/internal/confirm"
	"github.com/hitoshi/xmppaccount/internal/database"
	"github.com/hitoshi/xmppaccount/internal/dispatch"
	"github.com/hitoshi/xmppaccount/internal/gpg"
	"github.com/hitoshi/xmppaccount/internal/lock"
	"github.com/hitoshi/xmppaccount/internal/mail"
	"github.com/hitoshi/xmppaccount/internal/metrics"
	"github.com/hitoshi/xmppaccount/internal/notify"
	"github.com/hitoshi/xmppaccount/internal/repository"
	"github.com/hitoshi/xmppaccount/internal/security"
	"github.com/hitoshi/xmppaccount/internal/worker/cleanup"
)

// keyserverTimeout は鍵サーバーへの1リクエストのタイムアウト。
const keyserverTimeout = 15 * time.Second

// components は設定から組み立てた依存関係一式。
type components struct {
	cfg    *config.Config
	logger *slog.Logger

	db       *sql.DB // STORE=memoryの場合はnil
	registry *prometheus.Registry
	metrics  *metrics.Collector

	accounts      repository.AccountRepository
	confirmations repository.ConfirmationRepository
	activities    repository.ActivityRepository
	tasks         repository.TaskRepository // STORE=memoryの場合はnil

	backend  *backend.Client
	keyring  *gpg.Keyring // GNUPG_HOMEが未設定の場合はnil
	store    *confirm.Store
	notifier *notify.Notifier
	service  *account.Service
}

// Close はDB接続を閉じる。
func (c *components) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// build はcfgから全コンポーネントを組み立てる。
func build(ctx context.Context, cfg *config.Config) (*components, error) {
	c := &components{
		cfg:      cfg,
		logger:   slog.Default(),
		registry: prometheus.NewRegistry(),
	}
	c.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.metrics = metrics.NewCollector(c.registry)

	// 1. ストア
	if err := c.openStore(ctx); err != nil {
		return nil, err
	}

	// 2. XMPPバックエンド
	b, err := backend.Open(cfg.Backend, backend.Deps{Policy: cfg.Hosts, Logger: c.logger})
	if err != nil {
		c.Close()
		return nil, err
	}
	c.backend = backend.NewClient(b, c.logger, c.metrics)

	// 3. GPG
	var keys mail.KeyFetcher
	if cfg.CryptoEnabled() {
		locker, err := c.locker()
		if err != nil {
			c.Close()
			return nil, err
		}
		c.keyring = gpg.NewKeyring(cfg.GnupgHome, locker, cfg.LockTimeout, cfg.GPGPassphrase, c.metrics, c.logger)

		if cfg.GPGKeyserver != "" {
			// 鍵サーバーは設定値だが、取得する鍵は利用者の入力で決まるため内部アドレスへの接続を禁止する
			guard := security.NewSSRFGuard()
			if err := guard.ValidateURL(cfg.GPGKeyserver); err != nil {
				c.Close()
				return nil, fmt.Errorf("invalid GPG_KEYSERVER: %w", err)
			}
			keys = gpg.NewKeyserver(cfg.GPGKeyserver, guard.NewSafeClient(keyserverTimeout), c.logger)
		}
	}

	// 4. 確認トークン
	c.store = confirm.NewStore(c.confirmations, cfg.ConfirmationSecret, cfg.ConfirmationTTL, c.metrics, c.logger)

	// 5. メール
	renderer, err := notify.NewRenderer(security.NewContentSanitizer())
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to load mail templates: %w", err)
	}
	var sender mail.Sender = mail.NewLogSender(c.logger)
	if cfg.EmailBackend == "smtp" {
		sender = mail.NewSMTPSender(cfg.SMTPAddr, cfg.SMTPUsername, cfg.SMTPPassword, c.logger)
	}
	c.notifier = notify.NewNotifier(
		c.store, c.accounts, cfg.Hosts, renderer,
		mail.NewPipeline(c.keyring, keys, c.metrics, c.logger),
		sender,
		notify.Options{DefaultFrom: cfg.DefaultFromEmail, ForceSigning: cfg.ForceGPGSigning},
		notify.FormatTTL(cfg.ConfirmationTTL),
		c.metrics, c.logger,
	)

	// 6. 送信方式
	var dispatcher dispatch.Dispatcher = dispatch.NewInline(c.notifier)
	if cfg.Dispatch == "queue" {
		dispatcher = dispatch.NewQueue(c.tasks, c.logger)
	}

	// 7. ワークフロー
	c.service = account.NewService(
		c.accounts, c.activities, c.backend, c.store, dispatcher, cfg.Hosts,
		account.Options{
			BaseURL:         cfg.BaseURL,
			CryptoEnabled:   cfg.CryptoEnabled(),
			WelcomeSubject:  cfg.WelcomeSubject,
			WelcomeMessage:  cfg.WelcomeMessage,
			ReminderSubject: cfg.ReminderSubject,
			ReminderMessage: cfg.ReminderMessage,
		},
		c.logger,
	)

	return c, nil
}

func (c *components) openStore(ctx context.Context) error {
	if c.cfg.Store == "memory" {
		store := repository.NewMemoryStore()
		c.accounts = store.Accounts()
		c.confirmations = store.Confirmations()
		c.activities = store.Activities()
		c.logger.Warn("using in-memory store: data is lost on restart")
		return nil
	}

	db, err := database.Connect(ctx, c.cfg.DatabaseURL, 10*time.Second)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	c.db = db
	c.logger.Info("database connection established")

	c.accounts = repository.NewPostgresAccountRepo(db)
	c.confirmations = repository.NewPostgresConfirmationRepo(db)
	c.activities = repository.NewPostgresActivityRepo(db)
	c.tasks = repository.NewPostgresTaskRepo(db)
	return nil
}

func (c *components) locker() (lock.Locker, error) {
	switch c.cfg.LockBackend {
	case "postgres":
		if c.db == nil {
			return nil, fmt.Errorf("LOCK_BACKEND=postgres requires a database")
		}
		return lock.NewPostgresLocker(c.db), nil
	default:
		return lock.NewFileLocker(), nil
	}
}

// cleanupJob はクリーンアップジョブを組み立てる。
func (c *components) cleanupJob() *cleanup.CleanupJob {
	var tasks cleanup.FailedTaskPruner
	if c.tasks != nil {
		tasks = c.tasks
	}
	job := cleanup.NewCleanupJob(c.service, c.store, c.activities, tasks, c.logger)
	job.ActivityRetention = c.cfg.ActivityRetention
	return job
}
