package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/xmppaccount/internal/config"
	"github.com/hitoshi/xmppaccount/internal/database"
	"github.com/hitoshi/xmppaccount/internal/handler"
	"github.com/hitoshi/xmppaccount/internal/jid"
	"github.com/hitoshi/xmppaccount/internal/logger"
	"github.com/hitoshi/xmppaccount/internal/middleware"
	workerdispatch "github.com/hitoshi/xmppaccount/internal/worker/dispatch"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("store", cfg.Store),
		slog.String("backend", cfg.Backend.Name),
		slog.String("dispatch", cfg.Dispatch),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandCleanup:
		return runCleanup(cfg)
	case CommandSync:
		return runSync(cfg, commandArgs(args))
	case CommandGenkey:
		return runGenkey(cfg, commandArgs(args))
	case CommandNotifyUnconfirmed:
		return runNotifyUnconfirmed(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	c, err := build(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:            c.logger,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Metrics:           c.metrics,
		MetricsGatherer:   c.registry,
		AccountService:    c.service,
	}
	if c.db != nil {
		deps.HealthChecker = c.db
	}
	if cfg.CSRFProtection {
		deps.CSRF = &middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		}
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // 同期送信時はGPG処理とSMTP送信を待つ
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DISPATCH=queueの場合は通知タスクのランナーを起動し、
// クリーンアップジョブをCLEANUP_SCHEDULEに従って実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, cancel := signalContext()
	defer cancel()

	c, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	slog.Info("worker starting",
		slog.String("cleanup_schedule", cfg.CleanupSchedule),
		slog.Duration("dispatch_interval", cfg.DispatchInterval),
		slog.Int("max_concurrent", cfg.DispatchMaxConcurrent),
	)

	done := make(chan struct{})
	if cfg.Dispatch == "queue" {
		runner := workerdispatch.NewRunner(
			c.tasks, c.notifier, c.metrics, c.logger,
			cfg.DispatchMaxConcurrent, cfg.DispatchMaxAttempts,
		)
		go func() {
			defer close(done)
			runner.Start(ctx, cfg.DispatchInterval)
		}()
	} else {
		close(done)
	}

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	err = c.cleanupJob().Schedule(ctx, cfg.CleanupSchedule)
	cancel()
	<-done
	if err != nil {
		return err
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.Store != "postgres" {
		return fmt.Errorf("migrate requires STORE=postgres")
	}
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runCleanup はクリーンアップジョブを1回実行する。
func runCleanup(cfg *config.Config) error {
	ctx, cancel := signalContext()
	defer cancel()

	c, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	return c.cleanupJob().Run(ctx)
}

// runSync はバックエンドにだけ存在するアカウントを取り込む。
// 引数でドメインを指定しない場合は全ドメインが対象。
func runSync(cfg *config.Config, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	c, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	var domain string
	if len(args) > 0 {
		domain = args[0]
	}
	n, err := c.service.Sync(ctx, domain)
	if err != nil {
		return fmt.Errorf("sync failed after importing %d accounts: %w", n, err)
	}
	slog.Info("sync completed", slog.Int("imported", n))
	return nil
}

// runNotifyUnconfirmed はメールアドレス未設定のアカウントに設定を促すメッセージを送る。
func runNotifyUnconfirmed(cfg *config.Config) error {
	ctx, cancel := signalContext()
	defer cancel()

	c, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	n, err := c.service.NotifyUnconfirmed(ctx)
	if err != nil {
		return fmt.Errorf("notify-unconfirmed failed after %d messages: %w", n, err)
	}
	slog.Info("notify-unconfirmed completed", slog.Int("sent", n))
	return nil
}

// runGenkey はドメインの送信元アドレスでサイト署名鍵を生成し、フィンガープリントを標準出力に書く。
// 出力されたフィンガープリントをXMPP_HOSTSのgpg_fingerprintに設定する。
func runGenkey(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: genkey <domain>")
	}
	if !cfg.CryptoEnabled() {
		return fmt.Errorf("genkey requires GNUPG_HOME")
	}
	domain, err := jid.NormalizeDomain(args[0])
	if err != nil {
		return fmt.Errorf("invalid domain %q: %w", args[0], err)
	}
	host, ok := cfg.Hosts.Lookup(domain)
	if !ok {
		return fmt.Errorf("domain %s is not configured in XMPP_HOSTS", domain)
	}
	email := host.FromEmail
	if email == "" {
		email = cfg.DefaultFromEmail
	}
	if email == "" {
		return fmt.Errorf("no from address for %s: set from_email or DEFAULT_FROM_EMAIL", domain)
	}

	ctx, cancel := signalContext()
	defer cancel()

	c, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	fpr, err := c.keyring.GenerateSigningKey(ctx, domain, email, 0)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, fpr)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// signalContext はSIGINTまたはSIGTERMでキャンセルされるコンテキストを返す。
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	u.RawQuery = ""
	return u.String()
}
