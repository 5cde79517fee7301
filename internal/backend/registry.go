package backend

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/hitoshi/xmppaccount/internal/config"
)

// バックエンド名
const (
	NameEjabberdAPI = "ejabberd_api"
	NameEjabberdctl = "ejabberdctl"
	NameMemory      = "memory"
)

// Deps はバックエンド生成時に注入する依存。
type Deps struct {
	Policy     ReservePolicy
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Factory は設定からバックエンドを生成する。
type Factory func(cfg config.BackendConfig, deps Deps) (Backend, error)

// Registry はバックエンド名と生成関数の対応表。
// 起動時に1回だけ解決し、未知の名前は起動エラーとする。
type Registry struct {
	factories map[string]Factory
}

// NewRegistry は組み込みの実装を登録済みのRegistryを生成する。
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(NameEjabberdAPI, func(cfg config.BackendConfig, deps Deps) (Backend, error) {
		api, err := NewEjabberdAPI(cfg.URL, cfg.User, cfg.Password, cfg.Timeout, cfg.RateLimit, deps.Policy, deps.HTTPClient, deps.Logger)
		if err != nil {
			return nil, err
		}
		return api, nil
	})
	r.Register(NameEjabberdctl, func(cfg config.BackendConfig, deps Deps) (Backend, error) {
		return NewEjabberdctl(cfg.CtlPath, cfg.Timeout, deps.Policy, deps.Logger), nil
	})
	r.Register(NameMemory, func(_ config.BackendConfig, deps Deps) (Backend, error) {
		return NewMemory(deps.Policy), nil
	})
	return r
}

// Register は生成関数を登録する。同名の登録は上書きする。
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Names は登録済みのバックエンド名をソートして返す。
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Open は設定名に対応するバックエンドを生成する。
func (r *Registry) Open(cfg config.BackendConfig, deps Deps) (Backend, error) {
	f, ok := r.factories[cfg.Name]
	if !ok {
		return nil, fmt.Errorf("未知のバックエンドです: %q (利用可能: %v)", cfg.Name, r.Names())
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	b, err := f(cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("バックエンド %s の初期化に失敗しました: %w", cfg.Name, err)
	}
	return b, nil
}

// Open は組み込みのRegistryでバックエンドを生成する。
func Open(cfg config.BackendConfig, deps Deps) (Backend, error) {
	return NewRegistry().Open(cfg, deps)
}
