package config

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hitoshi/xmppaccount/internal/jid"
)

// Host はドメインごとのポリシー設定。
type Host struct {
	Domain         string `json:"-"`
	Reserve        bool   `json:"reserve"`      // 確認完了までユーザー名を予約する
	Manage         bool   `json:"manage"`       // パスワード変更・削除等の管理操作を許可する
	Registration   bool   `json:"registration"` // Webからの新規登録を許可する
	GPGFingerprint string `json:"gpg_fingerprint"`
	ForceSigning   bool   `json:"force_gpg_signing"`
	FromEmail      string `json:"from_email"`
	ContactURL     string `json:"contact_url"`
}

// Hosts はドメイン名をキーとするポリシーの集合。
type Hosts struct {
	byDomain map[string]Host
}

// ParseHosts はXMPP_HOSTSのJSONを読み込む。
// ドメイン名はIDNAで正規化される。
func ParseHosts(raw string) (*Hosts, error) {
	var decoded map[string]Host
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode hosts: %w", err)
	}
	if len(decoded) == 0 {
		return nil, fmt.Errorf("no hosts configured")
	}
	h := &Hosts{byDomain: make(map[string]Host, len(decoded))}
	for domain, host := range decoded {
		normalized, err := jid.NormalizeDomain(domain)
		if err != nil {
			return nil, fmt.Errorf("invalid domain %q: %w", domain, err)
		}
		host.Domain = normalized
		h.byDomain[normalized] = host
	}
	return h, nil
}

// NewHosts はテストや組み込み用途のためにHostのリストからHostsを生成する。
func NewHosts(hosts ...Host) *Hosts {
	h := &Hosts{byDomain: make(map[string]Host, len(hosts))}
	for _, host := range hosts {
		h.byDomain[host.Domain] = host
	}
	return h
}

// Lookup はドメインのポリシーを返す。
func (h *Hosts) Lookup(domain string) (Host, bool) {
	host, ok := h.byDomain[domain]
	return host, ok
}

// Domains は設定済みドメインをソートして返す。
func (h *Hosts) Domains() []string {
	domains := make([]string, 0, len(h.byDomain))
	for d := range h.byDomain {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains
}

// Reserves はドメインが二段階作成（予約）ポリシーを持つかを返す。
func (h *Hosts) Reserves(domain string) bool {
	host, ok := h.byDomain[domain]
	return ok && host.Reserve
}
