package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/xmppaccount/internal/jid"
	"github.com/hitoshi/xmppaccount/internal/model"
)

// MemoryStore はDBを使わない開発・テスト用のインメモリストア。
// アカウント・確認トークン・アクティビティを1つのロックで保護し、
// アカウント削除時の関連レコード削除もここで行う。
type MemoryStore struct {
	mu            sync.Mutex
	accounts      map[string]*model.Account
	confirmations map[string]*model.Confirmation
	activities    map[string]*model.IPActivity
	redeemLocks   map[string]*refMutex // "accountID|purpose" -> 引き換え中のロック
}

// refMutex は待機者がいなくなった時点でマップから削除できるよう参照数を持つ。
type refMutex struct {
	sync.Mutex
	refs int
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:      make(map[string]*model.Account),
		confirmations: make(map[string]*model.Confirmation),
		activities:    make(map[string]*model.IPActivity),
		redeemLocks:   make(map[string]*refMutex),
	}
}

// Accounts はアカウントリポジトリとしてのビューを返す。
func (s *MemoryStore) Accounts() *MemoryAccountRepo { return &MemoryAccountRepo{s: s} }

// Confirmations は確認トークンリポジトリとしてのビューを返す。
func (s *MemoryStore) Confirmations() *MemoryConfirmationRepo { return &MemoryConfirmationRepo{s: s} }

// Activities はIPアクティビティリポジトリとしてのビューを返す。
func (s *MemoryStore) Activities() *MemoryActivityRepo { return &MemoryActivityRepo{s: s} }

func cloneAccount(a *model.Account) *model.Account {
	c := *a
	if a.ConfirmedAt != nil {
		t := *a.ConfirmedAt
		c.ConfirmedAt = &t
	}
	return &c
}

func cloneConfirmation(c *model.Confirmation) *model.Confirmation {
	cp := *c
	return &cp
}

// MemoryAccountRepo はMemoryStore上のAccountRepository実装。
type MemoryAccountRepo struct {
	s *MemoryStore
}

// FindByID は指定IDのアカウントを取得する。
func (r *MemoryAccountRepo) FindByID(_ context.Context, id string) (*model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if a, ok := r.s.accounts[id]; ok {
		return cloneAccount(a), nil
	}
	return nil, nil
}

// FindByJID はJIDでアカウントを検索する。
func (r *MemoryAccountRepo) FindByJID(_ context.Context, j jid.JID) (*model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accounts {
		if a.JID == j {
			return cloneAccount(a), nil
		}
	}
	return nil, nil
}

// Create はアカウントを作成する。
func (r *MemoryAccountRepo) Create(_ context.Context, account *model.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accounts {
		if a.JID == account.JID {
			return model.ErrUserExists
		}
	}
	r.s.accounts[account.ID] = cloneAccount(account)
	return nil
}

// Update はアカウントを更新する。
func (r *MemoryAccountRepo) Update(_ context.Context, account *model.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.accounts[account.ID]
	if !ok {
		return nil
	}
	updated := cloneAccount(account)
	updated.JID = existing.JID
	updated.RegisteredAt = existing.RegisteredAt
	r.s.accounts[account.ID] = updated
	return nil
}

// DeleteByID はアカウントと関連レコードを削除する。
func (r *MemoryAccountRepo) DeleteByID(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.accounts, id)
	for cid, c := range r.s.confirmations {
		if c.AccountID == id {
			delete(r.s.confirmations, cid)
		}
	}
	for aid, a := range r.s.activities {
		if a.AccountID == id {
			delete(r.s.activities, aid)
		}
	}
	return nil
}

// ListUnconfirmedBefore は期限切れの未確認Web登録アカウントを返す。
func (r *MemoryAccountRepo) ListUnconfirmedBefore(_ context.Context, before time.Time) ([]*model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var result []*model.Account
	for _, a := range r.s.accounts {
		if a.ConfirmedAt == nil && a.RegistrationMethod == model.RegistrationWebsite && a.RegisteredAt.Before(before) {
			result = append(result, cloneAccount(a))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RegisteredAt.Before(result[j].RegisteredAt) })
	return result, nil
}

// ListWithoutEmailBefore はメールアドレス未確認のWeb登録以外のアカウントを返す。
func (r *MemoryAccountRepo) ListWithoutEmailBefore(_ context.Context, before time.Time) ([]*model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var result []*model.Account
	for _, a := range r.s.accounts {
		if a.ConfirmedAt == nil && a.RegistrationMethod != model.RegistrationWebsite && a.RegisteredAt.Before(before) {
			result = append(result, cloneAccount(a))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RegisteredAt.Before(result[j].RegisteredAt) })
	return result, nil
}

// ListNodesByDomain はドメインに登録済みのノード名を返す。
func (r *MemoryAccountRepo) ListNodesByDomain(_ context.Context, domain string) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var nodes []string
	for _, a := range r.s.accounts {
		if a.JID.Domain == domain {
			nodes = append(nodes, a.JID.Node)
		}
	}
	sort.Strings(nodes)
	return nodes, nil
}

// MemoryConfirmationRepo はMemoryStore上のConfirmationRepository実装。
type MemoryConfirmationRepo struct {
	s *MemoryStore
}

// Create はトークンを保存する。
func (r *MemoryConfirmationRepo) Create(_ context.Context, c *model.Confirmation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.confirmations[c.ID] = cloneConfirmation(c)
	return nil
}

// FindByID は指定IDのトークンを取得する。
func (r *MemoryConfirmationRepo) FindByID(_ context.Context, id string) (*model.Confirmation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c, ok := r.s.confirmations[id]; ok {
		return cloneConfirmation(c), nil
	}
	return nil, nil
}

// FindValid は有効なトークンを返す。
func (r *MemoryConfirmationRepo) FindValid(_ context.Context, key string, purpose model.Purpose, createdAfter time.Time) (*model.Confirmation, error) {
	return r.find(key, purpose, createdAfter), nil
}

func (r *MemoryConfirmationRepo) findLocked(key string, purpose model.Purpose, createdAfter time.Time) *model.Confirmation {
	for _, c := range r.s.confirmations {
		if c.Key == key && c.Purpose == purpose && c.CreatedAt.After(createdAfter) {
			return c
		}
	}
	return nil
}

// lockRedeem は同じアカウント・purposeのトークンの引き換えを直列化し、解放関数を返す。
func (s *MemoryStore) lockRedeem(accountID string, purpose model.Purpose) func() {
	name := accountID + "|" + string(purpose)
	s.mu.Lock()
	l, ok := s.redeemLocks[name]
	if !ok {
		l = &refMutex{}
		s.redeemLocks[name] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.redeemLocks, name)
		}
		s.mu.Unlock()
	}
}

// find は有効なトークンの複製を返す。
func (r *MemoryConfirmationRepo) find(key string, purpose model.Purpose, createdAfter time.Time) *model.Confirmation {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c := r.findLocked(key, purpose, createdAfter); c != nil {
		return cloneConfirmation(c)
	}
	return nil
}

// Redeem は同じアカウント・purposeのロックを保持したままfnを実行し、成功時にそれらのトークンを削除する。
// fnの実行中はストア全体のロックを保持しないため、fnから他のリポジトリ操作を呼び出せる。
// 存在しないキーではロックを作らない。
func (r *MemoryConfirmationRepo) Redeem(_ context.Context, key string, purpose model.Purpose, createdAfter time.Time, fn func(c *model.Confirmation) error) error {
	c := r.find(key, purpose, createdAfter)
	if c == nil {
		return model.ErrConfirmationNotFound
	}

	unlock := r.s.lockRedeem(c.AccountID, c.Purpose)
	defer unlock()

	// 待機中に同じキーや兄弟トークンが引き換えられていれば消えている
	c = r.find(key, purpose, createdAfter)
	if c == nil {
		return model.ErrConfirmationNotFound
	}
	if err := fn(c); err != nil {
		return err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, other := range r.s.confirmations {
		if other.AccountID == c.AccountID && other.Purpose == c.Purpose {
			delete(r.s.confirmations, id)
		}
	}
	return nil
}

// DeleteByAccountAndPurpose は指定アカウント・purposeのトークンを削除する。
func (r *MemoryConfirmationRepo) DeleteByAccountAndPurpose(_ context.Context, accountID string, purpose model.Purpose) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, c := range r.s.confirmations {
		if c.AccountID == accountID && c.Purpose == purpose {
			delete(r.s.confirmations, id)
			n++
		}
	}
	return n, nil
}

// DeleteCreatedBefore は指定日時以前に作成されたトークンを削除する。
func (r *MemoryConfirmationRepo) DeleteCreatedBefore(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, c := range r.s.confirmations {
		if !c.CreatedAt.After(before) {
			delete(r.s.confirmations, id)
			n++
		}
	}
	return n, nil
}

// MemoryActivityRepo はMemoryStore上のActivityRepository実装。
type MemoryActivityRepo struct {
	s *MemoryStore
}

// Create はアクティビティを記録する。
func (r *MemoryActivityRepo) Create(_ context.Context, a *model.IPActivity) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *a
	r.s.activities[a.ID] = &cp
	return nil
}

// DeleteCreatedBefore は指定日時より前のアクティビティを削除する。
func (r *MemoryActivityRepo) DeleteCreatedBefore(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, a := range r.s.activities {
		if a.CreatedAt.Before(before) {
			delete(r.s.activities, id)
			n++
		}
	}
	return n, nil
}

// Count は記録済みのアクティビティ件数を返す。
func (r *MemoryActivityRepo) Count() int {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(r.s.activities)
}

// compile-time interface check
var (
	_ AccountRepository      = (*MemoryAccountRepo)(nil)
	_ ConfirmationRepository = (*MemoryConfirmationRepo)(nil)
	_ ActivityRepository     = (*MemoryActivityRepo)(nil)
)
