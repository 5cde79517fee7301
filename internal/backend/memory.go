package backend

import (
	"context"
	"sort"
	"sync"

	"github.com/hitoshi/xmppaccount/internal/jid"
	"github.com/hitoshi/xmppaccount/internal/model"
)

// Message はMemoryバックエンドが受け取ったメッセージ。
type Message struct {
	JID     jid.JID
	Subject string
	Body    string
}

type memoryAccount struct {
	password string
	email    string
	usable   bool
}

// Memory はプロセス内のマップでアカウントを保持するバックエンド。
// 開発環境とテストで使い、実バックエンドと同じ存在チェックとエラー契約を守る。
type Memory struct {
	policy ReservePolicy

	mu       sync.Mutex
	accounts map[jid.JID]*memoryAccount
	messages []Message
}

// NewMemory はMemoryの新しいインスタンスを生成する。
func NewMemory(policy ReservePolicy) *Memory {
	return &Memory{
		policy:   policyOrDefault(policy),
		accounts: make(map[jid.JID]*memoryAccount),
	}
}

func (m *Memory) Exists(_ context.Context, j jid.JID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.accounts[j]
	return ok, nil
}

func (m *Memory) Create(ctx context.Context, j jid.JID, password, email string) error {
	if done, err := completeReservation(ctx, m, m.policy, j, password, email); done || err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[j]; ok {
		return model.ErrUserExists
	}

	acc := &memoryAccount{password: password, email: email, usable: password != ""}
	if !acc.usable {
		acc.password = randomPassword()
	}
	m.accounts[j] = acc
	return nil
}

func (m *Memory) CheckPassword(_ context.Context, j jid.JID, password string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[j]
	if !ok || !acc.usable {
		return false, nil
	}
	return acc.password == password, nil
}

func (m *Memory) SetPassword(_ context.Context, j jid.JID, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[j]
	if !ok {
		return model.ErrUserNotFound
	}
	acc.password = password
	acc.usable = password != ""
	return nil
}

// SetUnusablePassword はパスワードでのログインを無効にする。
func (m *Memory) SetUnusablePassword(_ context.Context, j jid.JID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[j]
	if !ok {
		return model.ErrUserNotFound
	}
	acc.password = randomPassword()
	acc.usable = false
	return nil
}

// HasUsablePassword はパスワードでログイン可能かを返す。
func (m *Memory) HasUsablePassword(_ context.Context, j jid.JID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[j]
	if !ok {
		return false, model.ErrUserNotFound
	}
	return acc.usable, nil
}

func (m *Memory) SetEmail(_ context.Context, j jid.JID, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[j]
	if !ok {
		return model.ErrUserNotFound
	}
	acc.email = email
	return nil
}

func (m *Memory) CheckEmail(_ context.Context, j jid.JID, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[j]
	if !ok {
		return false, nil
	}
	return acc.email == email, nil
}

func (m *Memory) AllUsers(_ context.Context, domain string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]string, 0)
	for j := range m.accounts {
		if j.Domain == domain {
			users = append(users, j.Node)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (m *Memory) Remove(_ context.Context, j jid.JID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[j]; !ok {
		return model.ErrUserNotFound
	}
	delete(m.accounts, j)
	return nil
}

// Message は送信されたメッセージを記録する。
func (m *Memory) Message(_ context.Context, j jid.JID, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[j]; !ok {
		return model.ErrUserNotFound
	}
	m.messages = append(m.messages, Message{JID: j, Subject: subject, Body: body})
	return nil
}

// Messages は記録済みメッセージのコピーを返す。
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

var (
	_ Backend                = (*Memory)(nil)
	_ UnusablePasswordSetter = (*Memory)(nil)
	_ UsablePasswordChecker  = (*Memory)(nil)
	_ Messenger              = (*Memory)(nil)
)
