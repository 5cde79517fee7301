package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/xmppaccount/internal/jid"
	"github.com/hitoshi/xmppaccount/internal/model"
)

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

// PostgresAccountRepo はPostgreSQLを使用したアカウントリポジトリ。
type PostgresAccountRepo struct {
	db *sql.DB
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

const accountColumns = `id, node, domain, email, gpg_fingerprint, registration_method, registered_at, confirmed_at`

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`,
		id,
	)
	account, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	}
	return account, nil
}

// FindByJID はJIDでアカウントを検索する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByJID(ctx context.Context, j jid.JID) (*model.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE node = $1 AND domain = $2`,
		j.Node, j.Domain,
	)
	account, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("JIDによるアカウントの検索に失敗しました: %w", err)
	}
	return account, nil
}

// Create はアカウントを作成する。
func (r *PostgresAccountRepo) Create(ctx context.Context, account *model.Account) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO accounts (id, node, domain, email, gpg_fingerprint, registration_method, registered_at, confirmed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		account.ID, account.JID.Node, account.JID.Domain,
		nullString(account.Email), nullString(account.GPGFingerprint),
		string(account.RegistrationMethod), account.RegisteredAt, account.ConfirmedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return model.ErrUserExists
		}
		return fmt.Errorf("アカウントの作成に失敗しました: %w", err)
	}
	return nil
}

// Update はメールアドレス・フィンガープリント・確認日時・登録経路を更新する。
func (r *PostgresAccountRepo) Update(ctx context.Context, account *model.Account) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET
		    email = $2, gpg_fingerprint = $3, registration_method = $4, confirmed_at = $5
		 WHERE id = $1`,
		account.ID, nullString(account.Email), nullString(account.GPGFingerprint),
		string(account.RegistrationMethod), account.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("アカウントの更新に失敗しました: %w", err)
	}
	return nil
}

// DeleteByID は指定IDのアカウントを削除する。
func (r *PostgresAccountRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM accounts WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("アカウントの削除に失敗しました: %w", err)
	}
	return nil
}

// ListUnconfirmedBefore は指定日時より前にWebから登録され、未確認のままのアカウントを返す。
func (r *PostgresAccountRepo) ListUnconfirmedBefore(ctx context.Context, before time.Time) ([]*model.Account, error) {
	return r.list(ctx,
		`SELECT `+accountColumns+`
		 FROM accounts
		 WHERE confirmed_at IS NULL
		   AND registration_method = 'website'
		   AND registered_at < $1
		 ORDER BY registered_at ASC`,
		before,
	)
}

// ListWithoutEmailBefore は指定日時より前に登録され、確認済みメールアドレスを持たないWeb登録以外のアカウントを返す。
func (r *PostgresAccountRepo) ListWithoutEmailBefore(ctx context.Context, before time.Time) ([]*model.Account, error) {
	return r.list(ctx,
		`SELECT `+accountColumns+`
		 FROM accounts
		 WHERE confirmed_at IS NULL
		   AND registration_method <> 'website'
		   AND registered_at < $1
		 ORDER BY registered_at ASC`,
		before,
	)
}

func (r *PostgresAccountRepo) list(ctx context.Context, query string, args ...any) ([]*model.Account, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("アカウント一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var accounts []*model.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("アカウントの読み取りに失敗しました: %w", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("アカウントの読み取りに失敗しました: %w", err)
	}
	return accounts, nil
}

// ListNodesByDomain はドメインに登録済みのノード名を返す。
func (r *PostgresAccountRepo) ListNodesByDomain(ctx context.Context, domain string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT node FROM accounts WHERE domain = $1 ORDER BY node`,
		domain,
	)
	if err != nil {
		return nil, fmt.Errorf("ノード一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var nodes []string
	for rows.Next() {
		var node string
		if err := rows.Scan(&node); err != nil {
			return nil, fmt.Errorf("ノード一覧の読み取りに失敗しました: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(s rowScanner) (*model.Account, error) {
	account := &model.Account{}
	var email, fingerprint sql.NullString
	var method string
	var confirmedAt sql.NullTime

	if err := s.Scan(
		&account.ID, &account.JID.Node, &account.JID.Domain,
		&email, &fingerprint, &method, &account.RegisteredAt, &confirmedAt,
	); err != nil {
		return nil, err
	}

	account.Email = nullStringValue(email)
	account.GPGFingerprint = nullStringValue(fingerprint)
	account.RegistrationMethod = model.RegistrationMethod(method)
	if confirmedAt.Valid {
		t := confirmedAt.Time
		account.ConfirmedAt = &t
	}
	return account, nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// compile-time interface check
var _ AccountRepository = (*PostgresAccountRepo)(nil)
