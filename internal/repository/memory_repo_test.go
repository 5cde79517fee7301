package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/xmppaccount/internal/jid"
	"github.com/hitoshi/xmppaccount/internal/model"
)

func seedMemory(t *testing.T) (*MemoryStore, *model.Account) {
	t.Helper()
	s := NewMemoryStore()
	a := &model.Account{
		ID:                 "acc-1",
		JID:                jid.JID{Node: "alice", Domain: "example.org"},
		Email:              "alice@mail.test",
		RegistrationMethod: model.RegistrationWebsite,
		RegisteredAt:       time.Now(),
	}
	require.NoError(t, s.Accounts().Create(context.Background(), a))
	return s, a
}

func TestMemoryAccountRepo_CreateDuplicate(t *testing.T) {
	s, a := seedMemory(t)
	dup := *a
	dup.ID = "acc-2"
	assert.ErrorIs(t, s.Accounts().Create(context.Background(), &dup), model.ErrUserExists)
}

func TestMemoryAccountRepo_DeleteCascades(t *testing.T) {
	s, a := seedMemory(t)
	ctx := context.Background()

	require.NoError(t, s.Confirmations().Create(ctx, &model.Confirmation{ID: "c-1", Key: "k", AccountID: a.ID, Purpose: model.PurposeDelete, CreatedAt: time.Now()}))
	require.NoError(t, s.Activities().Create(ctx, &model.IPActivity{ID: "i-1", AccountID: a.ID, CreatedAt: time.Now()}))

	require.NoError(t, s.Accounts().DeleteByID(ctx, a.ID))

	c, err := s.Confirmations().FindByID(ctx, "c-1")
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Equal(t, 0, s.Activities().Count())
}

func TestMemoryConfirmationRepo_RedeemDeletesSiblings(t *testing.T) {
	s, a := seedMemory(t)
	ctx := context.Background()
	now := time.Now()

	for _, key := range []string{"k1", "k2"} {
		require.NoError(t, s.Confirmations().Create(ctx, &model.Confirmation{ID: "id-" + key, Key: key, AccountID: a.ID, Purpose: model.PurposeSetEmail, CreatedAt: now}))
	}
	require.NoError(t, s.Confirmations().Create(ctx, &model.Confirmation{ID: "id-k3", Key: "k3", AccountID: a.ID, Purpose: model.PurposeDelete, CreatedAt: now}))

	err := s.Confirmations().Redeem(ctx, "k2", model.PurposeSetEmail, now.Add(-time.Hour), func(*model.Confirmation) error { return nil })
	require.NoError(t, err)

	err = s.Confirmations().Redeem(ctx, "k1", model.PurposeSetEmail, now.Add(-time.Hour), func(*model.Confirmation) error { return nil })
	assert.ErrorIs(t, err, model.ErrConfirmationNotFound)

	other, err := s.Confirmations().FindValid(ctx, "k3", model.PurposeDelete, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.NotNil(t, other, "token of a different purpose must survive")
}

func TestMemoryConfirmationRepo_ConcurrentRedeemRunsOnce(t *testing.T) {
	s, a := seedMemory(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.Confirmations().Create(ctx, &model.Confirmation{ID: "c-1", Key: "k", AccountID: a.ID, Purpose: model.PurposeRegister, CreatedAt: now}))

	var runs, notFound int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Confirmations().Redeem(ctx, "k", model.PurposeRegister, now.Add(-time.Hour), func(*model.Confirmation) error {
				atomic.AddInt32(&runs, 1)
				time.Sleep(5 * time.Millisecond)
				return nil
			})
			if err == model.ErrConfirmationNotFound {
				atomic.AddInt32(&notFound, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), runs)
	assert.Equal(t, int32(7), notFound)
}

func TestMemoryConfirmationRepo_ConcurrentSiblingRedeemRunsOnce(t *testing.T) {
	s, a := seedMemory(t)
	ctx := context.Background()
	now := time.Now()
	keys := []string{"k1", "k2", "k3", "k4"}
	for _, key := range keys {
		require.NoError(t, s.Confirmations().Create(ctx, &model.Confirmation{ID: "id-" + key, Key: key, AccountID: a.ID, Purpose: model.PurposeSetPassword, CreatedAt: now}))
	}

	var runs int32
	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_ = s.Confirmations().Redeem(ctx, key, model.PurposeSetPassword, now.Add(-time.Hour), func(*model.Confirmation) error {
				atomic.AddInt32(&runs, 1)
				time.Sleep(5 * time.Millisecond)
				return nil
			})
		}(key)
	}
	wg.Wait()

	assert.Equal(t, int32(1), runs, "同じアカウント・purposeのトークンは1つしか引き換えられない")
}

func TestMemoryConfirmationRepo_RedeemLeavesNoLocks(t *testing.T) {
	s, a := seedMemory(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.Confirmations().Create(ctx, &model.Confirmation{ID: "c-1", Key: "k", AccountID: a.ID, Purpose: model.PurposeDelete, CreatedAt: now}))

	for i := 0; i < 1000; i++ {
		err := s.Confirmations().Redeem(ctx, fmt.Sprintf("%064x", i), model.PurposeDelete, now.Add(-time.Hour), func(*model.Confirmation) error { return nil })
		require.ErrorIs(t, err, model.ErrConfirmationNotFound)
	}

	failed := errors.New("backend down")
	err := s.Confirmations().Redeem(ctx, "k", model.PurposeDelete, now.Add(-time.Hour), func(*model.Confirmation) error { return failed })
	require.ErrorIs(t, err, failed)

	require.NoError(t, s.Confirmations().Redeem(ctx, "k", model.PurposeDelete, now.Add(-time.Hour), func(*model.Confirmation) error { return nil }))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.redeemLocks)
}

func TestMemoryConfirmationRepo_ExpiredIsNotFound(t *testing.T) {
	s, a := seedMemory(t)
	ctx := context.Background()
	created := time.Now().Add(-49 * time.Hour)
	require.NoError(t, s.Confirmations().Create(ctx, &model.Confirmation{ID: "c-1", Key: "k", AccountID: a.ID, Purpose: model.PurposeRegister, CreatedAt: created}))

	err := s.Confirmations().Redeem(ctx, "k", model.PurposeRegister, time.Now().Add(-48*time.Hour), func(*model.Confirmation) error { return nil })
	assert.ErrorIs(t, err, model.ErrConfirmationNotFound)

	n, err := s.Confirmations().DeleteCreatedBefore(ctx, time.Now().Add(-48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
