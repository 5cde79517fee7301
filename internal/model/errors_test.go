package model

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsTemporary(t *testing.T) {
	base := errors.New("connection refused")
	wrapped := fmt.Errorf("create: %w", &TemporaryError{Op: "register", Err: base})

	if !IsTemporary(wrapped) {
		t.Error("IsTemporary() = false, want true for wrapped TemporaryError")
	}
	if !errors.Is(wrapped, base) {
		t.Error("errors.Is(wrapped, base) = false, want true")
	}
	if IsTemporary(base) {
		t.Error("IsTemporary() = true, want false for plain error")
	}
	if IsTemporary(&BackendError{Op: "register", Code: 3}) {
		t.Error("IsTemporary() = true, want false for BackendError")
	}
}

func TestGpgError_Field(t *testing.T) {
	fe := NewGpgFingerprintError("unknown fingerprint", nil)
	if fe.Field != FieldGPGFingerprint {
		t.Errorf("Field = %q, want %q", fe.Field, FieldGPGFingerprint)
	}
	ke := NewGpgKeyError("invalid key", errors.New("bad armor"))
	if ke.Field != FieldGPGKey {
		t.Errorf("Field = %q, want %q", ke.Field, FieldGPGKey)
	}

	var ge *GpgError
	if !errors.As(fmt.Errorf("wrap: %w", ke), &ge) {
		t.Fatal("errors.As() failed for wrapped GpgError")
	}
	api := NewGpgAPIError(ge)
	if api.Field != FieldGPGKey || api.Code != ErrCodeGpgInvalid {
		t.Errorf("NewGpgAPIError() = %+v", api)
	}
}

func TestBackendError_Error(t *testing.T) {
	tests := []struct {
		err  *BackendError
		want string
	}{
		{&BackendError{Op: "register", Code: 2}, "backend register failed with code 2"},
		{&BackendError{Op: "unregister", Code: 5, Message: "boom"}, "backend unregister failed with code 5: boom"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestAccount_Confirm(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	a := &Account{}
	if err := a.Confirm("", now); err == nil {
		t.Error("Confirm() without email should fail")
	}
	if a.IsConfirmed() {
		t.Error("account should not be confirmed after failed Confirm()")
	}

	if err := a.Confirm("user@example.com", now); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if !a.HasEmail() {
		t.Error("HasEmail() = false after Confirm()")
	}
	if !a.ConfirmedAt.Equal(now) {
		t.Errorf("ConfirmedAt = %v, want %v", a.ConfirmedAt, now)
	}
}

func TestParsePurpose(t *testing.T) {
	for _, p := range Purposes {
		got, err := ParsePurpose(string(p))
		if err != nil || got != p {
			t.Errorf("ParsePurpose(%q) = %q, %v", p, got, err)
		}
	}
	if _, err := ParsePurpose("reset"); err == nil {
		t.Error("ParsePurpose(\"reset\") should fail")
	}
}

func TestConfirmation_ValidAt(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Confirmation{CreatedAt: created}
	ttl := 48 * time.Hour

	if !c.ValidAt(created.Add(47*time.Hour), ttl) {
		t.Error("token should be valid before TTL")
	}
	if c.ValidAt(created.Add(48*time.Hour), ttl) {
		t.Error("token should be invalid at TTL boundary")
	}
}

func TestPayload_RoundTripEmpty(t *testing.T) {
	p, err := UnmarshalPayload(nil)
	if err != nil {
		t.Fatalf("UnmarshalPayload(nil) error = %v", err)
	}
	if p != (Payload{}) {
		t.Errorf("UnmarshalPayload(nil) = %+v, want zero", p)
	}
	if _, err := UnmarshalPayload([]byte("{")); err == nil {
		t.Error("UnmarshalPayload() should fail on invalid JSON")
	}
}
