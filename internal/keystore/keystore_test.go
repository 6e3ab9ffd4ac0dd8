package keystore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"helmkey/go-custody/internal/cipher"
	"helmkey/go-custody/internal/keyhandle"
	"helmkey/go-custody/internal/platform/ratelimiter"
	"helmkey/go-custody/internal/secrets"
)

func provisionFromSURI(t *testing.T, ks *Keystore, suri string) string {
	t.Helper()
	handle, err := keyhandle.FromSURI(suri)
	if err != nil {
		t.Fatalf("from suri: %v", err)
	}
	accountID, err := ks.SetDeviceKey(handle, secrets.NewPassword("correct-horse"), ks.Gen(), false)
	if err != nil {
		t.Fatalf("set device key: %v", err)
	}
	return accountID
}

func fastCipher() cipher.Cipher {
	return cipher.NewArgon2Cipher(cipher.Params{Time: 1, MemoryKB: 16, Threads: 1})
}

func openTestStore(t *testing.T, opts ...Option) (*Keystore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device-key.json")
	ks, err := Open(path, append([]Option{WithCipher(fastCipher())}, opts...)...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return ks, path
}

func reopen(t *testing.T, path string, opts ...Option) *Keystore {
	t.Helper()
	ks, err := Open(path, append([]Option{WithCipher(fastCipher())}, opts...)...)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	return ks
}

func TestOpenUnprovisionedStore(t *testing.T) {
	ks, _ := openTestStore(t)
	if ks.Provisioned() {
		t.Fatal("fresh store reports provisioned")
	}
	if got := ks.Gen(); got != 0 {
		t.Fatalf("fresh store gen = %d, want 0", got)
	}
	if _, err := ks.Signer(); !errors.Is(err, ErrNoDeviceKey) {
		t.Fatalf("expected ErrNoDeviceKey, got %v", err)
	}
	if err := ks.Unlock(secrets.NewPassword("anything")); !errors.Is(err, ErrNoDeviceKey) {
		t.Fatalf("expected ErrNoDeviceKey, got %v", err)
	}
}

func TestOpenRejectsCorruptStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device-key.json")
	if err := os.WriteFile(path, []byte("HKCUST1\nnot json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(path, WithCipher(fastCipher())); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}

	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(path, WithCipher(fastCipher())); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage for bad prefix, got %v", err)
	}
}

func TestProvisionBumpsGenerationAndActivatesSigner(t *testing.T) {
	ks, _ := openTestStore(t)

	accountID, err := ks.ProvisionDevice(secrets.NewPassword("correct-horse"), 0, false)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if accountID == "" {
		t.Fatal("empty account id")
	}
	if got := ks.Gen(); got != 1 {
		t.Fatalf("gen after provision = %d, want 1", got)
	}
	signer, err := ks.Signer()
	if err != nil {
		t.Fatalf("signer after provision: %v", err)
	}
	if signer.AccountID() != accountID {
		t.Fatal("signer account id mismatch")
	}
}

func TestProvisionRefusesExistingKeyWithoutForce(t *testing.T) {
	ks, _ := openTestStore(t)
	if _, err := ks.ProvisionDevice(secrets.NewPassword("correct-horse"), 0, false); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := ks.ProvisionDevice(secrets.NewPassword("other-password"), 1, false); !errors.Is(err, ErrHasDeviceKey) {
		t.Fatalf("expected ErrHasDeviceKey, got %v", err)
	}

	first, err := ks.AccountID()
	if err != nil {
		t.Fatalf("account id: %v", err)
	}
	second, err := ks.ProvisionDevice(secrets.NewPassword("other-password"), 1, true)
	if err != nil {
		t.Fatalf("forced provision: %v", err)
	}
	if second == first {
		t.Fatal("forced provision kept the old key")
	}
	if got := ks.Gen(); got != 2 {
		t.Fatalf("gen after forced provision = %d, want 2", got)
	}
}

func TestProvisionRejectsStaleGeneration(t *testing.T) {
	ks, _ := openTestStore(t)
	if _, err := ks.ProvisionDevice(secrets.NewPassword("correct-horse"), 3, false); !errors.Is(err, ErrStaleGeneration) {
		t.Fatalf("expected ErrStaleGeneration, got %v", err)
	}
}

func TestUnlockScenario(t *testing.T) {
	ks, path := openTestStore(t)
	if _, err := ks.ProvisionDevice(secrets.NewPassword("correct-horse"), 0, false); err != nil {
		t.Fatalf("provision: %v", err)
	}

	ks = reopen(t, path)
	if ks.Unlocked() {
		t.Fatal("reopened store is unlocked")
	}
	if err := ks.Unlock(secrets.NewPassword("wrong")); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption, got %v", err)
	}
	if got := ks.Gen(); got != 1 {
		t.Fatalf("gen changed on failed unlock: %d", got)
	}
	if ks.Unlocked() {
		t.Fatal("failed unlock left store unlocked")
	}
	if err := ks.Unlock(secrets.NewPassword("correct-horse")); err != nil {
		t.Fatalf("unlock with provisioning password: %v", err)
	}
	if _, err := ks.Signer(); err != nil {
		t.Fatalf("signer after unlock: %v", err)
	}
}

func TestLockClearsSignerAndIsIdempotent(t *testing.T) {
	ks, _ := openTestStore(t)
	if _, err := ks.ProvisionDevice(secrets.NewPassword("correct-horse"), 0, false); err != nil {
		t.Fatalf("provision: %v", err)
	}

	ks.Lock()
	ks.Lock()
	if _, err := ks.Signer(); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked after lock, got %v", err)
	}
	if err := ks.Unlock(secrets.NewPassword("correct-horse")); err != nil {
		t.Fatalf("unlock after lock: %v", err)
	}
	if _, err := ks.Signer(); err != nil {
		t.Fatalf("signer after re-unlock: %v", err)
	}
}

func TestChangePasswordMaskRequiresUnlock(t *testing.T) {
	ks, _ := openTestStore(t)
	if _, err := ks.ProvisionDevice(secrets.NewPassword("correct-horse"), 0, false); err != nil {
		t.Fatalf("provision: %v", err)
	}
	ks.Lock()
	if _, _, err := ks.ChangePasswordMask(secrets.NewPassword("new-pw")); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestChangePasswordMaskDoesNotMutateState(t *testing.T) {
	ks, path := openTestStore(t)
	if _, err := ks.ProvisionDevice(secrets.NewPassword("correct-horse"), 0, false); err != nil {
		t.Fatalf("provision: %v", err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}

	mask, nextGen, err := ks.ChangePasswordMask(secrets.NewPassword("new-pw"))
	if err != nil {
		t.Fatalf("mask: %v", err)
	}
	if nextGen != 2 {
		t.Fatalf("mask targets gen %d, want 2", nextGen)
	}
	var zero secrets.Mask
	if mask == zero {
		t.Fatal("mask is all zeroes")
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	if string(before) != string(after) {
		t.Fatal("computing a mask mutated the persisted store")
	}
	if got := ks.Gen(); got != 1 {
		t.Fatalf("computing a mask changed gen to %d", got)
	}
}

func TestApplyMaskRejectsStaleGenerationWithoutMutation(t *testing.T) {
	ks, path := openTestStore(t)
	if _, err := ks.ProvisionDevice(secrets.NewPassword("correct-horse"), 0, false); err != nil {
		t.Fatalf("provision: %v", err)
	}
	mask, _, err := ks.ChangePasswordMask(secrets.NewPassword("new-pw"))
	if err != nil {
		t.Fatalf("mask: %v", err)
	}
	before, _ := os.ReadFile(path)

	for _, stale := range []uint16{1, 3, 0} {
		if err := ks.ApplyMask(mask, stale); !errors.Is(err, ErrStaleGeneration) {
			t.Fatalf("gen %d: expected ErrStaleGeneration, got %v", stale, err)
		}
	}

	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Fatal("rejected mask mutated the persisted store")
	}
	if got := ks.Gen(); got != 1 {
		t.Fatalf("rejected mask changed gen to %d", got)
	}
}

func TestPasswordChangeOnSameStore(t *testing.T) {
	ks, _ := openTestStore(t)
	if _, err := ks.ProvisionDevice(secrets.NewPassword("correct-horse"), 0, false); err != nil {
		t.Fatalf("provision: %v", err)
	}

	mask, nextGen, err := ks.ChangePasswordMask(secrets.NewPassword("new-pw"))
	if err != nil {
		t.Fatalf("mask: %v", err)
	}
	if err := ks.ApplyMask(mask, nextGen); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := ks.Gen(); got != 2 {
		t.Fatalf("gen after apply = %d, want 2", got)
	}

	// The cached key epoch advanced too: a second change computed from
	// the same unlocked session must still re-key correctly.
	mask2, nextGen2, err := ks.ChangePasswordMask(secrets.NewPassword("third-pw"))
	if err != nil {
		t.Fatalf("second mask: %v", err)
	}
	if err := ks.ApplyMask(mask2, nextGen2); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	ks.Lock()
	if err := ks.Unlock(secrets.NewPassword("correct-horse")); !errors.Is(err, ErrDecryption) {
		t.Fatalf("old password still unlocks: %v", err)
	}
	if err := ks.Unlock(secrets.NewPassword("third-pw")); err != nil {
		t.Fatalf("unlock with final password: %v", err)
	}
}

// Two copies of the same logical store: the mask computed on copy A
// re-keys copy B without any plaintext password crossing over.
func TestMaskPropagatesToSiblingCopy(t *testing.T) {
	ksA, pathA := openTestStore(t)
	if _, err := ksA.ProvisionDevice(secrets.NewPassword("correct-horse"), 0, false); err != nil {
		t.Fatalf("provision: %v", err)
	}

	pathB := filepath.Join(t.TempDir(), "device-key.json")
	raw, err := os.ReadFile(pathA)
	if err != nil {
		t.Fatalf("read copy source: %v", err)
	}
	if err := os.WriteFile(pathB, raw, 0o600); err != nil {
		t.Fatalf("write copy: %v", err)
	}
	ksB := reopen(t, pathB)
	if got := ksB.Gen(); got != 1 {
		t.Fatalf("copy gen = %d, want 1", got)
	}

	mask, nextGen, err := ksA.ChangePasswordMask(secrets.NewPassword("new-pw"))
	if err != nil {
		t.Fatalf("mask on copy A: %v", err)
	}
	if err := ksB.ApplyMask(mask, nextGen); err != nil {
		t.Fatalf("apply on copy B: %v", err)
	}
	if got := ksB.Gen(); got != 2 {
		t.Fatalf("copy B gen = %d, want 2", got)
	}
	if err := ksB.Unlock(secrets.NewPassword("new-pw")); err != nil {
		t.Fatalf("copy B unlock with new password: %v", err)
	}

	// The same seed lives behind both stores.
	idA, err := ksA.AccountID()
	if err != nil {
		t.Fatalf("account id A: %v", err)
	}
	idB, err := ksB.AccountID()
	if err != nil {
		t.Fatalf("account id B: %v", err)
	}
	if idA != idB {
		t.Fatal("sibling copies derived different account ids")
	}
}

func TestGenerationSurvivesReopen(t *testing.T) {
	ks, path := openTestStore(t)
	if _, err := ks.ProvisionDevice(secrets.NewPassword("correct-horse"), 0, false); err != nil {
		t.Fatalf("provision: %v", err)
	}
	mask, nextGen, err := ks.ChangePasswordMask(secrets.NewPassword("new-pw"))
	if err != nil {
		t.Fatalf("mask: %v", err)
	}
	if err := ks.ApplyMask(mask, nextGen); err != nil {
		t.Fatalf("apply: %v", err)
	}

	ks = reopen(t, path)
	if got := ks.Gen(); got != 2 {
		t.Fatalf("gen after reopen = %d, want 2", got)
	}
}

func TestUnlockThrottling(t *testing.T) {
	start := time.Unix(1700000000, 0)
	now := start
	limiter := ratelimiter.NewAttemptLimiter(60, 2, 0)

	ks, _ := openTestStore(t,
		WithAttemptLimiter(limiter),
		withClock(func() time.Time { return now }),
	)
	if _, err := ks.ProvisionDevice(secrets.NewPassword("correct-horse"), 0, false); err != nil {
		t.Fatalf("provision: %v", err)
	}
	ks.Lock()

	for i := 0; i < 2; i++ {
		if err := ks.Unlock(secrets.NewPassword("wrong")); !errors.Is(err, ErrDecryption) {
			t.Fatalf("attempt %d: expected ErrDecryption, got %v", i, err)
		}
	}
	if err := ks.Unlock(secrets.NewPassword("correct-horse")); !errors.Is(err, ErrUnlockThrottled) {
		t.Fatalf("expected ErrUnlockThrottled, got %v", err)
	}

	now = start.Add(2 * time.Second)
	if err := ks.Unlock(secrets.NewPassword("correct-horse")); err != nil {
		t.Fatalf("unlock after backoff window: %v", err)
	}
}

func TestSetDeviceKeyFromRecoveredHandle(t *testing.T) {
	ks, _ := openTestStore(t)

	handleID := provisionFromSURI(t, ks, "0x6162636465666768696a6b6c6d6e6f707172737475767778797a313233343536")
	ks.Lock()
	if err := ks.Unlock(secrets.NewPassword("correct-horse")); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	got, err := ks.AccountID()
	if err != nil {
		t.Fatalf("account id: %v", err)
	}
	if got != handleID {
		t.Fatal("recovered key changed identity across lock cycle")
	}
}
