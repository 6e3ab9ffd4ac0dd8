// Package keystore holds the long-lived device key behind a password.
// Password changes travel between copies of one logical store as XOR
// masks, fenced by a monotonically increasing generation counter, so
// no plaintext password or key ever crosses the channel.
package keystore

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"helmkey/go-custody/internal/cipher"
	"helmkey/go-custody/internal/keyhandle"
	"helmkey/go-custody/internal/metrics"
	"helmkey/go-custody/internal/platform/ratelimiter"
	"helmkey/go-custody/internal/secrets"
)

var (
	ErrHasDeviceKey    = errors.New("device key is already provisioned")
	ErrNoDeviceKey     = errors.New("no device key is provisioned")
	ErrLocked          = errors.New("keystore is locked")
	ErrStaleGeneration = errors.New("mask targets a stale generation")
	ErrUnlockThrottled = errors.New("unlock attempts are throttled")

	// ErrDecryption covers wrong passwords and tampered ciphertext
	// alike; the cipher cannot tell the two apart.
	ErrDecryption = cipher.ErrDecryption
)

// Keystore serializes every mutating operation behind one mutex: the
// generation bump and the ciphertext write must be observable as a
// single atomic step or the fencing invariant breaks.
type Keystore struct {
	path    string
	cipher  cipher.Cipher
	scheme  keyhandle.Scheme
	limiter *ratelimiter.AttemptLimiter
	log     *slog.Logger
	stats   *metrics.Custody
	now     func() time.Time

	mu  sync.Mutex
	env *envelope
	gen atomic.Uint32

	// In-memory unlocked state. seed and curKey are wiped on Lock and
	// on replacement; signer is valid iff seed is live.
	seed   *secrets.Seed
	signer keyhandle.Signer
	curKey secrets.Key
}

type Option func(*Keystore)

func WithCipher(c cipher.Cipher) Option {
	return func(k *Keystore) { k.cipher = c }
}

func WithScheme(s keyhandle.Scheme) Option {
	return func(k *Keystore) { k.scheme = s }
}

func WithLogger(log *slog.Logger) Option {
	return func(k *Keystore) { k.log = log }
}

func WithAttemptLimiter(l *ratelimiter.AttemptLimiter) Option {
	return func(k *Keystore) { k.limiter = l }
}

func WithMetrics(m *metrics.Custody) Option {
	return func(k *Keystore) { k.stats = m }
}

func withClock(now func() time.Time) Option {
	return func(k *Keystore) { k.now = now }
}

// Open loads the persisted store at path. A missing file is the valid
// unprovisioned state; the store always opens locked.
func Open(path string, opts ...Option) (*Keystore, error) {
	k := &Keystore{
		path:   path,
		cipher: cipher.NewArgon2Cipher(cipher.DefaultParams()),
		scheme: keyhandle.Ed25519{},
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	env, err := readEnvelope(path)
	if err != nil {
		return nil, err
	}
	k.env = env
	if env != nil {
		k.gen.Store(uint32(env.Gen))
		// KDF costs are pinned at provision time; later config changes
		// must not break unlocking an existing store.
		if _, ok := k.cipher.(*cipher.Argon2Cipher); ok {
			k.cipher = cipher.NewArgon2Cipher(cipher.Params{
				Time:     env.KDFTime,
				MemoryKB: env.KDFMemoryKB,
				Threads:  env.KDFThreads,
			})
		}
	}
	k.stats.ObserveGeneration(k.Gen())
	return k, nil
}

// Gen returns the current password epoch. Lock-free.
func (k *Keystore) Gen() uint16 {
	return uint16(k.gen.Load())
}

// Provisioned reports whether a device key exists on disk.
func (k *Keystore) Provisioned() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.env != nil
}

// Unlocked reports whether a signer is currently materialized.
func (k *Keystore) Unlocked() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.signer != nil
}

// ProvisionDevice generates a fresh device key, seals it under the
// password and persists it one epoch past gen. gen must match the
// store's current generation. force overrides the existing-key check;
// the old key is then irrecoverably replaced.
func (k *Keystore) ProvisionDevice(password secrets.Password, gen uint16, force bool) (string, error) {
	handle, err := keyhandle.Generate()
	if err != nil {
		return "", err
	}
	return k.SetDeviceKey(handle, password, gen, force)
}

// SetDeviceKey installs an externally derived key handle (mnemonic or
// SURI recovery) as the device key. The keystore takes ownership of
// the handle's seed.
func (k *Keystore) SetDeviceKey(handle *keyhandle.KeyHandle, password secrets.Password, gen uint16, force bool) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.env != nil && !force {
		return "", ErrHasDeviceKey
	}
	if current := uint16(k.gen.Load()); gen != current {
		return "", fmt.Errorf("%w: provisioning at %d but store is at %d", ErrStaleGeneration, gen, current)
	}

	salt, err := cipher.NewSalt()
	if err != nil {
		return "", err
	}
	key := k.cipher.KeyFor(password, salt)
	sealed := k.cipher.Encrypt(key, handle.Seed())

	nextGen := gen + 1
	env := newEnvelope(k.cipherParams(), salt, sealed, nextGen)
	if err := writeEnvelope(k.path, env); err != nil {
		key.Wipe()
		handle.Wipe()
		return "", err
	}

	signer, err := handle.Signer(k.scheme)
	if err != nil {
		key.Wipe()
		handle.Wipe()
		return "", err
	}

	k.replaceUnlockedStateLocked(handle.Seed(), signer, key)
	k.env = env
	k.gen.Store(uint32(nextGen))
	k.stats.Provisioned(nextGen)
	k.log.Info("device key provisioned",
		slog.String("store_path", k.path),
		slog.Uint64("gen", uint64(nextGen)),
		slog.String("scheme", k.scheme.Name()),
	)
	return signer.AccountID(), nil
}

// Unlock decrypts the sealed seed and materializes the signer. A
// failed unlock leaves the store exactly as it was.
func (k *Keystore) Unlock(password secrets.Password) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.env == nil {
		return ErrNoDeviceKey
	}
	if !k.limiter.Allow(k.path, k.now()) {
		k.stats.UnlockThrottled()
		return ErrUnlockThrottled
	}

	key := k.cipher.KeyFor(password, k.env.Salt)
	sealed, err := k.env.sealed()
	if err != nil {
		key.Wipe()
		return err
	}
	seed, err := k.cipher.Decrypt(key, sealed)
	if err != nil {
		key.Wipe()
		k.stats.UnlockFailed()
		k.log.Warn("unlock rejected", slog.String("store_path", k.path))
		return err
	}
	signer, err := k.scheme.SignerFromSeed(seed)
	if err != nil {
		key.Wipe()
		seed.Wipe()
		return err
	}

	k.replaceUnlockedStateLocked(seed, signer, key)
	k.stats.UnlockSucceeded()
	k.log.Info("keystore unlocked", slog.String("store_path", k.path))
	return nil
}

// Lock wipes the cached seed and signer. Idempotent.
func (k *Keystore) Lock() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.clearUnlockedStateLocked()
	k.log.Info("keystore locked", slog.String("store_path", k.path))
}

// Signer returns the active transaction signer.
func (k *Keystore) Signer() (keyhandle.Signer, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.env == nil {
		return nil, ErrNoDeviceKey
	}
	if k.signer == nil {
		return nil, ErrLocked
	}
	return k.signer, nil
}

// AccountID returns the public identity of the active device key.
func (k *Keystore) AccountID() (string, error) {
	signer, err := k.Signer()
	if err != nil {
		return "", err
	}
	return signer.AccountID(), nil
}

// ChangePasswordMask computes the XOR delta between the new password's
// key and the current one, targeting the next generation. Persisted
// state is untouched: the mask can be shipped to sibling copies over
// an untrusted channel before anyone commits via ApplyMask.
func (k *Keystore) ChangePasswordMask(newPassword secrets.Password) (secrets.Mask, uint16, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.env == nil {
		return secrets.Mask{}, 0, ErrNoDeviceKey
	}
	if k.signer == nil {
		return secrets.Mask{}, 0, ErrLocked
	}

	newKey := k.cipher.KeyFor(newPassword, k.env.Salt)
	mask := secrets.MaskOf(k.curKey, newKey)
	newKey.Wipe()
	return mask, k.env.Gen + 1, nil
}

// ApplyMask re-keys the stored ciphertext through the mask and bumps
// the generation. nextGen must be exactly one past the current
// generation; stale or replayed masks are rejected without touching
// persisted state.
func (k *Keystore) ApplyMask(mask secrets.Mask, nextGen uint16) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.env == nil {
		return ErrNoDeviceKey
	}
	if nextGen != k.env.Gen+1 {
		k.stats.StaleMaskRejected()
		return fmt.Errorf("%w: have %d, mask targets %d", ErrStaleGeneration, k.env.Gen, nextGen)
	}

	sealed, err := k.env.sealed()
	if err != nil {
		return err
	}
	sealed.Ciphertext = mask.Apply(sealed.Ciphertext)

	next := k.env.clone()
	next.Ciphertext = append([]byte(nil), sealed.Ciphertext[:]...)
	next.Gen = nextGen
	if err := writeEnvelope(k.path, next); err != nil {
		return err
	}

	k.env = next
	k.gen.Store(uint32(nextGen))
	if k.signer != nil {
		// Keep the cached password key aligned with the new epoch so a
		// later ChangePasswordMask computes against the right base.
		k.curKey = mask.Apply(k.curKey)
	}
	k.stats.MaskApplied(nextGen)
	k.log.Info("password mask applied",
		slog.String("store_path", k.path),
		slog.Uint64("gen", uint64(nextGen)),
	)
	return nil
}

func (k *Keystore) replaceUnlockedStateLocked(seed *secrets.Seed, signer keyhandle.Signer, key secrets.Key) {
	k.clearUnlockedStateLocked()
	k.seed = seed
	k.signer = signer
	k.curKey = key
}

func (k *Keystore) clearUnlockedStateLocked() {
	k.seed.Wipe()
	k.seed = nil
	k.signer = nil
	k.curKey.Wipe()
}

func (k *Keystore) cipherParams() cipher.Params {
	if a, ok := k.cipher.(*cipher.Argon2Cipher); ok {
		return a.Params()
	}
	return cipher.DefaultParams()
}
