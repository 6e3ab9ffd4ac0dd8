package keystore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"

	"helmkey/go-custody/internal/cipher"
	"helmkey/go-custody/internal/secrets"
)

const (
	envelopeVersion = 1
	filePrefix      = "HKCUST1\n"
)

var ErrStorage = errors.New("keystore storage error")

// envelope is the persisted container: the sealed device seed plus the
// generation counter of the password epoch it is encrypted under.
// Sibling copies of one logical store share salt and KDF settings.
type envelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Ciphertext  []byte `json:"ciphertext"`
	Digest      []byte `json:"digest"`
	Gen         uint16 `json:"gen"`
}

func newEnvelope(params cipher.Params, salt []byte, sealed cipher.Sealed, gen uint16) *envelope {
	return &envelope{
		Version:     envelopeVersion,
		KDF:         "argon2id",
		KDFTime:     params.Time,
		KDFMemoryKB: params.MemoryKB,
		KDFThreads:  params.Threads,
		Salt:        append([]byte(nil), salt...),
		Ciphertext:  append([]byte(nil), sealed.Ciphertext[:]...),
		Digest:      append([]byte(nil), sealed.Digest[:]...),
		Gen:         gen,
	}
}

func (e *envelope) sealed() (cipher.Sealed, error) {
	var s cipher.Sealed
	if len(e.Ciphertext) != secrets.SeedSize || len(e.Digest) != blake2b.Size256 {
		return s, fmt.Errorf("%w: malformed envelope", ErrStorage)
	}
	copy(s.Ciphertext[:], e.Ciphertext)
	copy(s.Digest[:], e.Digest)
	return s, nil
}

func (e *envelope) validate() error {
	if e.Version != envelopeVersion {
		return fmt.Errorf("%w: unsupported envelope version %d", ErrStorage, e.Version)
	}
	if e.KDF != "argon2id" {
		return fmt.Errorf("%w: unsupported kdf %q", ErrStorage, e.KDF)
	}
	if len(e.Salt) == 0 {
		return fmt.Errorf("%w: missing kdf salt", ErrStorage)
	}
	if e.KDFTime == 0 || e.KDFMemoryKB == 0 || e.KDFThreads == 0 {
		return fmt.Errorf("%w: invalid kdf parameters", ErrStorage)
	}
	_, err := e.sealed()
	return err
}

// clone returns a deep copy so mutation paths can roll back on failed
// persists.
func (e *envelope) clone() *envelope {
	dup := *e
	dup.Salt = append([]byte(nil), e.Salt...)
	dup.Ciphertext = append([]byte(nil), e.Ciphertext...)
	dup.Digest = append([]byte(nil), e.Digest...)
	return &dup
}

// readEnvelope loads the persisted store. A missing file is the valid
// unprovisioned state and yields (nil, nil).
func readEnvelope(path string) (*envelope, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !bytes.HasPrefix(raw, []byte(filePrefix)) {
		return nil, fmt.Errorf("%w: unrecognized file format", ErrStorage)
	}
	var env envelope
	if err := json.Unmarshal(raw[len(filePrefix):], &env); err != nil {
		return nil, fmt.Errorf("%w: corrupt envelope: %v", ErrStorage, err)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// writeEnvelope persists via write-then-rename so an interrupted write
// leaves the previous store byte-for-byte intact.
func writeEnvelope(path string, env *envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	tmp, err := os.CreateTemp(dir, ".keystore-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if _, err := tmp.Write(append([]byte(filePrefix), raw...)); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}
