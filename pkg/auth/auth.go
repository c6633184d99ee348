// Package auth turns a user password into the archive's symmetric key and
// proves password correctness with an encrypted challenge. The password is
// never persisted; the derived key is the only long-lived secret and lives
// exactly as long as the authenticated session.
package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/crypto/pbkdf2"

	"github.com/permafrostdb/permafrost-db/internal/memzero"
)

const (
	// KeyIterations is the PBKDF2-HMAC-SHA256 iteration count. Changing it
	// invalidates every existing challenge, so it is versioned through
	// ChallengeVersion.
	KeyIterations = 600_000

	// KeyLength is the derived AES-256 key size.
	KeyLength = 32

	// SaltLength is the random per-setup salt size.
	SaltLength = 32

	// ChallengeLength is the size of the random plaintext sealed into the
	// challenge at setup time.
	ChallengeLength = 32

	// ChallengeVersion is the persisted challenge format version.
	ChallengeVersion = 1

	// MinPasswordLength is the minimum accepted password length.
	MinPasswordLength = 12
)

var (
	saltKey      = []byte("auth:salt")
	challengeKey = []byte("auth:challenge")
)

var (
	ErrNotAuthenticated = errors.New("auth: not authenticated")
	ErrNoChallenge      = errors.New("auth: no challenge stored, password was never set up")
	ErrChallengeCorrupt = errors.New("auth: stored challenge is corrupt")
	ErrCrypto           = errors.New("auth: cryptographic primitive failure")
)

// WeakPasswordError reports which strength rules a candidate password
// failed. It is user-correctable and never logged as a system fault.
type WeakPasswordError struct {
	Missing []string
}

func (e *WeakPasswordError) Error() string {
	return "auth: weak password, missing " + strings.Join(e.Missing, ", ")
}

// Challenge is the persisted proof structure. It contains no password
// material: only a key derived from the correct password can decrypt
// Ciphertext into bytes whose SHA-256 equals ExpectedDigest.
type Challenge struct {
	Version        int    `json:"version"`
	Salt           []byte `json:"salt"`
	IV             []byte `json:"iv"`
	Ciphertext     []byte `json:"ciphertext"`
	ExpectedDigest []byte `json:"expectedDigest"`
}

// Store is the durable key-value surface the authenticator persists into.
// Satisfied by internal/keyValStore.
type Store interface {
	Read(key []byte) ([]byte, error)
	Write(key []byte, value []byte) error
	WriteBatch(batch [][2][]byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
}

// Authenticator owns the derived session key. No other component may
// derive a second key while a session is active.
type Authenticator struct {
	store Store
	log   *slog.Logger

	mu  sync.Mutex
	key []byte // nil until a successful setup or verify
}

// New creates an Authenticator backed by the given store.
func New(store Store, log *slog.Logger) *Authenticator {
	if log == nil {
		log = slog.Default()
	}
	return &Authenticator{store: store, log: log}
}

// CheckStrength validates the password rules without touching any state:
// at least MinPasswordLength characters and at least one uppercase letter,
// lowercase letter, digit and symbol.
func CheckStrength(password string) error {
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSymbol = true
		}
	}

	var missing []string
	if len(password) < MinPasswordLength {
		missing = append(missing, fmt.Sprintf("minimum length %d", MinPasswordLength))
	}
	if !hasUpper {
		missing = append(missing, "uppercase letter")
	}
	if !hasLower {
		missing = append(missing, "lowercase letter")
	}
	if !hasDigit {
		missing = append(missing, "digit")
	}
	if !hasSymbol {
		missing = append(missing, "symbol")
	}
	if len(missing) > 0 {
		return &WeakPasswordError{Missing: missing}
	}
	return nil
}

// SetupPassword derives a fresh key from password, builds the challenge
// and persists salt and challenge atomically. Nothing is persisted if any
// primitive call fails. On success the session is authenticated.
func (a *Authenticator) SetupPassword(password string) error {
	if err := CheckStrength(password); err != nil {
		return err
	}

	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("%w: salt: %v", ErrCrypto, err)
	}

	key := DeriveKey(password, salt)

	secret := make([]byte, ChallengeLength)
	if _, err := rand.Read(secret); err != nil {
		memzero.Zero(key)
		return fmt.Errorf("%w: challenge secret: %v", ErrCrypto, err)
	}
	digest := sha256.Sum256(secret)

	iv, ciphertext, err := sealChallenge(key, secret)
	memzero.Zero(secret)
	if err != nil {
		memzero.Zero(key)
		return err
	}

	ch := Challenge{
		Version:        ChallengeVersion,
		Salt:           salt,
		IV:             iv,
		Ciphertext:     ciphertext,
		ExpectedDigest: digest[:],
	}
	raw, err := json.Marshal(&ch)
	if err != nil {
		memzero.Zero(key)
		return fmt.Errorf("%w: encode challenge: %v", ErrCrypto, err)
	}

	if err := a.store.WriteBatch([][2][]byte{
		{saltKey, salt},
		{challengeKey, raw},
	}); err != nil {
		memzero.Zero(key)
		return fmt.Errorf("persist challenge: %w", err)
	}

	a.setKey(key)
	a.log.Info("password set up, session authenticated")
	return nil
}

// VerifyPassword checks a candidate password against the stored challenge.
// A wrong password returns (false, nil); errors are reserved for missing
// or structurally corrupt challenge data. On success the session becomes
// authenticated.
func (a *Authenticator) VerifyPassword(password string) (bool, error) {
	ch, err := a.loadChallenge()
	if err != nil {
		return false, err
	}

	key := DeriveKey(password, ch.Salt)

	plain, err := openChallenge(key, ch.IV, ch.Ciphertext)
	if err != nil {
		// GCM authentication failure: expected outcome for a wrong password.
		memzero.Zero(key)
		return false, nil
	}
	digest := sha256.Sum256(plain)
	memzero.Zero(plain)

	// Full-length comparison, no short-circuit on the first differing byte.
	if subtle.ConstantTimeCompare(digest[:], ch.ExpectedDigest) != 1 {
		memzero.Zero(key)
		return false, nil
	}

	a.setKey(key)
	a.log.Info("password verified, session authenticated")
	return true, nil
}

// IsAuthenticated reports whether a session key is held.
func (a *Authenticator) IsAuthenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.key != nil
}

// ExportKeyMaterial hands out a copy of the raw session key for transfer
// to an isolated worker. Only valid after SetupPassword or a successful
// VerifyPassword.
func (a *Authenticator) ExportKeyMaterial() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.key == nil {
		return nil, ErrNotAuthenticated
	}
	out := make([]byte, len(a.key))
	copy(out, a.key)
	return out, nil
}

// Reset irreversibly deletes the salt and challenge and wipes the session
// key. The caller is responsible for also dropping the encrypted archive
// contents; without the original password they are unrecoverable anyway.
func (a *Authenticator) Reset() error {
	a.EndSession()
	if err := a.store.Delete(challengeKey); err != nil {
		return fmt.Errorf("delete challenge: %w", err)
	}
	if err := a.store.Delete(saltKey); err != nil {
		return fmt.Errorf("delete salt: %w", err)
	}
	a.log.Warn("password reset, archive key material destroyed")
	return nil
}

// EndSession wipes the in-memory key without touching persisted state.
func (a *Authenticator) EndSession() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.key != nil {
		memzero.Zero(a.key)
		a.key = nil
	}
}

// HasChallenge reports whether a password was ever set up.
func (a *Authenticator) HasChallenge() (bool, error) {
	return a.store.Has(challengeKey)
}

// DeriveKey runs PBKDF2-HMAC-SHA256 over the password. The result is the
// only secret that outlives this call; callers must wipe it when done.
func DeriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, KeyIterations, KeyLength, sha256.New)
}

func (a *Authenticator) setKey(key []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.key != nil {
		memzero.Zero(a.key)
	}
	a.key = key
}

func (a *Authenticator) loadChallenge() (*Challenge, error) {
	ok, err := a.store.Has(challengeKey)
	if err != nil {
		return nil, fmt.Errorf("read challenge: %w", err)
	}
	if !ok {
		return nil, ErrNoChallenge
	}
	raw, err := a.store.Read(challengeKey)
	if err != nil {
		return nil, fmt.Errorf("read challenge: %w", err)
	}

	var ch Challenge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeCorrupt, err)
	}
	if ch.Version != ChallengeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrChallengeCorrupt, ch.Version)
	}
	if len(ch.Salt) != SaltLength || len(ch.IV) == 0 || len(ch.Ciphertext) == 0 || len(ch.ExpectedDigest) != sha256.Size {
		return nil, fmt.Errorf("%w: malformed fields", ErrChallengeCorrupt)
	}
	return &ch, nil
}

func sealChallenge(key, secret []byte) (iv, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: aes: %v", ErrCrypto, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: gcm: %v", ErrCrypto, err)
	}
	iv = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("%w: iv: %v", ErrCrypto, err)
	}
	return iv, gcm.Seal(nil, iv, secret, nil), nil
}

func openChallenge(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, iv, ciphertext, nil)
}
