package auth

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const strongPassword = "Correct#Horse9Battery"

// memStore is an in-memory Store for tests.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) Read(key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[string(key)]
	if !ok {
		return nil, errors.New("key not found")
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *memStore) Write(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[string(key)] = append([]byte{}, value...)
	return nil
}

func (s *memStore) WriteBatch(batch [][2][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kv := range batch {
		s.data[string(kv[0])] = append([]byte{}, kv[1]...)
	}
	return nil
}

func (s *memStore) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, string(key))
	return nil
}

func (s *memStore) Has(key []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[string(key)]
	return ok, nil
}

func TestSetupAndVerifyPassword_RoundTrip(t *testing.T) {
	store := newMemStore()
	a := New(store, nil)

	require.NoError(t, a.SetupPassword(strongPassword))
	assert.True(t, a.IsAuthenticated())

	has, err := a.HasChallenge()
	require.NoError(t, err)
	assert.True(t, has)

	// Fresh authenticator over the same store, as after a restart.
	b := New(store, nil)
	assert.False(t, b.IsAuthenticated())

	ok, err := b.VerifyPassword(strongPassword)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, b.IsAuthenticated())
}

func TestVerifyPassword_WrongPasswordIsNotAnError(t *testing.T) {
	store := newMemStore()
	a := New(store, nil)
	require.NoError(t, a.SetupPassword(strongPassword))

	b := New(store, nil)
	ok, err := b.VerifyPassword("Wrong#Horse9Battery")
	require.NoError(t, err, "a wrong password is an expected outcome, not a fault")
	assert.False(t, ok)
	assert.False(t, b.IsAuthenticated())
}

func TestVerifyPassword_NoChallenge(t *testing.T) {
	a := New(newMemStore(), nil)
	_, err := a.VerifyPassword(strongPassword)
	require.ErrorIs(t, err, ErrNoChallenge)
}

func TestVerifyPassword_CorruptChallenge(t *testing.T) {
	store := newMemStore()
	a := New(store, nil)
	require.NoError(t, a.SetupPassword(strongPassword))

	require.NoError(t, store.Write([]byte("auth:challenge"), []byte("not json at all")))

	b := New(store, nil)
	_, err := b.VerifyPassword(strongPassword)
	require.ErrorIs(t, err, ErrChallengeCorrupt)
}

func TestCheckStrength(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"strong", strongPassword, false},
		{"too short", "Ab1#", true},
		{"no uppercase", "correct#horse9battery", true},
		{"no lowercase", "CORRECT#HORSE9BATTERY", true},
		{"no digit", "Correct#Horse#Battery", true},
		{"no symbol", "CorrectHorse9Battery", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckStrength(tt.password)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			var weak *WeakPasswordError
			require.ErrorAs(t, err, &weak)
			assert.NotEmpty(t, weak.Missing)
		})
	}
}

func TestSetupPassword_RejectsWeakWithoutPersisting(t *testing.T) {
	store := newMemStore()
	a := New(store, nil)

	err := a.SetupPassword("weak")
	var weak *WeakPasswordError
	require.ErrorAs(t, err, &weak)

	has, err := a.HasChallenge()
	require.NoError(t, err)
	assert.False(t, has, "a rejected password must leave no state behind")
	assert.False(t, a.IsAuthenticated())
}

func TestExportKeyMaterial_GatedOnSession(t *testing.T) {
	a := New(newMemStore(), nil)

	_, err := a.ExportKeyMaterial()
	require.ErrorIs(t, err, ErrNotAuthenticated)

	require.NoError(t, a.SetupPassword(strongPassword))

	key, err := a.ExportKeyMaterial()
	require.NoError(t, err)
	assert.Len(t, key, KeyLength)

	// Each export is an independent copy.
	second, err := a.ExportKeyMaterial()
	require.NoError(t, err)
	assert.Equal(t, key, second)
	key[0] ^= 0xff
	assert.NotEqual(t, key[0], second[0])

	a.EndSession()
	_, err = a.ExportKeyMaterial()
	require.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestReset_DestroysChallengeAndSession(t *testing.T) {
	store := newMemStore()
	a := New(store, nil)
	require.NoError(t, a.SetupPassword(strongPassword))

	require.NoError(t, a.Reset())
	assert.False(t, a.IsAuthenticated())

	has, err := a.HasChallenge()
	require.NoError(t, err)
	assert.False(t, has)

	_, err = a.VerifyPassword(strongPassword)
	require.ErrorIs(t, err, ErrNoChallenge)
}

func TestDeriveKey_DeterministicPerSalt(t *testing.T) {
	if testing.Short() {
		t.Skip("key derivation is deliberately slow")
	}
	salt := make([]byte, SaltLength)
	k1 := DeriveKey(strongPassword, salt)
	k2 := DeriveKey(strongPassword, salt)
	assert.Equal(t, k1, k2)

	salt[0] = 1
	k3 := DeriveKey(strongPassword, salt)
	assert.NotEqual(t, k1, k3)
}
