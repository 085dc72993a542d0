package identity

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	id, err := Generate()
	require.NoError(t, err)
	require.NoError(t, Save(path, id))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, id.ID, loaded.ID)
	assert.Equal(t, id.PublicKey, loaded.PublicKey)
	assert.Equal(t, id.PrivateKey, loaded.PrivateKey)
	assert.True(t, id.CreatedAt.Equal(loaded.CreatedAt))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadOrCreateIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "identity.json")

	first, err := LoadOrCreate(path)
	require.NoError(t, err)
	second, err := LoadOrCreate(path)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.PrivateKey, second.PrivateKey)
	assert.Equal(t, DeriveID(first.PublicKey[:]), first.ID)
}

func TestLoadCorrupt(t *testing.T) {
	valid, err := Generate()
	require.NoError(t, err)
	other, err := Generate()
	require.NoError(t, err)

	encode := func(mutate func(m map[string]string)) []byte {
		dir := t.TempDir()
		p := filepath.Join(dir, "id.json")
		require.NoError(t, Save(p, valid))
		raw, err := os.ReadFile(p)
		require.NoError(t, err)
		var m map[string]string
		require.NoError(t, json.Unmarshal(raw, &m))
		mutate(m)
		out, err := json.Marshal(m)
		require.NoError(t, err)
		return out
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"not json", []byte("{{{")},
		{"missing private key", encode(func(m map[string]string) { delete(m, "privateKey") })},
		{"bad base64", encode(func(m map[string]string) { m["publicKey"] = "!!!" })},
		{"short id", encode(func(m map[string]string) { m["id"] = "abcd" })},
		{"id of another key", encode(func(m map[string]string) { m["id"] = other.ID.String() })},
		{"bad timestamp", encode(func(m map[string]string) { m["createdAt"] = "yesterday" })},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "identity.json")
			require.NoError(t, os.WriteFile(path, tt.data, 0o600))

			_, err := LoadOrCreate(path)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrIdentityCorrupt), "got %v", err)

			var ce *CorruptError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, path, ce.Path)

			// The damaged file must be left untouched.
			after, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, tt.data, after)
		})
	}
}

func TestRegenerateQuarantines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.json")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))

	id, err := Regenerate(path)
	require.NoError(t, err)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, id.ID, loaded.ID)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	quarantined := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "identity.json.corrupt-") {
			quarantined++
		}
	}
	assert.Equal(t, 1, quarantined)
}

func TestNoiseKey(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	k := id.NoiseKey()
	assert.Equal(t, id.PublicKey[:], k.Public)
	assert.Equal(t, id.PrivateKey[:], k.Private)
	assert.NoError(t, id.Verify())
}
