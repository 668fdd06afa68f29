package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashString(t *testing.T) {
	t.Run("hex encoded sha256 digest", func(t *testing.T) {
		hash := HashString("agri_live_0123456789abcdef")
		assert.Len(t, hash, 64)
		assert.Regexp(t, "^[0-9a-f]{64}$", hash)
	})

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, HashString("agri_live_key"), HashString("agri_live_key"))
	})

	t.Run("known digest", func(t *testing.T) {
		// SHA-256 of the empty string. Pins the digest function: key
		// lookups break silently if it ever changes.
		assert.Equal(t,
			"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
			HashString(""))
	})

	t.Run("near misses differ", func(t *testing.T) {
		pairs := [][2]string{
			{"agri_live_abc", "agri_live_abd"},
			{"key", "Key"},
			{"key", "key "},
		}
		for _, p := range pairs {
			assert.NotEqual(t, HashString(p[0]), HashString(p[1]), "%q vs %q", p[0], p[1])
		}
	})
}
