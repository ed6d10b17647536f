package checksum

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloSHA = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestSum(t *testing.T) {
	assert.Equal(t, helloSHA, Sum([]byte("hello")))
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Sum(nil))
}

func TestSumReader(t *testing.T) {
	sum, n, err := SumReader(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, helloSHA, sum)
	assert.EqualValues(t, 5, n)
}

func TestNormalize(t *testing.T) {
	t.Run("uppercase accepted", func(t *testing.T) {
		got, ok := Normalize("  " + strings.ToUpper(helloSHA) + "\n")
		require.True(t, ok)
		assert.Equal(t, helloSHA, got)
	})

	t.Run("rejects short and non-hex", func(t *testing.T) {
		for _, raw := range []string{"", "abc", strings.Repeat("z", HexLen), helloSHA + "00"} {
			_, ok := Normalize(raw)
			assert.False(t, ok, raw)
		}
	})
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(helloSHA, strings.ToUpper(helloSHA)))
	assert.False(t, Equal(helloSHA, Sum([]byte("world"))))
}
