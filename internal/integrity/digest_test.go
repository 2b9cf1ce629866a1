package integrity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestMatchesOneShotSum(t *testing.T) {
	data := []byte(strings.Repeat("scatter", 10_000))

	d := New()
	for i := 0; i < len(data); i += 4096 {
		_, err := d.Write(data[i:min(i+4096, len(data))])
		require.NoError(t, err)
	}

	assert.Equal(t, Sum(data), d.Hex())
	assert.Equal(t, uint64(len(data)), d.Bytes())
}

func TestVerify(t *testing.T) {
	sum := Sum([]byte("abc"))

	assert.NoError(t, Verify(sum, sum))
	assert.NoError(t, Verify("BLAKE3:"+strings.ToUpper(sum), sum))
	assert.ErrorIs(t, Verify(Sum([]byte("abd")), sum), ErrMismatch)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(Sum(nil)))
	assert.NoError(t, Validate("blake3:"+Sum(nil)))
	assert.Error(t, Validate("deadbeef"))
	assert.Error(t, Validate(strings.Repeat("zz", 32)))
}
