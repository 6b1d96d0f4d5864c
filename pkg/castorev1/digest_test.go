package castorev1_test

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"code.tvl.fyi/tvix/castorefs/pkg/castorev1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewB3DigestInvalidLength(t *testing.T) {
	_, err := castorev1.NewB3Digest([]byte{0x01, 0x02})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid digest length")
}

func TestB3DigestString(t *testing.T) {
	d := castorev1.SumB3([]byte("Hello World"))
	assert.Len(t, d.String(), 64)
}

func TestHashingReaderIncremental(t *testing.T) {
	content := strings.Repeat("0123456789abcdef", 1024)
	hr := castorev1.NewHashingReader(strings.NewReader(content))

	out, err := io.ReadAll(hr)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(out, []byte(content)))
	assert.Equal(t, uint64(len(content)), hr.BytesRead())
	assert.Equal(t, castorev1.SumB3([]byte(content)), hr.Digest())
}
