package store

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/imagereg/imaged/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitingReader_UnderLimit(t *testing.T) {
	r := NewLimitingReader(strings.NewReader("0123456789"), 10)

	var buf bytes.Buffer
	n, err := io.Copy(&buf, r)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.Equal(t, int64(10), r.BytesRead())
}

func TestLimitingReader_OverLimit(t *testing.T) {
	r := NewLimitingReader(strings.NewReader("0123456789"), 5)

	_, err := io.Copy(io.Discard, r)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSizeLimitExceeded))
}

func TestLimitingReader_ChunkedOverLimit(t *testing.T) {
	// small buffer forces multiple reads; the counter must accumulate
	r := NewLimitingReader(strings.NewReader(strings.Repeat("x", 100)), 64)

	buf := make([]byte, 16)
	var total int64
	var err error
	for err == nil {
		var n int
		n, err = r.Read(buf)
		total += int64(n)
	}
	assert.True(t, errors.Is(err, errors.ErrSizeLimitExceeded))
	assert.Greater(t, total, int64(64))
}

func TestCooperativeReader_PassesBytesThrough(t *testing.T) {
	r := NewCooperativeReader(strings.NewReader("content"))

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "content", string(out))
}
