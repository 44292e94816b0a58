package store

import (
	"io"
	"runtime"

	"github.com/imagereg/imaged/pkg/errors"
)

// CooperativeReader passes bytes through while yielding the processor after
// each read, so a single large transfer cannot starve the tasks sharing the
// scheduler with it.
type CooperativeReader struct {
	r io.Reader
}

// NewCooperativeReader wraps a byte source for cooperative streaming.
func NewCooperativeReader(r io.Reader) *CooperativeReader {
	return &CooperativeReader{r: r}
}

func (c *CooperativeReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	runtime.Gosched()
	return n, err
}

// LimitingReader counts bytes against a ceiling and fails with
// ErrSizeLimitExceeded as soon as the count passes it. It is the
// streamed-upload half of the size-cap policy: when the content length is
// declared up front the cap is checked once, eagerly, instead, because
// chunked uploads cannot be length-checked in advance.
type LimitingReader struct {
	r     io.Reader
	limit int64
	read  int64
}

// NewLimitingReader wraps a byte source with a maximum-size ceiling.
func NewLimitingReader(r io.Reader, limit int64) *LimitingReader {
	return &LimitingReader{r: r, limit: limit}
}

func (l *LimitingReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.read += int64(n)
	if l.read > l.limit {
		return n, errors.Wrapf(errors.ErrSizeLimitExceeded, "cap %d bytes", l.limit)
	}
	return n, err
}

// BytesRead reports how many bytes have passed through so far.
func (l *LimitingReader) BytesRead() int64 {
	return l.read
}
