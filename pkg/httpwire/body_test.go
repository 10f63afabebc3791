package httpwire

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type readCloser struct{ io.Reader }

func (readCloser) Close() error { return nil }

func TestMaxBytesReader_UnderCap(t *testing.T) {
	body := MaxBytesReader(readCloser{strings.NewReader("hello")}, 16)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.NoError(t, body.Close())
}

func TestMaxBytesReader_ExactCapReachesEOF(t *testing.T) {
	body := MaxBytesReader(readCloser{strings.NewReader("16-bytes-exactly")}, 16)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Len(t, data, 16)
}

func TestMaxBytesReader_OverCapFails(t *testing.T) {
	body := MaxBytesReader(readCloser{strings.NewReader(strings.Repeat("x", 32))}, 16)
	_, err := io.ReadAll(body)
	require.ErrorIs(t, err, ErrBodyTooLarge)

	// Reads keep failing and Close reports the poisoned state.
	_, err = body.Read(make([]byte, 4))
	assert.ErrorIs(t, err, ErrBodyTooLarge)
	assert.ErrorIs(t, body.Close(), ErrBodyTooLarge)
}
