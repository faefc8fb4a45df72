package client

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesBody(t *testing.T) {
	body := BytesBody([]byte("hello"))
	assert.EqualValues(t, 5, body.Len())

	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	require.NoError(t, body.Rewind())
	got, err = io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestReaderBody(t *testing.T) {
	t.Run("seekable readers rewind to their start offset", func(t *testing.T) {
		r := bytes.NewReader([]byte("skip this"))
		_, err := r.Seek(5, io.SeekStart)
		require.NoError(t, err)

		body := ReaderBody(r)
		assert.EqualValues(t, -1, body.Len())

		got, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.Equal(t, "this", string(got))

		require.NoError(t, body.Rewind())
		got, err = io.ReadAll(body)
		require.NoError(t, err)
		assert.Equal(t, "this", string(got))
	})

	t.Run("plain readers cannot rewind", func(t *testing.T) {
		body := ReaderBody(io.MultiReader(strings.NewReader("stream")))

		_, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.ErrorIs(t, body.Rewind(), ErrNotRewindable)
	})
}
