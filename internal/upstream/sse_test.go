package upstream

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pysugar/completion-gateway/internal/proxy/mappers"
)

type mockSSEBody struct {
	io.Reader
	closed bool
}

func (m *mockSSEBody) Close() error {
	m.closed = true
	return nil
}

func TestSSEReader_StopsAtDone(t *testing.T) {
	body := &mockSSEBody{Reader: strings.NewReader("event: message\ndata: {\"a\":1}\n\n: comment\ndata:{\"b\":2}\n\ndata: [DONE]\n\ndata: {\"c\":3}\n")}
	r := NewSSEReader(body)

	first, err := r.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(first))

	second, err := r.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":2}`, string(second))

	_, err = r.Next()
	assert.True(t, errors.Is(err, io.EOF))
	_, err = r.Next()
	assert.True(t, errors.Is(err, io.EOF))

	require.NoError(t, r.Close())
	assert.True(t, body.closed)
}

func TestSSEReader_EOFWithoutDone(t *testing.T) {
	r := NewSSEReader(&mockSSEBody{Reader: strings.NewReader("data: {\"x\":true}\n")})
	_, err := r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSliceStream(t *testing.T) {
	boom := errors.New("boom")
	s := NewSliceStream(&mappers.ChatCompletionChunk{ID: "1"}).FailWith(boom)

	c, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "1", c.ID)

	_, err = s.Recv()
	assert.ErrorIs(t, err, boom)

	require.NoError(t, s.Close())
	assert.True(t, s.Closed())
	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)
}
