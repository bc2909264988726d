package rpc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoxRoundTrip(t *testing.T) {
	in := Box{
		"_command": []byte("RegisterRackController"),
		"_ask":     []byte("1"),
		"hostname": []byte("rack-1.example.com"),
		"empty":    nil,
	}

	var buf bytes.Buffer
	require.NoError(t, writeBox(&buf, in))

	out, err := readBox(&buf)
	require.NoError(t, err)
	assert.Equal(t, "RegisterRackController", string(out["_command"]))
	assert.Equal(t, "rack-1.example.com", string(out["hostname"]))
	assert.Contains(t, out, "empty")
}

func TestBoxWriteIsDeterministic(t *testing.T) {
	box := Box{"b": []byte("2"), "a": []byte("1"), "c": []byte("3")}

	var first, second bytes.Buffer
	require.NoError(t, writeBox(&first, box))
	require.NoError(t, writeBox(&second, box))
	assert.Equal(t, first.Bytes(), second.Bytes())
}

func TestReadBoxRejectsDuplicateKey(t *testing.T) {
	var buf bytes.Buffer
	// Hand-build a frame with "k" twice.
	frame := []byte{
		0, 1, 'k', 0, 1, 'x',
		0, 1, 'k', 0, 1, 'y',
		0, 0,
	}
	buf.Write(frame)

	_, err := readBox(&buf)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestReadBoxRejectsOversizedKey(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff})

	_, err := readBox(&buf)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestTwoBoxesBackToBack(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeBox(&buf, Box{"n": []byte("1")}))
	require.NoError(t, writeBox(&buf, Box{"n": []byte("2")}))

	first, err := readBox(&buf)
	require.NoError(t, err)
	second, err := readBox(&buf)
	require.NoError(t, err)
	assert.Equal(t, "1", string(first["n"]))
	assert.Equal(t, "2", string(second["n"]))
}
