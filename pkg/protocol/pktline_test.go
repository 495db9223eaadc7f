package protocol

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgelet/forgelet/pkg/errors"
)

func TestPktRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	pw := NewPktWriter(&buf)

	require.NoError(t, pw.WriteString("hello\n"))
	require.NoError(t, pw.WritePacket([]byte{0x00, 0xff, 0x10}))
	require.NoError(t, pw.Flush())
	require.NoError(t, pw.WriteString("after\n"))

	pr := NewPktReader(&buf)

	line, flush, err := pr.ReadLine()
	require.NoError(t, err)
	assert.False(t, flush)
	assert.Equal(t, "hello", line)

	payload, flush, err := pr.ReadPacket()
	require.NoError(t, err)
	assert.False(t, flush)
	assert.Equal(t, []byte{0x00, 0xff, 0x10}, payload)

	_, flush, err = pr.ReadPacket()
	require.NoError(t, err)
	assert.True(t, flush)

	line, _, err = pr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "after", line)

	_, _, err = pr.ReadPacket()
	assert.Equal(t, io.EOF, err)
}

func TestPktWireFormat(t *testing.T) {
	var buf bytes.Buffer
	pw := NewPktWriter(&buf)
	require.NoError(t, pw.WriteString("a\n"))
	require.NoError(t, pw.Flush())
	assert.Equal(t, "0006a\n0000", buf.String())
}

func TestPktEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	pw := NewPktWriter(&buf)
	require.NoError(t, pw.WritePacket(nil))
	assert.Equal(t, "0004", buf.String())

	payload, flush, err := NewPktReader(&buf).ReadPacket()
	require.NoError(t, err)
	assert.False(t, flush, "a zero-length packet is not a flush-pkt")
	assert.Empty(t, payload)
}

func TestPktMaxPayload(t *testing.T) {
	var buf bytes.Buffer
	pw := NewPktWriter(&buf)

	big := bytes.Repeat([]byte{'x'}, MaxPayload)
	require.NoError(t, pw.WritePacket(big))

	payload, _, err := NewPktReader(&buf).ReadPacket()
	require.NoError(t, err)
	assert.Len(t, payload, MaxPayload)

	err = pw.WritePacket(append(big, 'x'))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProtocol))
}

func TestPktMalformed(t *testing.T) {
	for name, input := range map[string]string{
		"bad length digits":  "zzzz",
		"truncated length":   "00",
		"truncated payload":  "0010abc",
		"length below frame": "0002",
	} {
		input := input
		t.Run(name, func(t *testing.T) {
			_, _, err := NewPktReader(strings.NewReader(input)).ReadPacket()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrProtocol), "got %v", err)
		})
	}
}
