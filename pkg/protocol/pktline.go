package protocol

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// pkt-line framing: every packet is a 4-hex-digit length (covering the
// prefix itself) followed by the payload. A length of 0000 is a
// flush-pkt and carries no payload.
const (
	lenPrefixSize = 4

	// MaxPayload is the largest payload one packet can carry
	MaxPayload = 65520 - lenPrefixSize
)

// PktWriter frames payloads as pkt-lines on an underlying stream
type PktWriter struct {
	w io.Writer
}

// NewPktWriter returns a pkt-line writer over w
func NewPktWriter(w io.Writer) *PktWriter {
	return &PktWriter{w: w}
}

// WritePacket frames a single payload. Payloads larger than MaxPayload
// are refused, callers chunk.
func (pw *PktWriter) WritePacket(payload []byte) error {
	if len(payload) > MaxPayload {
		return ErrProtocol.WrapMsg(fmt.Sprintf("payload of %d bytes exceeds packet limit", len(payload)))
	}
	var prefix [lenPrefixSize]byte
	hexDigits(prefix[:], len(payload)+lenPrefixSize)
	if _, err := pw.w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := pw.w.Write(payload)
	return err
}

// WriteString frames a text line
func (pw *PktWriter) WriteString(s string) error {
	return pw.WritePacket([]byte(s))
}

// Flush emits a flush-pkt, delimiting a packet section
func (pw *PktWriter) Flush() error {
	_, err := io.WriteString(pw.w, "0000")
	return err
}

// PktReader decodes pkt-lines from an underlying stream
type PktReader struct {
	r io.Reader
}

// NewPktReader returns a pkt-line reader over r
func NewPktReader(r io.Reader) *PktReader {
	return &PktReader{r: r}
}

// ReadPacket returns the next payload, or flush=true on a flush-pkt.
// io.EOF is returned untouched when the stream ends between packets.
func (pr *PktReader) ReadPacket() (payload []byte, flush bool, err error) {
	var prefix [lenPrefixSize]byte
	if _, err = io.ReadFull(pr.r, prefix[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = ErrProtocol.WrapMsg("truncated packet length")
		}
		return nil, false, err
	}

	n, err := parseHexLen(prefix[:])
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, true, nil
	}
	if n < lenPrefixSize {
		return nil, false, ErrProtocol.WrapMsg(fmt.Sprintf("packet length %04x below prefix size", n))
	}

	payload = make([]byte, n-lenPrefixSize)
	if _, err = io.ReadFull(pr.r, payload); err != nil {
		return nil, false, ErrProtocol.WrapMsg("truncated packet payload")
	}
	return payload, false, nil
}

// ReadLine reads a packet and trims the trailing newline
func (pr *PktReader) ReadLine() (line string, flush bool, err error) {
	payload, flush, err := pr.ReadPacket()
	if err != nil || flush {
		return "", flush, err
	}
	return strings.TrimSuffix(string(payload), "\n"), false, nil
}

func hexDigits(dst []byte, n int) {
	const digits = "0123456789abcdef"
	for i := lenPrefixSize - 1; i >= 0; i-- {
		dst[i] = digits[n&0xf]
		n >>= 4
	}
}

func parseHexLen(prefix []byte) (int, error) {
	var raw [2]byte
	if _, err := hex.Decode(raw[:], prefix); err != nil {
		return 0, ErrProtocol.WrapMsg(fmt.Sprintf("bad packet length %q", prefix))
	}
	return int(raw[0])<<8 | int(raw[1]), nil
}
