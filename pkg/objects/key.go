package objects

import (
	"encoding/hex"
	"fmt"

	blake2b "github.com/minio/blake2b-simd"
)

const (
	// KeySize for blake2b keys
	KeySize = 64

	// KeySizeHex for the hex representation of a key
	KeySizeHex = 2 * KeySize
)

// Key is the content address of a stored object
type Key [KeySize]byte

// ZeroKey is the absent-object marker used in ref update commands
var ZeroKey Key

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// IsZero tells whether this is the absent-object marker
func (k Key) IsZero() bool {
	return k == ZeroKey
}

// NewKey creates a new key from raw bytes
func NewKey(data []byte) (Key, error) {
	var k Key
	if copy(k[:], data) != KeySize {
		return Key{}, &BadKeySize{Key: data}
	}
	return k, nil
}

// KeyFromString parses a hex encoded key
func KeyFromString(s string) (Key, error) {
	if len(s) != KeySizeHex {
		return Key{}, &BadKeySize{Key: []byte(s)}
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, err
	}
	return NewKey(data)
}

// MustParseKey parses a hex encoded key or panics
func MustParseKey(s string) Key {
	k, err := KeyFromString(s)
	if err != nil {
		panic(err)
	}
	return k
}

// HashBytes computes the content address of a canonical byte sequence
func HashBytes(data []byte) Key {
	hasher, err := blake2b.New(&blake2b.Config{Size: blake2b.Size})
	if err != nil {
		panic(err)
	}
	_, _ = hasher.Write(data)
	var k Key
	copy(k[:], hasher.Sum(nil))
	return k
}

// BadKeySize is returned when key material has an invalid size
type BadKeySize struct {
	Key []byte
}

func (b *BadKeySize) Error() string {
	return fmt.Sprintf("%q has invalid size %d, expected %d raw or %d hex bytes", b.Key, len(b.Key), KeySize, KeySizeHex)
}
