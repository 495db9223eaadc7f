package protocol

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/minio/blake2b-simd"

	"github.com/forgelet/forgelet/pkg/objects"
)

const (
	packMagic   = "FPCK"
	packVersion = 1

	// payload bytes per chunk packet when streaming object contents
	packChunkSize = 32 * 1024

	// MaxObjectSize bounds a single object payload accepted off the wire
	MaxObjectSize = 256 * units.MiB
)

// WritePack streams the given objects as a pack:
//
//	pkt "FPCK <version> <count>\n"
//	per object:
//	  pkt "obj <type> <size>\n"
//	  pkt payload chunks
//	  flush
//	flush
//	pkt "sum <hex>\n"
//
// The trailing sum is the blake2b hash of every framed payload from the
// header through the last object chunk. Objects are loaded and written
// one at a time, the pack is never held in memory whole.
func WritePack(ctx context.Context, pw *PktWriter, s objects.Store, keys []objects.Key) error {
	h := blake2b.New512()
	hashed := func(payload []byte) error {
		_, _ = h.Write(payload)
		return pw.WritePacket(payload)
	}

	if err := hashed([]byte(fmt.Sprintf("%s %d %d\n", packMagic, packVersion, len(keys)))); err != nil {
		return err
	}

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		obj, err := s.Get(ctx, k)
		if err != nil {
			return err
		}
		if err := hashed([]byte(fmt.Sprintf("obj %s %d\n", obj.Type, len(obj.Payload)))); err != nil {
			return err
		}
		for chunk := obj.Payload; len(chunk) > 0; {
			n := len(chunk)
			if n > packChunkSize {
				n = packChunkSize
			}
			if err := hashed(chunk[:n]); err != nil {
				return err
			}
			chunk = chunk[n:]
		}
		if err := pw.Flush(); err != nil {
			return err
		}
	}

	if err := pw.Flush(); err != nil {
		return err
	}
	return pw.WriteString(fmt.Sprintf("sum %x\n", h.Sum(nil)))
}

// ReadPack consumes a pack from the stream, feeding each object into
// the store as it completes, and returns the stored keys in pack order.
func ReadPack(ctx context.Context, pr *PktReader, s objects.Store) ([]objects.Key, error) {
	h := blake2b.New512()
	readHashed := func() ([]byte, bool, error) {
		payload, flush, err := pr.ReadPacket()
		if err == nil && !flush {
			_, _ = h.Write(payload)
		}
		return payload, flush, err
	}

	header, flush, err := readHashed()
	if err != nil {
		return nil, err
	}
	if flush {
		return nil, ErrProtocol.WrapMsg("missing pack header")
	}
	count, err := parsePackHeader(string(header))
	if err != nil {
		return nil, err
	}

	// allocation hints are capped: header counts and sizes come off the
	// wire and must not size buffers before the bytes actually arrive
	keys := make([]objects.Key, 0, min(count, 1024))
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		typ, size, err := readObjectHeader(readHashed)
		if err != nil {
			return nil, err
		}
		if int64(size) > MaxObjectSize {
			return nil, ErrProtocol.WrapMsg(fmt.Sprintf("object %d: size %d exceeds the %d limit", i, size, int64(MaxObjectSize)))
		}

		payload := bytes.NewBuffer(make([]byte, 0, min(size, packChunkSize)))
		for {
			chunk, flush, err := readHashed()
			if err != nil {
				return nil, err
			}
			if flush {
				break
			}
			payload.Write(chunk)
			if payload.Len() > size {
				return nil, ErrProtocol.WrapMsg(fmt.Sprintf("object %d: payload exceeds header size %d", i, size))
			}
		}
		if payload.Len() != size {
			return nil, ErrProtocol.WrapMsg(fmt.Sprintf("object %d: got %d payload bytes, header said %d", i, payload.Len(), size))
		}

		key, err := s.Put(ctx, typ, payload.Bytes())
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	if _, flush, err := pr.ReadPacket(); err != nil {
		return nil, err
	} else if !flush {
		return nil, ErrProtocol.WrapMsg("missing pack terminator")
	}

	sumLine, flush, err := pr.ReadLine()
	if err != nil {
		return nil, err
	}
	if flush || !strings.HasPrefix(sumLine, "sum ") {
		return nil, ErrProtocol.WrapMsg("missing pack checksum")
	}
	if strings.TrimPrefix(sumLine, "sum ") != fmt.Sprintf("%x", h.Sum(nil)) {
		return nil, ErrProtocol.WrapMsg("pack checksum mismatch")
	}
	return keys, nil
}

func parsePackHeader(header string) (count int, err error) {
	fields := strings.Fields(strings.TrimSuffix(header, "\n"))
	if len(fields) != 3 || fields[0] != packMagic {
		return 0, ErrProtocol.WrapMsg(fmt.Sprintf("bad pack header %q", header))
	}
	if fields[1] != strconv.Itoa(packVersion) {
		return 0, ErrProtocol.WrapMsg("unsupported pack version " + fields[1])
	}
	count, err = strconv.Atoi(fields[2])
	if err != nil || count < 0 {
		return 0, ErrProtocol.WrapMsg("bad pack object count " + fields[2])
	}
	return count, nil
}

func readObjectHeader(read func() ([]byte, bool, error)) (objects.ObjectType, int, error) {
	payload, flush, err := read()
	if err != nil {
		return "", 0, err
	}
	if flush {
		return "", 0, ErrProtocol.WrapMsg("missing object header")
	}
	fields := strings.Fields(strings.TrimSuffix(string(payload), "\n"))
	if len(fields) != 3 || fields[0] != "obj" {
		return "", 0, ErrProtocol.WrapMsg(fmt.Sprintf("bad object header %q", payload))
	}
	typ := objects.ObjectType(fields[1])
	if !objects.ValidType(typ) {
		return "", 0, ErrProtocol.WrapMsg("unknown object type " + fields[1])
	}
	size, err := strconv.Atoi(fields[2])
	if err != nil || size < 0 {
		return "", 0, ErrProtocol.WrapMsg("bad object size " + fields[2])
	}
	return typ, size, nil
}
