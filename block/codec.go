package block

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrCorrupted          = errors.New("block corrupted")
	ErrUnsupportedVersion = errors.New("unsupported block version")
	ErrTooLarge           = errors.New("block too large")
	ErrTooManyEntries     = errors.New("too many entries in block")
	// ErrTruncated reports a record that runs past the available bytes.
	ErrTruncated = errors.New("block truncated")
	// ErrDigestMismatch reports a record whose trailing digest does not match its content.
	ErrDigestMismatch = errors.New("block digest mismatch")
)

// FrameLen reads the record length prefix at the start of buf.
func FrameLen(buf []byte) (uint32, error) {
	if len(buf) < FrameSize {
		return 0, ErrTruncated
	}
	return binary.LittleEndian.Uint32(buf[:FrameSize]), nil
}

func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, fmt.Errorf("%w: header of %d bytes", ErrTruncated, len(buf))
	}
	h.Version = binary.LittleEndian.Uint32(buf[0:4])
	if h.Version != Version1 {
		return h, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	copy(h.ParentHash[:], buf[4:4+HashSize])
	h.TimestampNs = binary.LittleEndian.Uint64(buf[4+HashSize : 12+HashSize])
	h.EntryCount = binary.LittleEndian.Uint32(buf[12+HashSize : HeaderSize])
	return h, nil
}

// DecodeEntries parses exactly count entries and requires buf to be fully consumed.
func DecodeEntries(buf []byte, count uint32) ([]Entry, error) {
	entries, n, err := decodeEntries(buf, count)
	if err != nil {
		return nil, err
	}
	if n != len(buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes after entries", ErrCorrupted, len(buf)-n)
	}
	return entries, nil
}

// decodeEntries parses count entries from the start of buf and returns how
// many bytes they took.
func decodeEntries(buf []byte, count uint32) ([]Entry, int, error) {
	// every entry needs at least its three length prefixes
	if uint64(count)*10 > uint64(len(buf)) {
		return nil, 0, fmt.Errorf("%w: %d entries cannot fit in %d bytes", ErrCorrupted, count, len(buf))
	}
	entries := make([]Entry, 0, count)
	off := 0
	next := func(n int) ([]byte, error) {
		if n < 0 || off+n > len(buf) {
			return nil, fmt.Errorf("%w: entry field overruns block at offset %d", ErrCorrupted, off)
		}
		out := buf[off : off+n]
		off += n
		return out, nil
	}
	for i := uint32(0); i < count; i++ {
		raw, err := next(2)
		if err != nil {
			return nil, 0, err
		}
		label, err := next(int(binary.LittleEndian.Uint16(raw)))
		if err != nil {
			return nil, 0, err
		}
		if raw, err = next(4); err != nil {
			return nil, 0, err
		}
		key, err := next(int(binary.LittleEndian.Uint32(raw)))
		if err != nil {
			return nil, 0, err
		}
		if raw, err = next(4); err != nil {
			return nil, 0, err
		}
		value, err := next(int(binary.LittleEndian.Uint32(raw)))
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, Entry{
			Label: string(label),
			Key:   append([]byte(nil), key...),
			Value: append([]byte(nil), value...),
		})
	}
	return entries, off, nil
}

// Decode parses a record body (everything after the frame prefix) and checks
// the trailing digest against the recomputed content hash.
func Decode(body []byte) (*Block, error) {
	if len(body) < HeaderSize+HashSize {
		return nil, fmt.Errorf("%w: body of %d bytes", ErrTruncated, len(body))
	}
	header, err := DecodeHeader(body[:HeaderSize])
	if err != nil {
		return nil, err
	}
	digestAt := len(body) - HashSize
	entries, err := DecodeEntries(body[HeaderSize:digestAt], header.EntryCount)
	if err != nil {
		return nil, err
	}
	b := &Block{Header: header, Entries: entries}
	copy(b.Hash[:], body[digestAt:])
	if computed := b.ComputeHash(); !bytes.Equal(computed[:], b.Hash[:]) {
		return nil, fmt.Errorf("%w: stored %s computed %s", ErrDigestMismatch, b.Hash, computed)
	}
	return b, nil
}

// DecodePrefix parses one record body from the start of buf, which may hold
// more bytes after it, and returns the body length. It does not rely on a
// frame prefix.
func DecodePrefix(buf []byte) (*Block, int, error) {
	if len(buf) < HeaderSize+HashSize {
		return nil, 0, fmt.Errorf("%w: %d bytes for a body", ErrTruncated, len(buf))
	}
	header, err := DecodeHeader(buf[:HeaderSize])
	if err != nil {
		return nil, 0, err
	}
	entries, n, err := decodeEntries(buf[HeaderSize:], header.EntryCount)
	if err != nil {
		return nil, 0, err
	}
	digestAt := HeaderSize + n
	if digestAt+HashSize > len(buf) {
		return nil, 0, fmt.Errorf("%w: digest missing at %d", ErrTruncated, digestAt)
	}
	b := &Block{Header: header, Entries: entries}
	copy(b.Hash[:], buf[digestAt:digestAt+HashSize])
	if computed := b.ComputeHash(); computed != b.Hash {
		return nil, 0, fmt.Errorf("%w: stored %s computed %s", ErrDigestMismatch, b.Hash, computed)
	}
	return b, digestAt + HashSize, nil
}

// DecodeParts rebuilds a block from a separately transferred header, entry
// section and digest, as carried by the sync protocol.
func DecodeParts(header, entries, digest []byte) (*Block, error) {
	body := make([]byte, 0, len(header)+len(entries)+len(digest))
	body = append(body, header...)
	body = append(body, entries...)
	body = append(body, digest...)
	if len(digest) != HashSize {
		return nil, fmt.Errorf("%w: digest of %d bytes", ErrCorrupted, len(digest))
	}
	return Decode(body)
}
