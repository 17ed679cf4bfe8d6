package block

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const (
	// Version1 is the only block layout this package writes.
	Version1 uint32 = 1

	HashSize = sha256.Size

	// HeaderSize is version(4) + parent_hash(32) + timestamp_ns(8) + entry_count(4).
	HeaderSize = 4 + HashSize + 8 + 4

	// FrameSize is the record length prefix stored ahead of every block on disk.
	FrameSize = 4

	maxLabelLen = 1<<16 - 1
)

// Hash is a block content digest.
type Hash [HashSize]byte

// GenesisParentHash is the parent hash carried by the first block of every ledger.
var GenesisParentHash = Hash{}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) Bytes() []byte {
	out := make([]byte, HashSize)
	copy(out, h[:])
	return out
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	parsed, err := HashFromBytes(raw)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// HashFromBytes copies b into a Hash; b must be exactly HashSize long.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid hash length %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Entry is one labeled key/value record of a block.
type Entry struct {
	Label string
	Key   []byte
	Value []byte
}

func (e Entry) encodedLen() int {
	return 2 + len(e.Label) + 4 + len(e.Key) + 4 + len(e.Value)
}

type Header struct {
	Version     uint32
	ParentHash  Hash
	TimestampNs uint64
	EntryCount  uint32
}

// Block is an ordered sequence of entries plus its chain header. Hash is
// computed once by New and carried along afterwards.
type Block struct {
	Header
	Entries []Entry
	Hash    Hash
}

// New assembles a version 1 block and computes its content hash.
func New(parent Hash, timestampNs uint64, entries []Entry) (*Block, error) {
	for _, e := range entries {
		if len(e.Label) > maxLabelLen {
			return nil, fmt.Errorf("%w: label of %d bytes", ErrTooLarge, len(e.Label))
		}
	}
	b := &Block{
		Header: Header{
			Version:     Version1,
			ParentHash:  parent,
			TimestampNs: timestampNs,
			EntryCount:  uint32(len(entries)),
		},
		Entries: entries,
	}
	b.Hash = b.ComputeHash()
	return b, nil
}

// ComputeHash recomputes the digest over header and entry bytes.
func (b *Block) ComputeHash() Hash {
	h := sha256.New()
	h.Write(b.EncodeHeader())
	h.Write(b.EncodeEntries())
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// EncodedSize is the number of bytes the block occupies on disk, frame included.
func (b *Block) EncodedSize() int {
	n := FrameSize + HeaderSize + HashSize
	for _, e := range b.Entries {
		n += e.encodedLen()
	}
	return n
}

func (b *Block) EncodeHeader() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], b.Version)
	copy(buf[4:4+HashSize], b.ParentHash[:])
	binary.LittleEndian.PutUint64(buf[4+HashSize:12+HashSize], b.TimestampNs)
	binary.LittleEndian.PutUint32(buf[12+HashSize:HeaderSize], b.EntryCount)
	return buf
}

func (b *Block) EncodeEntries() []byte {
	size := 0
	for _, e := range b.Entries {
		size += e.encodedLen()
	}
	buf := make([]byte, size)
	off := 0
	for _, e := range b.Entries {
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(e.Label)))
		off += 2
		off += copy(buf[off:], e.Label)
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.Key)))
		off += 4
		off += copy(buf[off:], e.Key)
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.Value)))
		off += 4
		off += copy(buf[off:], e.Value)
	}
	return buf
}

// Encode returns the on-disk record: frame length, header, entries, digest.
func (b *Block) Encode() []byte {
	header := b.EncodeHeader()
	entries := b.EncodeEntries()
	bodyLen := len(header) + len(entries) + HashSize

	buf := make([]byte, FrameSize+bodyLen)
	binary.LittleEndian.PutUint32(buf[0:FrameSize], uint32(bodyLen))
	off := FrameSize
	off += copy(buf[off:], header)
	off += copy(buf[off:], entries)
	copy(buf[off:], b.Hash[:])
	return buf
}

func (b *Block) String() string {
	return fmt.Sprintf("block v%d ts=%d entries=%d parent=%s hash=%s",
		b.Version, b.TimestampNs, b.EntryCount, b.ParentHash, b.Hash)
}
