package events

import (
	"encoding/hex"
	"time"

	"github.com/decentcloud/dcledger/block"
)

type EventType string

const (
	EventBlockCommitted EventType = "BlockCommitted"
	EventEntryCommitted EventType = "EntryCommitted"
)

// LedgerEvent is anything published after a block reached the ledger.
type LedgerEvent interface {
	Type() EventType
	Timestamp() time.Time
	Height() uint64
	// Label is empty for events that are not tied to one label.
	Label() string
}

type BlockCommitted struct {
	height    uint64
	position  int64
	hash      block.Hash
	blockTsNs uint64
	entries   int
	labels    []string
	timestamp time.Time
}

func NewBlockCommitted(height uint64, position int64, b *block.Block) *BlockCommitted {
	seen := make(map[string]struct{})
	var labels []string
	for _, e := range b.Entries {
		if _, ok := seen[e.Label]; !ok {
			seen[e.Label] = struct{}{}
			labels = append(labels, e.Label)
		}
	}
	return &BlockCommitted{
		height:    height,
		position:  position,
		hash:      b.Hash,
		blockTsNs: b.TimestampNs,
		entries:   len(b.Entries),
		labels:    labels,
		timestamp: time.Now(),
	}
}

func (e *BlockCommitted) Type() EventType      { return EventBlockCommitted }
func (e *BlockCommitted) Timestamp() time.Time { return e.timestamp }
func (e *BlockCommitted) Height() uint64       { return e.height }
func (e *BlockCommitted) Label() string        { return "" }
func (e *BlockCommitted) Position() int64      { return e.position }
func (e *BlockCommitted) Hash() block.Hash     { return e.hash }
func (e *BlockCommitted) BlockTimestampNs() uint64 {
	return e.blockTsNs
}
func (e *BlockCommitted) EntryCount() int { return e.entries }

// Labels lists the labels written by the block in first-seen order.
func (e *BlockCommitted) Labels() []string {
	return append([]string(nil), e.labels...)
}

type EntryCommitted struct {
	height    uint64
	blockHash block.Hash
	label     string
	key       []byte
	timestamp time.Time
}

func NewEntryCommitted(height uint64, blockHash block.Hash, e block.Entry) *EntryCommitted {
	return &EntryCommitted{
		height:    height,
		blockHash: blockHash,
		label:     e.Label,
		key:       append([]byte(nil), e.Key...),
		timestamp: time.Now(),
	}
}

func (e *EntryCommitted) Type() EventType      { return EventEntryCommitted }
func (e *EntryCommitted) Timestamp() time.Time { return e.timestamp }
func (e *EntryCommitted) Height() uint64       { return e.height }
func (e *EntryCommitted) Label() string        { return e.label }
func (e *EntryCommitted) BlockHash() block.Hash {
	return e.blockHash
}
func (e *EntryCommitted) Key() []byte    { return append([]byte(nil), e.key...) }
func (e *EntryCommitted) KeyHex() string { return hex.EncodeToString(e.key) }

// Wire is the JSON shape of an event for streaming clients.
type Wire struct {
	Type        EventType `json:"type"`
	Height      uint64    `json:"height"`
	TimestampMs int64     `json:"timestamp_ms"`
	Label       string    `json:"label,omitempty"`
	Key         string    `json:"key,omitempty"`
	BlockHash   string    `json:"block_hash"`
	Position    *int64    `json:"position,omitempty"`
	EntryCount  int       `json:"entry_count,omitempty"`
	Labels      []string  `json:"labels,omitempty"`
}

func ToWire(ev LedgerEvent) Wire {
	w := Wire{
		Type:        ev.Type(),
		Height:      ev.Height(),
		TimestampMs: ev.Timestamp().UnixMilli(),
		Label:       ev.Label(),
	}
	switch e := ev.(type) {
	case *BlockCommitted:
		pos := e.position
		w.Position = &pos
		w.BlockHash = e.hash.String()
		w.EntryCount = e.entries
		w.Labels = e.Labels()
	case *EntryCommitted:
		w.Key = e.KeyHex()
		w.BlockHash = e.blockHash.String()
	}
	return w
}
