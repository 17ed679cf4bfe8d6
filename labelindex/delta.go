package labelindex

import "github.com/decentcloud/dcledger/block"

// Delta holds the entries of a block that is still being built. It answers
// reads of not-yet-committed writes and becomes the entry list of the block
// on commit.
type Delta struct {
	entries []block.Entry
	latest  map[string]map[string]int
	bytes   int
}

func NewDelta() *Delta {
	return &Delta{latest: make(map[string]map[string]int)}
}

func (d *Delta) Upsert(label string, key, value []byte) {
	e := block.Entry{
		Label: label,
		Key:   append([]byte(nil), key...),
		Value: append([]byte(nil), value...),
	}
	keys, ok := d.latest[label]
	if !ok {
		keys = make(map[string]int)
		d.latest[label] = keys
	}
	keys[string(key)] = len(d.entries)
	d.entries = append(d.entries, e)
	d.bytes += 10 + len(label) + len(key) + len(value)
}

func (d *Delta) Get(label string, key []byte) ([]byte, bool) {
	i, ok := d.latest[label][string(key)]
	if !ok {
		return nil, false
	}
	return d.entries[i].Value, true
}

// Pending returns the buffered entries of label in upsert order.
func (d *Delta) Pending(label string) []block.Entry {
	var out []block.Entry
	for _, e := range d.entries {
		if e.Label == label {
			out = append(out, e)
		}
	}
	return out
}

func (d *Delta) Entries() []block.Entry {
	return d.entries
}

func (d *Delta) Len() int {
	return len(d.entries)
}

// EncodedBytes is the size the buffered entries will take inside a block.
func (d *Delta) EncodedBytes() int {
	return d.bytes
}
