package transfer

import (
	"fmt"
	"strconv"
	"strings"
)

// MissingChunksError reports slots that were still empty when reassembly was
// attempted.
type MissingChunksError struct {
	SessionID string
	Missing   []int
}

func (e *MissingChunksError) Error() string {
	idx := make([]string, len(e.Missing))
	for i, m := range e.Missing {
		idx[i] = strconv.Itoa(m)
	}
	return "missing chunks: " + strings.Join(idx, ", ")
}

// Reassembler collects indexed chunks into a fixed slot array. A slot is
// counted once no matter how many times it is delivered.
type Reassembler struct {
	slots    [][]byte
	filled   []bool
	received int
	bytes    int
}

// NewReassembler returns a Reassembler with total empty slots.
func NewReassembler(total int) *Reassembler {
	return &Reassembler{
		slots:  make([][]byte, total),
		filled: make([]bool, total),
	}
}

// Put stores data at index, replacing any previous content. It reports
// whether the slot had already been filled. Put retains data.
func (r *Reassembler) Put(index int, data []byte) (bool, error) {
	if index < 0 || index >= len(r.slots) {
		return false, fmt.Errorf("%w: %d not in [0,%d)", ErrChunkOutOfRange, index, len(r.slots))
	}
	dup := r.filled[index]
	if dup {
		r.bytes -= len(r.slots[index])
	} else {
		r.filled[index] = true
		r.received++
	}
	r.slots[index] = data
	r.bytes += len(data)
	return dup, nil
}

// Total is the number of slots.
func (r *Reassembler) Total() int { return len(r.slots) }

// Received is the number of distinct filled slots.
func (r *Reassembler) Received() int { return r.received }

// Size is the number of payload bytes currently held.
func (r *Reassembler) Size() int { return r.bytes }

// Complete reports whether every slot has been filled.
func (r *Reassembler) Complete() bool { return r.received == len(r.slots) }

// Missing lists the empty slot indices in ascending order.
func (r *Reassembler) Missing() []int {
	var missing []int
	for i, ok := range r.filled {
		if !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// Bytes concatenates every slot in index order. It rescans for gaps first
// and fails with a *MissingChunksError if any slot is empty.
func (r *Reassembler) Bytes() ([]byte, error) {
	if missing := r.Missing(); len(missing) > 0 {
		return nil, &MissingChunksError{Missing: missing}
	}
	out := make([]byte, 0, r.bytes)
	for _, s := range r.slots {
		out = append(out, s...)
	}
	return out, nil
}
