package sumread

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
)

// DefaultDataLimit is the soft limit on the data section of one buffer.
const DefaultDataLimit = 1000000

// resultSize is the size of one per-variable status code.
const resultSize = 4

// BufferState tells consumers whether the last batch read of a buffer
// succeeded.
type BufferState int32

const (
	BufferInvalid BufferState = iota
	BufferValid
)

func (s BufferState) String() string {
	if s == BufferValid {
		return "valid"
	}
	return "invalid"
}

var bufferIds uint64

// Buffer holds the response of one sum-read: a results section with one
// status code per variable followed by the variables' data in the order
// they were added. A shadow copy of the previous response is kept for change
// detection. Layout is fixed once Initialize succeeds.
type Buffer struct {
	id        uint64
	maxVars   int
	dataLimit int

	// Layout, written only before Initialize.
	vars     []*Variable
	dataSize int

	mu          sync.RWMutex
	live        []byte
	shadow      []byte
	initialized bool
	state       atomic.Int32
}

// NewBuffer creates an empty buffer for at most maxVars variables. A
// dataLimit of 0 selects DefaultDataLimit.
func NewBuffer(maxVars, dataLimit int) (*Buffer, error) {
	if maxVars <= 0 {
		return nil, errorf("NewBuffer", KindInvalidParam, "maximum number of variables must be larger than zero")
	}
	if dataLimit < 0 {
		return nil, errorf("NewBuffer", KindInvalidParam, "data size limit must not be negative")
	}
	if dataLimit == 0 {
		dataLimit = DefaultDataLimit
	}
	return &Buffer{
		id:        atomic.AddUint64(&bufferIds, 1),
		maxVars:   maxVars,
		dataLimit: dataLimit,
	}, nil
}

// NumVariables returns the number of variables added so far.
func (b *Buffer) NumVariables() int { return len(b.vars) }

// MaxVariables returns the slot capacity.
func (b *Buffer) MaxVariables() int { return b.maxVars }

func (b *Buffer) resultsSize() int { return len(b.vars) * resultSize }

// Size returns the total response size in bytes.
func (b *Buffer) Size() int { return b.resultsSize() + b.dataSize }

// AtCapacity reports whether no further variable may be added.
func (b *Buffer) AtCapacity() bool {
	return len(b.vars) >= b.maxVars || b.dataSize >= b.dataLimit
}

// Initialized reports whether the layout is frozen and memory allocated.
func (b *Buffer) Initialized() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.initialized
}

// State returns the outcome of the last batch read.
func (b *Buffer) State() BufferState { return BufferState(b.state.Load()) }

func (b *Buffer) setState(s BufferState) { b.state.Store(int32(s)) }

// AddVariable reserves a status slot and a data slot for v and records the
// position on v.
func (b *Buffer) AddVariable(v *Variable) error {
	const op = "AddVariable"

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return errorf(op, KindInvalidCall, "buffer is already initialized")
	}
	if b.AtCapacity() {
		return newError(op, KindCapacityReached, nil)
	}
	if uint64(b.Size())+uint64(v.Size())+resultSize > math.MaxUint32 {
		return errorf(op, KindOverflow, "buffer would exceed %d bytes", uint32(math.MaxUint32))
	}

	v.setPosition(Position{buffer: b, slot: len(b.vars), offset: b.dataSize})
	b.vars = append(b.vars, v)
	b.dataSize += int(v.Size())
	return nil
}

// Initialize allocates the zero-filled live and shadow memory.
func (b *Buffer) Initialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.vars) == 0 {
		return newError("Initialize", KindNoData, nil)
	}
	if b.initialized {
		return errorf("Initialize", KindInvalidCall, "buffer is already initialized")
	}

	size := b.resultsSize() + b.dataSize
	b.live = make([]byte, size)
	b.shadow = make([]byte, size)
	b.initialized = true
	return nil
}

// SaveSnapshot copies the live response into the shadow copy.
func (b *Buffer) SaveSnapshot() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		copy(b.shadow, b.live)
	}
}

// fill runs read against the live memory under the write lock.
func (b *Buffer) fill(read func(live []byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return newError("fill", KindNotInitialized, nil)
	}
	return read(b.live)
}

// ReadAt returns the status code of slot and a copy of length data bytes
// starting at offset within the data section.
func (b *Buffer) ReadAt(slot, offset, length int) (uint32, []byte, error) {
	if length < 0 {
		return 0, nil, errorf("ReadAt", KindOutOfRange, "length %d", length)
	}
	data := make([]byte, length)
	status, err := b.readInto(slot, offset, data)
	if err != nil {
		return 0, nil, err
	}
	return status, data, nil
}

func (b *Buffer) readInto(slot, offset int, dst []byte) (uint32, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return 0, newError("ReadAt", KindNotInitialized, nil)
	}
	if slot < 0 || slot >= len(b.vars) {
		return 0, errorf("ReadAt", KindOutOfRange, "slot %d of %d", slot, len(b.vars))
	}
	if offset < 0 || offset+len(dst) > b.dataSize {
		return 0, errorf("ReadAt", KindOutOfRange, "bytes %d..%d of %d", offset, offset+len(dst), b.dataSize)
	}

	status := binary.LittleEndian.Uint32(b.live[slot*resultSize:])
	copy(dst, b.live[b.resultsSize()+offset:])
	return status, nil
}

// owns reports whether p still points into this buffer's layout for v.
func (b *Buffer) owns(p Position, v *Variable) bool {
	return p.buffer == b && p.slot < len(b.vars) && b.vars[p.slot] == v
}

// changed returns the variables whose status or data differ between the live
// and shadow copies.
func (b *Buffer) changed() []*Variable {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return nil
	}

	var out []*Variable
	results := b.resultsSize()
	data := 0
	for i, v := range b.vars {
		size := int(v.Size())
		rs, re := i*resultSize, (i+1)*resultSize
		ds, de := results+data, results+data+size
		if !bytes.Equal(b.live[rs:re], b.shadow[rs:re]) || !bytes.Equal(b.live[ds:de], b.shadow[ds:de]) {
			out = append(out, v)
		}
		data += size
	}
	return out
}

// release detaches all variables and drops the memory.
func (b *Buffer) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, v := range b.vars {
		v.clearPosition(b)
	}
	b.vars = nil
	b.dataSize = 0
	b.live, b.shadow = nil, nil
	b.initialized = false
	b.setState(BufferInvalid)
}
