package sumread

import (
	"sync"

	"sumlink/ads"
	"sumlink/logging"
)

// Position locates a variable's status slot and data inside a Buffer. The
// zero value is the empty position.
type Position struct {
	buffer *Buffer
	slot   int
	offset int
}

// IsEmpty reports whether the variable is not placed in any buffer.
func (p Position) IsEmpty() bool { return p.buffer == nil }

// Slot returns the status slot index.
func (p Position) Slot() int { return p.slot }

// Offset returns the data offset within the buffer's data section.
func (p Position) Offset() int { return p.offset }

// Variable is one configured PLC variable. It references, but never owns,
// the buffer it is placed in.
type Variable struct {
	Name string
	Addr *Address

	mu  sync.Mutex
	pos Position
}

// NewVariable binds a display name to an address.
func NewVariable(name string, addr *Address) *Variable {
	return &Variable{Name: name, Addr: addr}
}

// Size returns the variable size in bytes.
func (v *Variable) Size() uint32 { return v.Addr.Size() }

// Position returns the current buffer position.
func (v *Variable) Position() Position {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pos
}

func (v *Variable) setPosition(p Position) {
	v.mu.Lock()
	v.pos = p
	v.mu.Unlock()
}

// clearPosition empties the position if it still belongs to b.
func (v *Variable) clearPosition(b *Buffer) {
	v.mu.Lock()
	if v.pos.buffer == b {
		v.pos = Position{}
	}
	v.mu.Unlock()
}

// ReadFromBuffer copies the latest sum-read value into dst and returns the
// number of bytes copied, which is the smaller of len(dst) and Size().
//
// It fails with NoData when the variable is not placed in a buffer or when
// the device reported an error for this variable, and with Disconnected when
// the last batch read of its buffer failed.
func (v *Variable) ReadFromBuffer(dst []byte) (int, error) {
	const op = "ReadFromBuffer"

	pos := v.Position()
	if pos.IsEmpty() {
		return 0, newError(op, KindNoData, nil)
	}
	b := pos.buffer
	if b.State() == BufferInvalid {
		return 0, newError(op, KindDisconnected, nil)
	}

	n := len(dst)
	if size := int(v.Size()); size < n {
		n = size
	}

	b.mu.RLock()
	valid := b.owns(pos, v)
	b.mu.RUnlock()
	if !valid {
		return 0, newError(op, KindNoData, nil)
	}

	status, err := b.readInto(pos.slot, pos.offset, dst[:n])
	if err != nil {
		return 0, err
	}
	if status != 0 {
		err := &ads.AdsError{Code: status}
		logging.DebugLog("SumRead", "variable %s could not be read: %v", v.Addr, err)
		return 0, newError(op, KindNoData, err)
	}
	return n, nil
}

// Bytes returns a copy of the full latest value.
func (v *Variable) Bytes() ([]byte, error) {
	buf := make([]byte, v.Size())
	if _, err := v.ReadFromBuffer(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
