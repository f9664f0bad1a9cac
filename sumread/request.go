// Package sumread batches PLC variables into ADS sum-read requests and keeps
// the latest responses in shared, lock-protected buffers.
//
// A Request splits the configured variables into chunks of at most
// maxPerBuffer variables per AMS port. Every Read cycle issues one sum-read
// per chunk; consumers read individual values with Variable.ReadFromBuffer
// at any time, blocking for at most one batch read of their chunk.
package sumread

import (
	"fmt"
	"io"
	"sync"

	"sumlink/logging"
)

// DefaultMaxPerBuffer is the default number of variables per sum-read.
const DefaultMaxPerBuffer = 500

// Request owns the chunks for one set of variables.
//
// Lifecycle: Allocate, Initialize, Read repeatedly, then Deinitialize and
// Deallocate. Deinitialize and Deallocate are idempotent.
type Request struct {
	conn         *Connection
	maxPerBuffer int
	dataLimit    int

	mu          sync.RWMutex
	ports       []uint16
	chunks      map[uint16][]*Chunk
	allocated   bool
	initialized bool
}

// RequestOption configures a Request.
type RequestOption func(*Request)

// WithDataLimit overrides the per-buffer data soft limit.
func WithDataLimit(n int) RequestOption {
	return func(r *Request) { r.dataLimit = n }
}

// NewRequest creates an unallocated request reading through conn.
func NewRequest(conn *Connection, maxPerBuffer int, opts ...RequestOption) (*Request, error) {
	if conn == nil {
		return nil, errorf("NewRequest", KindInvalidParam, "connection must be set")
	}
	if maxPerBuffer <= 0 {
		return nil, errorf("NewRequest", KindInvalidParam, "max variables per buffer must be larger than zero")
	}
	r := &Request{
		conn:         conn,
		maxPerBuffer: maxPerBuffer,
		dataLimit:    DefaultDataLimit,
		chunks:       make(map[uint16][]*Chunk),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// MaxPerBuffer returns the variable limit per chunk.
func (r *Request) MaxPerBuffer() int { return r.maxPerBuffer }

// IsAllocated reports whether chunks exist.
func (r *Request) IsAllocated() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allocated
}

// IsInitialized reports whether descriptors are filled and Read may run.
func (r *Request) IsInitialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized
}

// chunkList returns chunks in read order: ports by first appearance, then
// chunk index. Callers hold r.mu.
func (r *Request) chunkList() []*Chunk {
	var out []*Chunk
	for _, port := range r.ports {
		out = append(out, r.chunks[port]...)
	}
	return out
}

// Chunks returns the chunks in read order.
func (r *Request) Chunks() []*Chunk {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.chunkList()
}

// Allocate places vars into chunks and allocates every buffer. Variables are
// visited in order; a new chunk is started when the port's last chunk is at
// capacity. Any failure rolls the request back to unallocated.
func (r *Request) Allocate(vars []*Variable) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.allocated {
		return errorf("Allocate", KindInvalidCall, "request is already allocated")
	}

	for _, v := range vars {
		port := v.Addr.Port
		list, seen := r.chunks[port]
		if !seen {
			r.ports = append(r.ports, port)
		}
		if len(list) == 0 || list[len(list)-1].buffer.AtCapacity() {
			chunk, err := newChunk(port, r.maxPerBuffer, r.dataLimit)
			if err != nil {
				r.deallocateLocked()
				return err
			}
			list = append(list, chunk)
			r.chunks[port] = list
		}
		if err := list[len(list)-1].add(v); err != nil {
			logging.DebugLog("SumRead", "could not add variable %s to chunk: %v", v.Addr, err)
			r.deallocateLocked()
			return err
		}
	}

	for _, chunk := range r.chunkList() {
		if err := chunk.buffer.Initialize(); err != nil {
			logging.DebugLog("SumRead", "failed to initialize sum-read buffer: %v", err)
			r.deallocateLocked()
			return err
		}
	}

	r.allocated = true
	return nil
}

// Initialize fills every chunk's descriptors. All variables must be resolved.
func (r *Request) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.allocated {
		return newError("Initialize", KindNotAllocated, nil)
	}
	if r.initialized {
		return errorf("Initialize", KindInvalidCall, "request is already initialized")
	}

	chunks := r.chunkList()
	for _, chunk := range chunks {
		if err := chunk.fillDescriptors(); err != nil {
			for _, c := range chunks {
				c.clearDescriptors()
			}
			return err
		}
	}
	r.initialized = true
	return nil
}

// Deinitialize zeroes all descriptors and returns to the allocated state.
func (r *Request) Deinitialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deinitializeLocked()
	return nil
}

func (r *Request) deinitializeLocked() {
	for _, chunk := range r.chunkList() {
		chunk.clearDescriptors()
	}
	r.initialized = false
}

// Deallocate deinitializes, detaches every variable from its buffer and drops
// all chunks.
func (r *Request) Deallocate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deallocateLocked()
	return nil
}

func (r *Request) deallocateLocked() {
	r.deinitializeLocked()
	for _, chunk := range r.chunkList() {
		chunk.buffer.release()
	}
	r.ports = nil
	r.chunks = make(map[uint16][]*Chunk)
	r.allocated = false
}

// Read runs one sum-read per chunk. Before each read the chunk's previous
// response is saved for change detection. The first failing chunk and every
// chunk after it are marked invalid and not read; chunks read before the
// failure keep their fresh data.
func (r *Request) Read() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.initialized {
		return errorf("Read", KindInvalidCall, "request is not initialized")
	}

	chunks := r.chunkList()
	for i, chunk := range chunks {
		chunk.buffer.SaveSnapshot()
		if err := r.conn.sumRead(chunk); err != nil {
			for _, c := range chunks[i:] {
				c.buffer.setState(BufferInvalid)
			}
			logging.DebugLog("SumRead", "sum-read of chunk %d/%d (port %d) failed: %v", i+1, len(chunks), chunk.Port, err)
			return err
		}
		chunk.buffer.setState(BufferValid)
	}
	return nil
}

// Invalidate marks every buffer invalid so consumers see Disconnected.
func (r *Request) Invalidate() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, chunk := range r.chunkList() {
		chunk.buffer.setState(BufferInvalid)
	}
}

// ChangedVariables returns the variables whose status or data changed in
// the last Read.
func (r *Request) ChangedVariables() []*Variable {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.initialized {
		return nil
	}
	var out []*Variable
	for _, chunk := range r.chunkList() {
		out = append(out, chunk.buffer.changed()...)
	}
	return out
}

// Report writes a human readable description of the request. details 1
// prints a summary, 2 adds one section per chunk and 3 adds every request
// descriptor.
func (r *Request) Report(w io.Writer, details int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chunks := r.chunkList()
	if details >= 1 {
		fmt.Fprintf(w, "Sum-read request report:\n")
		fmt.Fprintf(w, " Summary:\n")
		fmt.Fprintf(w, "   - Max number of variables per sum-read buffer: %d\n", r.maxPerBuffer)
		fmt.Fprintf(w, "   - Number of sum-read buffers (chunks) allocated: %d\n", len(chunks))
		fmt.Fprintf(w, "   - Buffers allocated: %s\n", yesNo(r.allocated))
		fmt.Fprintf(w, "   - Buffers initialized: %s\n", yesNo(r.initialized))
	}
	if details < 2 {
		return
	}

	fmt.Fprintf(w, " Details:\n")
	for i, chunk := range chunks {
		fmt.Fprintf(w, "  Buffers chunk #%d/%d:\n", i+1, len(chunks))
		fmt.Fprintf(w, "    - ADS port: %d\n", chunk.Port)
		fmt.Fprintf(w, "    - Number of variables: %d\n", len(chunk.vars))
		fmt.Fprintf(w, "    - Sum-read buffer size: %d bytes\n", chunk.buffer.Size())
		fmt.Fprintf(w, "    - State: %s\n", chunk.buffer.State())

		if details < 3 {
			continue
		}
		fmt.Fprintf(w, "    - Sum-request buffer elements:\n")
		for j, v := range chunk.vars {
			group, offset, length := chunk.Descriptor(j)
			fmt.Fprintf(w, "    - Variable %d/%d:\n", j+1, len(chunk.vars))
			fmt.Fprintf(w, "       - Name: '%s'\n", v.Addr)
			fmt.Fprintf(w, "       - Port: %d; IGrp: %#08x; IOff: %#08x; Length: %d\n", v.Addr.Port, group, offset, length)
		}
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
