package sumread

import "encoding/binary"

// descriptorSize is one (IndexGroup, IndexOffset, Length) triple.
const descriptorSize = 12

// Chunk is one sum-read worth of variables on a single AMS port.
type Chunk struct {
	Port        uint16
	vars        []*Variable
	descriptors []byte
	buffer      *Buffer
}

func newChunk(port uint16, maxVars, dataLimit int) (*Chunk, error) {
	buf, err := NewBuffer(maxVars, dataLimit)
	if err != nil {
		return nil, err
	}
	return &Chunk{Port: port, buffer: buf}, nil
}

func (c *Chunk) add(v *Variable) error {
	if err := c.buffer.AddVariable(v); err != nil {
		return err
	}
	c.vars = append(c.vars, v)
	c.descriptors = append(c.descriptors, make([]byte, descriptorSize)...)
	return nil
}

// fillDescriptors writes the location and size of every variable. All
// variables must be resolved.
func (c *Chunk) fillDescriptors() error {
	for i, v := range c.vars {
		group, offset, resolved := v.Addr.Location()
		if !resolved {
			return errorf("Initialize", KindNotResolved, "variable %s is not resolved", v.Addr)
		}
		d := c.descriptors[i*descriptorSize:]
		binary.LittleEndian.PutUint32(d[0:4], group)
		binary.LittleEndian.PutUint32(d[4:8], offset)
		binary.LittleEndian.PutUint32(d[8:12], v.Size())
	}
	return nil
}

func (c *Chunk) clearDescriptors() {
	clear(c.descriptors)
}

// Buffer returns the chunk's result buffer.
func (c *Chunk) Buffer() *Buffer { return c.buffer }

// Variables returns the chunk's variables in request order.
func (c *Chunk) Variables() []*Variable {
	return append([]*Variable(nil), c.vars...)
}

// Descriptor returns the request triple sent for variable i.
func (c *Chunk) Descriptor(i int) (group, offset, length uint32) {
	d := c.descriptors[i*descriptorSize:]
	return binary.LittleEndian.Uint32(d[0:4]), binary.LittleEndian.Uint32(d[4:8]), binary.LittleEndian.Uint32(d[8:12])
}
