package sumread

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	"sumlink/ads"
)

// fakeTransport emulates a TwinCAT runtime. Values and per-variable status
// codes are keyed by index offset, which is the handle for symbolic
// variables.
type fakeTransport struct {
	mu         sync.Mutex
	handles    map[string]uint32
	nextHandle uint32
	released   []uint32
	values     map[uint32][]byte
	statuses   map[uint32]uint32
	writes     map[uint32][]byte

	sumReads    int
	failSumRead int // 1-based call that fails, 0 for none
	sumReadErr  error
	releaseErr  error
	closed      bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handles:    make(map[string]uint32),
		nextHandle: 0x100,
		values:     make(map[uint32][]byte),
		statuses:   make(map[uint32]uint32),
		writes:     make(map[uint32][]byte),
	}
}

func (f *fakeTransport) SumRead(port uint16, descriptors []byte, count uint32, response []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sumReads++
	if f.failSumRead != 0 && f.sumReads == f.failSumRead {
		return f.sumReadErr
	}
	if len(descriptors) != int(count)*descriptorSize {
		return fmt.Errorf("descriptor length %d for %d variables", len(descriptors), count)
	}

	data := int(count) * resultSize
	for i := 0; i < int(count); i++ {
		d := descriptors[i*descriptorSize:]
		offset := binary.LittleEndian.Uint32(d[4:8])
		length := int(binary.LittleEndian.Uint32(d[8:12]))
		binary.LittleEndian.PutUint32(response[i*resultSize:], f.statuses[offset])
		clear(response[data : data+length])
		copy(response[data:data+length], f.values[offset])
		data += length
	}
	return nil
}

func (f *fakeTransport) AcquireHandle(port uint16, name string) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == "MAIN.missing" {
		return 0, &ads.AdsError{Code: ads.ErrDeviceSymbolNotFound}
	}
	f.nextHandle++
	f.handles[name] = f.nextHandle
	return f.nextHandle, nil
}

func (f *fakeTransport) ReleaseHandle(port uint16, handle uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.releaseErr != nil {
		return f.releaseErr
	}
	f.released = append(f.released, handle)
	return nil
}

func (f *fakeTransport) ReadDeviceInfo(port uint16) (ads.DeviceInfo, error) {
	return ads.DeviceInfo{MajorVersion: 3, MinorVersion: 1, BuildVersion: 4024, DeviceName: "Plc30 App"}, nil
}

func (f *fakeTransport) ReadState(port uint16) (ads.DeviceState, error) {
	return ads.DeviceState{ADSState: ads.StateRun}, nil
}

func (f *fakeTransport) Read(port uint16, group, offset uint32, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copy(buf, f.values[offset]), nil
}

func (f *fakeTransport) Write(port uint16, group, offset uint32, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes[offset] = append([]byte(nil), data...)
	f.values[offset] = append([]byte(nil), data...)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) setValue(offset uint32, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[offset] = data
}

var testNetId = ads.AmsNetId{10, 0, 0, 1, 1, 1}

func connectFake(t *testing.T, ft *fakeTransport) *Connection {
	t.Helper()
	conn := NewConnection(func(ctx context.Context, address string, netID ads.AmsNetId) (Transport, error) {
		return ft, nil
	})
	if err := conn.Connect(context.Background(), testNetId, "10.0.0.1", ads.PortTC3PLC1); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	return conn
}

func mustVariable(t *testing.T, name, spec string) *Variable {
	t.Helper()
	addr, err := ParseAddress(spec)
	if err != nil {
		t.Fatalf("ParseAddress(%q) error: %v", spec, err)
	}
	return NewVariable(name, addr)
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
