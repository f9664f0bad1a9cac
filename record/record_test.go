package record

import (
	"context"
	"encoding/binary"
	"errors"
	"reflect"
	"sync"
	"testing"

	"sumlink/ads"
	"sumlink/sumread"
)

// plc serves sum-reads and writes from a map keyed by handle.
type plc struct {
	mu       sync.Mutex
	handles  map[string]uint32
	values   map[uint32][]byte
	statuses map[uint32]uint32
	down     bool
}

func newPLC() *plc {
	return &plc{
		handles:  make(map[string]uint32),
		values:   make(map[uint32][]byte),
		statuses: make(map[uint32]uint32),
	}
}

func (p *plc) SumRead(port uint16, descriptors []byte, count uint32, response []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return &ads.AdsError{Code: ads.ErrTargetMachineNotFound}
	}
	data := int(count) * 4
	for i := 0; i < int(count); i++ {
		handle := binary.LittleEndian.Uint32(descriptors[i*12+4:])
		length := int(binary.LittleEndian.Uint32(descriptors[i*12+8:]))
		binary.LittleEndian.PutUint32(response[i*4:], p.statuses[handle])
		copy(response[data:data+length], p.values[handle])
		data += length
	}
	return nil
}

func (p *plc) AcquireHandle(port uint16, name string) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := uint32(len(p.handles) + 1)
	p.handles[name] = h
	return h, nil
}

func (p *plc) ReleaseHandle(port uint16, handle uint32) error { return nil }

func (p *plc) ReadDeviceInfo(port uint16) (ads.DeviceInfo, error) { return ads.DeviceInfo{}, nil }

func (p *plc) ReadState(port uint16) (ads.DeviceState, error) { return ads.DeviceState{}, nil }

func (p *plc) Read(port uint16, group, offset uint32, buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copy(buf, p.values[offset]), nil
}

func (p *plc) Write(port uint16, group, offset uint32, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[offset] = append([]byte(nil), data...)
	return nil
}

func (p *plc) Close() error { return nil }

func (p *plc) set(name string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[p.handles[name]] = data
}

type fixture struct {
	plc  *plc
	conn *sumread.Connection
	req  *sumread.Request
	acc  *Access
	vars map[string]*sumread.Variable
}

func newFixture(t *testing.T, specs map[string]string) *fixture {
	t.Helper()
	p := newPLC()
	conn := sumread.NewConnection(func(ctx context.Context, address string, netID ads.AmsNetId) (sumread.Transport, error) {
		return p, nil
	})
	if err := conn.Connect(context.Background(), ads.AmsNetId{5, 1, 2, 3, 1, 1}, "127.0.0.1", ads.PortTC3PLC1); err != nil {
		t.Fatal(err)
	}

	f := &fixture{plc: p, conn: conn, acc: New(conn), vars: make(map[string]*sumread.Variable)}
	var list []*sumread.Variable
	for name, spec := range specs {
		addr, err := sumread.ParseAddress(spec)
		if err != nil {
			t.Fatalf("ParseAddress(%q) error: %v", spec, err)
		}
		v := sumread.NewVariable(name, addr)
		f.vars[name] = v
		list = append(list, v)
	}
	if err := conn.Resolve(list); err != nil {
		t.Fatal(err)
	}
	req, err := sumread.NewRequest(conn, 100)
	if err != nil {
		t.Fatal(err)
	}
	if err := req.Allocate(list); err != nil {
		t.Fatal(err)
	}
	if err := req.Initialize(); err != nil {
		t.Fatal(err)
	}
	f.req = req
	return f
}

func (f *fixture) read(t *testing.T) {
	t.Helper()
	if err := f.req.Read(); err != nil {
		t.Fatalf("Read error: %v", err)
	}
}

func TestReads(t *testing.T) {
	f := newFixture(t, map[string]string{
		"temp":   "LREAL R P=851 V=MAIN.fTemp",
		"counts": "INT[N=3] R P=851 V=MAIN.aCounts",
		"single": "DINT[N=1] R P=851 V=MAIN.aOne",
		"name":   "STRING[N=8] R P=851 V=MAIN.sName",
		"flags":  "WORD R P=851 V=MAIN.wFlags",
	})
	temp := make([]byte, 8)
	binary.LittleEndian.PutUint64(temp, 0x4036800000000000) // 22.5
	f.plc.set("MAIN.fTemp", temp)
	f.plc.set("MAIN.aCounts", []byte{1, 0, 0xFE, 0xFF, 3, 0})
	f.plc.set("MAIN.aOne", []byte{7, 0, 0, 0})
	f.plc.set("MAIN.sName", []byte("pump\x00xx"))
	f.plc.set("MAIN.wFlags", []byte{0xF0, 0x0F})
	f.read(t)

	tests := []struct {
		name string
		read func() Result
		want interface{}
	}{
		{"scalar", func() Result { return f.acc.ReadScalar(f.vars["temp"]) }, 22.5},
		{"scalar of array", func() Result { return f.acc.ReadScalar(f.vars["counts"]) }, int64(1)},
		{"array", func() Result { return f.acc.ReadArray(f.vars["counts"]) }, []int64{1, -2, 3}},
		{"array of one", func() Result { return f.acc.ReadArray(f.vars["single"]) }, []int64{7}},
		{"string", func() Result { return f.acc.ReadString(f.vars["name"]) }, "pump"},
		{"digital", func() Result { return f.acc.ReadDigital(f.vars["flags"], 0x00FF) }, uint32(0xF0)},
		{"dispatch array", func() Result { return f.acc.Read(f.vars["counts"]) }, []int64{1, -2, 3}},
		{"dispatch string", func() Result { return f.acc.Read(f.vars["name"]) }, "pump"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.read()
			if !r.OK() {
				t.Fatalf("read failed: %v", r.Status)
			}
			if !reflect.DeepEqual(r.Value, tt.want) {
				t.Errorf("Value = %#v, want %#v", r.Value, tt.want)
			}
			if r.Alarm != AlarmNone || r.Severity != SeverityNone {
				t.Errorf("alarm = %s/%s on success", r.Alarm, r.Severity)
			}
		})
	}
}

func TestReadFailures(t *testing.T) {
	f := newFixture(t, map[string]string{
		"out":   "DINT W P=851 V=MAIN.nOut",
		"bad":   "DINT R P=851 V=MAIN.nBad",
		"real":  "REAL R P=851 V=MAIN.fReal",
		"plain": "DINT R P=851 V=MAIN.n",
	})
	f.plc.mu.Lock()
	f.plc.statuses[f.plc.handles["MAIN.nBad"]] = ads.ErrDeviceInvalidOffs
	f.plc.mu.Unlock()
	f.read(t)

	tests := []struct {
		name  string
		read  func() Result
		kind  *sumread.Error
		alarm Alarm
	}{
		{"write-only", func() Result { return f.acc.ReadScalar(f.vars["out"]) }, sumread.ErrInvalidParam, AlarmRead},
		{"device status", func() Result { return f.acc.ReadScalar(f.vars["bad"]) }, sumread.ErrNoData, AlarmUDF},
		{"digital of REAL", func() Result { return f.acc.ReadDigital(f.vars["real"], AllBits) }, sumread.ErrInvalidParam, AlarmRead},
		{"string of DINT", func() Result { return f.acc.ReadString(f.vars["plain"]) }, sumread.ErrInvalidParam, AlarmRead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.read()
			if !errors.Is(r.Status, tt.kind) {
				t.Errorf("Status = %v, want %v", r.Status, tt.kind)
			}
			if r.Alarm != tt.alarm || r.Severity != SeverityInvalid {
				t.Errorf("alarm = %s/%s, want %s/invalid", r.Alarm, r.Severity, tt.alarm)
			}
		})
	}

	f.plc.mu.Lock()
	f.plc.down = true
	f.plc.mu.Unlock()
	if err := f.req.Read(); !errors.Is(err, sumread.ErrDisconnected) {
		t.Fatalf("Read error = %v, want Disconnected", err)
	}
	r := f.acc.ReadScalar(f.vars["plain"])
	if !errors.Is(r.Status, sumread.ErrDisconnected) || r.Alarm != AlarmComm {
		t.Errorf("after lost session: %v %s", r.Status, r.Alarm)
	}
}

func TestWrites(t *testing.T) {
	f := newFixture(t, map[string]string{
		"set":   "INT[N=3] W P=851 V=MAIN.aSet",
		"label": "STRING[N=6] W P=851 V=MAIN.sLabel",
		"speed": "REAL W P=851 V=MAIN.fSpeed",
	})
	value := func(name string) []byte {
		f.plc.mu.Lock()
		defer f.plc.mu.Unlock()
		return f.plc.values[f.plc.handles[name]]
	}

	if r := f.acc.WriteArray(f.vars["set"], []interface{}{1.0, -1.0}); !r.OK() {
		t.Fatalf("WriteArray failed: %v", r.Status)
	}
	if got := value("MAIN.aSet"); !reflect.DeepEqual(got, []byte{1, 0, 0xFF, 0xFF, 0, 0}) {
		t.Errorf("array bytes = % X", got)
	}
	if r := f.acc.WriteArray(f.vars["set"], []int{1, 2, 3, 4}); !errors.Is(r.Status, sumread.ErrInvalidParam) || r.Alarm != AlarmWrite {
		t.Errorf("WriteArray(4 of 3) = %v %s", r.Status, r.Alarm)
	}

	if r := f.acc.WriteScalar(f.vars["set"], 9); !r.OK() {
		t.Fatalf("WriteScalar failed: %v", r.Status)
	}
	if got := value("MAIN.aSet"); !reflect.DeepEqual(got, []byte{9, 0, 0, 0, 0, 0}) {
		t.Errorf("scalar bytes = % X", got)
	}

	if r := f.acc.WriteString(f.vars["label"], "ok"); !r.OK() {
		t.Fatalf("WriteString failed: %v", r.Status)
	}
	if got := value("MAIN.sLabel"); !reflect.DeepEqual(got, []byte("ok\x00\x00\x00\x00")) {
		t.Errorf("string bytes = %q", got)
	}
	if r := f.acc.WriteString(f.vars["label"], "toolong"); !errors.Is(r.Status, sumread.ErrOverflow) {
		t.Errorf("WriteString(too long) = %v, want Overflow", r.Status)
	}
	if r := f.acc.Write(f.vars["label"], 5); !errors.Is(r.Status, sumread.ErrInvalidParam) {
		t.Errorf("Write(int to STRING) = %v, want InvalidParam", r.Status)
	}

	if r := f.acc.Write(f.vars["speed"], "1.5"); !r.OK() {
		t.Fatalf("Write(REAL) failed: %v", r.Status)
	}
	if got := binary.LittleEndian.Uint32(value("MAIN.fSpeed")); got != 0x3FC00000 {
		t.Errorf("REAL bits = 0x%X, want 0x3FC00000", got)
	}
}

func TestWriteDigital(t *testing.T) {
	tests := []struct {
		name        string
		current     uint16
		value, mask uint32
		want        uint16
	}{
		{"all bits", 0xFFFF, 0x0012, AllBits, 0x0012},
		{"set masked bits", 0x00F0, 0x0003, 0x000F, 0x00F3},
		{"clear masked bits", 0x00FF, 0x0000, 0x000F, 0x00F0},
		{"mixed", 0xAAAA, 0x0F0F, 0x00FF, 0xAA0F},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, map[string]string{"w": "WORD W P=851 V=MAIN.wOut"})
			cur := make([]byte, 2)
			binary.LittleEndian.PutUint16(cur, tt.current)
			f.plc.set("MAIN.wOut", cur)

			r := f.acc.WriteDigital(f.vars["w"], tt.value, tt.mask)
			if !r.OK() {
				t.Fatalf("WriteDigital failed: %v", r.Status)
			}
			f.plc.mu.Lock()
			got := binary.LittleEndian.Uint16(f.plc.values[f.plc.handles["MAIN.wOut"]])
			f.plc.mu.Unlock()
			if got != tt.want {
				t.Errorf("device value = 0x%04X, want 0x%04X", got, tt.want)
			}
		})
	}

	f := newFixture(t, map[string]string{"r": "LREAL W P=851 V=MAIN.f"})
	if r := f.acc.WriteDigital(f.vars["r"], 1, 1); !errors.Is(r.Status, sumread.ErrInvalidParam) {
		t.Errorf("WriteDigital(LREAL) = %v, want InvalidParam", r.Status)
	}
}

func TestWriteRejectsOutOfRange(t *testing.T) {
	f := newFixture(t, map[string]string{
		"b":   "BYTE W P=851 V=MAIN.bOut",
		"arr": "SINT[N=2] W P=851 V=MAIN.aOut",
	})
	tests := []struct {
		name string
		r    func() Result
	}{
		{"scalar", func() Result { return f.acc.WriteScalar(f.vars["b"], 300) }},
		{"array", func() Result { return f.acc.WriteArray(f.vars["arr"], []int{1, -200}) }},
		{"digital", func() Result { return f.acc.WriteDigital(f.vars["b"], 0x1FF, AllBits) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.r()
			if !errors.Is(r.Status, sumread.ErrInvalidParam) || r.Alarm != AlarmWrite {
				t.Errorf("got %v %s, want InvalidParam", r.Status, r.Alarm)
			}
		})
	}

	f.plc.mu.Lock()
	defer f.plc.mu.Unlock()
	if _, ok := f.plc.values[f.plc.handles["MAIN.bOut"]]; ok {
		t.Error("out-of-range value reached the device")
	}
}

func TestWriteWithoutConnection(t *testing.T) {
	f := newFixture(t, map[string]string{"n": "DINT W P=851 V=MAIN.n"})
	f.conn.Disconnect()
	r := f.acc.WriteScalar(f.vars["n"], 1)
	if !errors.Is(r.Status, sumread.ErrNotInitialized) || r.Alarm != AlarmWrite {
		t.Errorf("WriteScalar while disconnected = %v %s", r.Status, r.Alarm)
	}
}
