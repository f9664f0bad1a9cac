package sumread

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"sumlink/ads"
)

func makeVariables(t *testing.T, n int, port string) []*Variable {
	t.Helper()
	vars := make([]*Variable, n)
	for i := range vars {
		name := fmt.Sprintf("MAIN.v%d_%s", i, port)
		vars[i] = mustVariable(t, name, "DINT R P="+port+" V="+name)
	}
	return vars
}

func newReadyRequest(t *testing.T, ft *fakeTransport, maxPerBuffer int, vars []*Variable) *Request {
	t.Helper()
	conn := connectFake(t, ft)
	req, err := NewRequest(conn, maxPerBuffer)
	if err != nil {
		t.Fatalf("NewRequest error: %v", err)
	}
	if err := conn.Resolve(vars); err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if err := req.Allocate(vars); err != nil {
		t.Fatalf("Allocate error: %v", err)
	}
	if err := req.Initialize(); err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	return req
}

func TestNewRequest(t *testing.T) {
	if _, err := NewRequest(nil, 10); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("NewRequest(nil) error = %v, want InvalidParam", err)
	}
	if _, err := NewRequest(NewConnection(nil), 0); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("NewRequest(max 0) error = %v, want InvalidParam", err)
	}
}

func TestRequestPartitioning(t *testing.T) {
	tests := []struct {
		name  string
		ports map[string]int
		order []string
		sizes []int
	}{
		{"single port", map[string]int{"851": 1200}, []string{"851"}, []int{500, 500, 200}},
		{"exact fit", map[string]int{"851": 1000}, []string{"851"}, []int{500, 500}},
		{"two ports", map[string]int{"852": 501, "851": 3}, []string{"852", "851"}, []int{500, 1, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var vars []*Variable
			for _, port := range tt.order {
				vars = append(vars, makeVariables(t, tt.ports[port], port)...)
			}
			req := newReadyRequest(t, newFakeTransport(), DefaultMaxPerBuffer, vars)

			chunks := req.Chunks()
			if len(chunks) != len(tt.sizes) {
				t.Fatalf("got %d chunks, want %d", len(chunks), len(tt.sizes))
			}

			seen := make(map[*Variable]bool)
			for i, chunk := range chunks {
				cv := chunk.Variables()
				if len(cv) != tt.sizes[i] {
					t.Errorf("chunk %d has %d variables, want %d", i, len(cv), tt.sizes[i])
				}
				if chunk.Buffer().NumVariables() != len(cv) {
					t.Errorf("chunk %d buffer holds %d variables, chunk %d", i, chunk.Buffer().NumVariables(), len(cv))
				}
				for j, v := range cv {
					if v.Addr.Port != chunk.Port {
						t.Errorf("chunk %d (port %d) holds variable on port %d", i, chunk.Port, v.Addr.Port)
					}
					if seen[v] {
						t.Errorf("variable %s placed twice", v.Name)
					}
					seen[v] = true
					if _, _, length := chunk.Descriptor(j); length != 4 {
						t.Errorf("descriptor length = %d, want 4", length)
					}
				}
			}
			if len(seen) != len(vars) {
				t.Errorf("chunks hold %d variables, want %d", len(seen), len(vars))
			}
		})
	}
}

func TestRequestReadRoundTrip(t *testing.T) {
	ft := newFakeTransport()
	x := mustVariable(t, "x", "DINT R P=851 V=MAIN.x")
	s := mustVariable(t, "s", "STRING[N=8] R P=851 V=MAIN.s")
	n := mustVariable(t, "n", "UINT R P=851 G=0x4020 O=0x10")
	vars := []*Variable{x, s, n}
	req := newReadyRequest(t, ft, 10, vars)

	if _, err := x.ReadFromBuffer(make([]byte, 4)); !errors.Is(err, ErrDisconnected) {
		t.Errorf("read before first Read error = %v, want Disconnected", err)
	}

	_, xh, _ := x.Addr.Location()
	_, sh, _ := s.Addr.Location()
	ft.setValue(xh, le32(0xDEADBEEF))
	ft.setValue(sh, []byte("hello"))
	ft.setValue(0x10, []byte{0x34, 0x12})

	if err := req.Read(); err != nil {
		t.Fatalf("Read error: %v", err)
	}

	tests := []struct {
		v    *Variable
		want []byte
	}{
		{x, le32(0xDEADBEEF)},
		{s, []byte("hello\x00\x00\x00")},
		{n, []byte{0x34, 0x12}},
	}
	for _, tt := range tests {
		got, err := tt.v.Bytes()
		if err != nil || !bytes.Equal(got, tt.want) {
			t.Errorf("%s.Bytes() = % X, %v; want % X", tt.v.Name, got, err, tt.want)
		}
	}

	// Short destination reads a prefix.
	dst := make([]byte, 3)
	if got, err := s.ReadFromBuffer(dst); err != nil || got != 3 || string(dst) != "hel" {
		t.Errorf("ReadFromBuffer(3) = %d, %q, %v", got, dst, err)
	}
}

func TestRequestPerVariableStatus(t *testing.T) {
	ft := newFakeTransport()
	good := mustVariable(t, "good", "DINT R P=851 V=MAIN.good")
	bad := mustVariable(t, "bad", "DINT R P=851 V=MAIN.bad")
	req := newReadyRequest(t, ft, 10, []*Variable{good, bad})

	_, bh, _ := bad.Addr.Location()
	ft.statuses[bh] = ads.ErrDeviceInvalidOffs
	if err := req.Read(); err != nil {
		t.Fatalf("Read error: %v", err)
	}

	if _, err := good.Bytes(); err != nil {
		t.Errorf("good.Bytes() error: %v", err)
	}
	_, err := bad.Bytes()
	if !errors.Is(err, ErrNoData) {
		t.Errorf("bad.Bytes() error = %v, want NoData", err)
	}
	if code, ok := ads.ErrorCode(err); !ok || code != ads.ErrDeviceInvalidOffs {
		t.Errorf("bad.Bytes() lost the device code: %v", err)
	}
}

func TestRequestReadFailure(t *testing.T) {
	ft := newFakeTransport()
	vars := makeVariables(t, 1200, "851")
	req := newReadyRequest(t, ft, 500, vars)

	if err := req.Read(); err != nil {
		t.Fatalf("first Read error: %v", err)
	}

	ft.failSumRead = ft.sumReads + 2
	ft.sumReadErr = &ads.AdsError{Code: ads.ErrDeviceError}
	err := req.Read()
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("Read error = %v, want Internal", err)
	}
	if ft.sumReads != ft.failSumRead {
		t.Errorf("transport saw %d sum-reads, chunk 3 must not be executed", ft.sumReads-3)
	}

	chunks := req.Chunks()
	want := []BufferState{BufferValid, BufferInvalid, BufferInvalid}
	for i, chunk := range chunks {
		if got := chunk.Buffer().State(); got != want[i] {
			t.Errorf("chunk %d state = %v, want %v", i+1, got, want[i])
		}
	}

	if _, err := vars[0].Bytes(); err != nil {
		t.Errorf("chunk 1 variable error: %v", err)
	}
	if _, err := vars[700].Bytes(); !errors.Is(err, ErrDisconnected) {
		t.Errorf("chunk 2 variable error = %v, want Disconnected", err)
	}
	if _, err := vars[1100].Bytes(); !errors.Is(err, ErrDisconnected) {
		t.Errorf("chunk 3 variable error = %v, want Disconnected", err)
	}
}

func TestRequestReadDisconnect(t *testing.T) {
	ft := newFakeTransport()
	vars := makeVariables(t, 3, "851")
	req := newReadyRequest(t, ft, 10, vars)

	ft.failSumRead = 1
	ft.sumReadErr = fmt.Errorf("read TCP header: %w", io.EOF)
	if err := req.Read(); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Read error = %v, want Disconnected", err)
	}
	if req.conn.IsConnected() {
		t.Error("connection still up after disconnect error")
	}
	if !ft.closed {
		t.Error("transport not closed")
	}
}

func TestRequestChangedVariables(t *testing.T) {
	ft := newFakeTransport()
	x := mustVariable(t, "x", "DINT R P=851 V=MAIN.x")
	y := mustVariable(t, "y", "DINT R P=852 V=MAIN.y")
	req := newReadyRequest(t, ft, 10, []*Variable{x, y})

	_, xh, _ := x.Addr.Location()
	_, yh, _ := y.Addr.Location()
	ft.setValue(xh, le32(1))
	ft.setValue(yh, le32(1))
	req.Read()

	ft.setValue(yh, le32(2))
	if err := req.Read(); err != nil {
		t.Fatal(err)
	}
	changed := req.ChangedVariables()
	if len(changed) != 1 || changed[0] != y {
		t.Errorf("ChangedVariables() = %v, want [y]", changed)
	}
}

func TestRequestLifecycle(t *testing.T) {
	ft := newFakeTransport()
	conn := connectFake(t, ft)
	req, _ := NewRequest(conn, 10)
	vars := makeVariables(t, 3, "851")

	if err := req.Initialize(); !errors.Is(err, ErrNotAllocated) {
		t.Errorf("Initialize before Allocate error = %v, want NotAllocated", err)
	}
	if err := req.Read(); !errors.Is(err, ErrInvalidCall) {
		t.Errorf("Read before Initialize error = %v, want InvalidCall", err)
	}
	if err := req.Deallocate(); err != nil {
		t.Errorf("Deallocate while unallocated error: %v", err)
	}

	if err := req.Allocate(vars); err != nil {
		t.Fatalf("Allocate error: %v", err)
	}
	if err := req.Allocate(vars); !errors.Is(err, ErrInvalidCall) {
		t.Errorf("second Allocate error = %v, want InvalidCall", err)
	}

	if err := req.Initialize(); !errors.Is(err, ErrNotResolved) {
		t.Errorf("Initialize with unresolved variables error = %v, want NotResolved", err)
	}
	if req.IsInitialized() {
		t.Error("request initialized despite unresolved variables")
	}
	for _, chunk := range req.Chunks() {
		if g, o, l := chunk.Descriptor(0); g != 0 || o != 0 || l != 0 {
			t.Error("failed Initialize left descriptors filled")
		}
	}

	conn.Resolve(vars)
	if err := req.Initialize(); err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	if err := req.Initialize(); !errors.Is(err, ErrInvalidCall) {
		t.Errorf("second Initialize error = %v, want InvalidCall", err)
	}

	for i := 0; i < 2; i++ {
		if err := req.Deinitialize(); err != nil {
			t.Errorf("Deinitialize #%d error: %v", i+1, err)
		}
	}
	if g, _, _ := req.Chunks()[0].Descriptor(0); g != 0 {
		t.Error("Deinitialize left descriptors filled")
	}
	if !req.IsAllocated() {
		t.Error("Deinitialize dropped the allocation")
	}

	for i := 0; i < 2; i++ {
		if err := req.Deallocate(); err != nil {
			t.Errorf("Deallocate #%d error: %v", i+1, err)
		}
	}
	if req.IsAllocated() || len(req.Chunks()) != 0 {
		t.Error("Deallocate kept chunks")
	}
	if !vars[0].Position().IsEmpty() {
		t.Error("Deallocate kept variable positions")
	}
	if _, err := vars[0].Bytes(); !errors.Is(err, ErrNoData) {
		t.Errorf("read after Deallocate error = %v, want NoData", err)
	}

	// The same variables can be allocated again.
	if err := req.Allocate(vars); err != nil {
		t.Errorf("re-Allocate error: %v", err)
	}
}

func TestRequestAllocateRollback(t *testing.T) {
	conn := connectFake(t, newFakeTransport())
	req, _ := NewRequest(conn, 10, WithDataLimit(-1))

	vars := makeVariables(t, 2, "851")
	if err := req.Allocate(vars); !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("Allocate error = %v, want InvalidParam", err)
	}
	if req.IsAllocated() || len(req.Chunks()) != 0 || !vars[0].Position().IsEmpty() {
		t.Error("failed Allocate was not rolled back")
	}
}

func TestRequestReport(t *testing.T) {
	ft := newFakeTransport()
	vars := makeVariables(t, 3, "851")
	req := newReadyRequest(t, ft, 2, vars)

	tests := []struct {
		details int
		want    []string
		notWant []string
	}{
		{0, nil, []string{"Summary"}},
		{1, []string{"Max number of variables per sum-read buffer: 2", "chunks) allocated: 2", "Buffers initialized: yes"}, []string{"Details"}},
		{2, []string{"Buffers chunk #2/2:", "ADS port: 851", "Sum-read buffer size: 16 bytes"}, []string{"Sum-request buffer elements"}},
		{3, []string{"Variable 1/2:", "IGrp: 0x00f005", "Length: 4", "DINT[1 elem/4 bytes] P=851 V=MAIN.v0_851"}, nil},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.details), func(t *testing.T) {
			var sb strings.Builder
			req.Report(&sb, tt.details)
			out := sb.String()
			for _, s := range tt.want {
				if !strings.Contains(out, s) {
					t.Errorf("report missing %q:\n%s", s, out)
				}
			}
			for _, s := range tt.notWant {
				if strings.Contains(out, s) {
					t.Errorf("report contains %q:\n%s", s, out)
				}
			}
		})
	}
}

func TestRequestConcurrentReaders(t *testing.T) {
	ft := newFakeTransport()
	vars := makeVariables(t, 300, "851")
	req := newReadyRequest(t, ft, 100, vars)
	if n := len(req.Chunks()); n != 3 {
		t.Fatalf("got %d chunks, want 3", n)
	}

	// Every byte of every value carries the cycle number, so a torn read
	// shows up as mixed bytes.
	setCycle := func(k byte) {
		for _, v := range vars {
			_, h, _ := v.Addr.Location()
			ft.setValue(h, []byte{k, k, k, k})
		}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			dst := make([]byte, 4)
			for i := 0; ; i++ {
				select {
				case <-done:
					return
				default:
				}
				v := vars[(i*7+w)%len(vars)]
				if n, err := v.ReadFromBuffer(dst); err == nil {
					if n != 4 || dst[0] != dst[1] || dst[1] != dst[2] || dst[2] != dst[3] {
						errs <- fmt.Errorf("%s torn read % X", v.Name, dst[:n])
						return
					}
				}
				if i%50 == 0 {
					req.ChangedVariables()
					req.Report(io.Discard, 3)
				}
			}
		}(w)
	}

	for k := 1; k <= 50; k++ {
		setCycle(byte(k))
		if err := req.Read(); err != nil {
			t.Errorf("Read %d error: %v", k, err)
			break
		}
	}
	if err := req.Deallocate(); err != nil {
		t.Errorf("Deallocate error: %v", err)
	}
	close(done)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	for _, v := range vars {
		if _, err := v.ReadFromBuffer(make([]byte, 4)); !errors.Is(err, ErrNoData) {
			t.Fatalf("%s read after Deallocate error = %v, want NoData", v.Name, err)
		}
	}
}
