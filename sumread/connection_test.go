package sumread

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"sumlink/ads"
)

func TestConnectionConnect(t *testing.T) {
	dialErr := errors.New("connection refused")
	conn := NewConnection(func(ctx context.Context, address string, netID ads.AmsNetId) (Transport, error) {
		return nil, dialErr
	})
	err := conn.Connect(context.Background(), testNetId, "10.0.0.1", 851)
	if !errors.Is(err, ErrDisconnected) || !errors.Is(err, dialErr) {
		t.Errorf("Connect error = %v, want Disconnected wrapping dial error", err)
	}
	if conn.IsConnected() {
		t.Error("IsConnected() = true after failed dial")
	}

	if err := conn.Connect(context.Background(), testNetId, "10.0.0.1", 0); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("Connect(port 0) error = %v, want InvalidParam", err)
	}

	ft := newFakeTransport()
	conn = connectFake(t, ft)
	if !conn.IsConnected() || conn.Remote() != testNetId {
		t.Errorf("after Connect: connected=%v remote=%s", conn.IsConnected(), conn.Remote())
	}
	if err := conn.Connect(context.Background(), testNetId, "10.0.0.1", 851); !errors.Is(err, ErrInvalidCall) {
		t.Errorf("second Connect error = %v, want InvalidCall", err)
	}

	info, err := conn.ReadDeviceInfo()
	if err != nil || info.DeviceName != "Plc30 App" {
		t.Errorf("ReadDeviceInfo() = %+v, %v", info, err)
	}
	state, err := conn.ReadDeviceState()
	if err != nil || state.ADSState != ads.StateRun {
		t.Errorf("ReadDeviceState() = %+v, %v", state, err)
	}

	if err := conn.Disconnect(); err != nil {
		t.Fatalf("Disconnect error: %v", err)
	}
	if !ft.closed || conn.IsConnected() || !conn.Remote().IsZero() {
		t.Error("Disconnect did not reset the session")
	}
	if err := conn.Disconnect(); !errors.Is(err, ErrDisconnected) {
		t.Errorf("second Disconnect error = %v, want Disconnected", err)
	}
	if _, err := conn.ReadDeviceInfo(); !errors.Is(err, ErrDisconnected) {
		t.Errorf("ReadDeviceInfo while disconnected error = %v, want Disconnected", err)
	}
}

func TestConnectionResolve(t *testing.T) {
	ft := newFakeTransport()
	conn := connectFake(t, ft)

	if err := conn.Resolve(nil); !errors.Is(err, ErrNoData) {
		t.Errorf("Resolve(nil) error = %v, want NoData", err)
	}

	a := mustVariable(t, "a", "DINT R P=851 V=MAIN.a")
	missing := mustVariable(t, "missing", "DINT R P=851 V=MAIN.missing")
	c := mustVariable(t, "c", "DINT R P=851 V=MAIN.c")
	num := mustVariable(t, "num", "DINT R P=851 G=0x4020 O=4")

	err := conn.Resolve([]*Variable{num, a, missing, c})
	if !errors.Is(err, ErrNotResolved) {
		t.Fatalf("Resolve error = %v, want NotResolved", err)
	}
	if !a.Addr.Resolved() {
		t.Error("variable before the failure was not kept resolved")
	}
	if missing.Addr.Resolved() || c.Addr.Resolved() {
		t.Error("variables at or after the failure were resolved")
	}
	group, offset, _ := a.Addr.Location()
	if group != ads.IndexGroupSymbolValueByHandle || offset != ft.handles["MAIN.a"] {
		t.Errorf("a location = 0x%X/0x%X", group, offset)
	}
	if g, o, _ := num.Addr.Location(); g != 0x4020 || o != 4 {
		t.Error("numeric address was modified")
	}

	// Resolving again only touches the rest.
	handleA := offset
	if err := conn.Resolve([]*Variable{a, c}); err != nil {
		t.Fatalf("second Resolve error: %v", err)
	}
	if _, offset, _ := a.Addr.Location(); offset != handleA {
		t.Error("resolved variable was resolved again")
	}
	if !c.Addr.Resolved() {
		t.Error("c not resolved")
	}
}

func TestConnectionUnresolve(t *testing.T) {
	ft := newFakeTransport()
	conn := connectFake(t, ft)

	a := mustVariable(t, "a", "DINT R P=851 V=MAIN.a")
	b := mustVariable(t, "b", "DINT R P=851 V=MAIN.b")
	num := mustVariable(t, "num", "DINT R P=851 G=0x4020 O=4")
	vars := []*Variable{a, b, num}
	if err := conn.Resolve(vars); err != nil {
		t.Fatal(err)
	}

	if err := conn.Unresolve(vars); err != nil {
		t.Fatalf("Unresolve error: %v", err)
	}
	if a.Addr.Resolved() || b.Addr.Resolved() {
		t.Error("symbolic variables still resolved")
	}
	if !num.Addr.Resolved() {
		t.Error("numeric variable was unresolved")
	}
	if len(ft.released) != 2 {
		t.Errorf("released %d handles, want 2", len(ft.released))
	}
}

func TestConnectionUnresolveErrors(t *testing.T) {
	tests := []struct {
		name       string
		releaseErr error
		disconnect bool
		want       *Error
	}{
		{"disconnected", nil, true, ErrDisconnected},
		{"release rejected", &ads.AdsError{Code: ads.ErrDeviceInvalidParam}, false, ErrNotResolved},
		{"connection drops", io.EOF, false, ErrDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := newFakeTransport()
			conn := connectFake(t, ft)
			vars := makeVariables(t, 3, "851")
			if err := conn.Resolve(vars); err != nil {
				t.Fatal(err)
			}

			ft.releaseErr = tt.releaseErr
			if tt.disconnect {
				conn.Disconnect()
			}

			err := conn.Unresolve(vars)
			if !errors.Is(err, tt.want) {
				t.Errorf("Unresolve error = %v, want %v", err, tt.want)
			}
			for _, v := range vars {
				if v.Addr.Resolved() {
					t.Errorf("%s still resolved", v.Name)
				}
			}
			if tt.releaseErr != nil && !errors.Is(err, tt.releaseErr) {
				t.Errorf("Unresolve error %v does not wrap %v", err, tt.releaseErr)
			}
		})
	}
}

func TestConnectionWriteVariable(t *testing.T) {
	ft := newFakeTransport()
	conn := connectFake(t, ft)
	v := mustVariable(t, "v", "INT[N=3] W P=851 V=MAIN.a")

	if err := conn.WriteVariable(v, []byte{1}); !errors.Is(err, ErrNotResolved) {
		t.Errorf("WriteVariable(unresolved) error = %v, want NotResolved", err)
	}
	conn.Resolve([]*Variable{v})
	_, handle, _ := v.Addr.Location()

	if err := conn.WriteVariable(v, []byte{1, 0, 2}); err != nil {
		t.Fatalf("WriteVariable error: %v", err)
	}
	if got := ft.writes[handle]; !bytes.Equal(got, []byte{1, 0, 2, 0, 0, 0}) {
		t.Errorf("written = % X, want zero padded to 6 bytes", got)
	}
	if err := conn.WriteVariable(v, make([]byte, 7)); !errors.Is(err, ErrOverflow) {
		t.Errorf("WriteVariable(7 bytes) error = %v, want Overflow", err)
	}

	buf := make([]byte, 10)
	n, err := conn.ReadVariable(v, buf)
	if err != nil || n != 6 || buf[2] != 2 {
		t.Errorf("ReadVariable = %d, % X, %v", n, buf, err)
	}

	err = conn.ModifyVariable(v, func(cur []byte) ([]byte, error) {
		out := append([]byte(nil), cur...)
		out[4] = 9
		return out, nil
	})
	if err != nil {
		t.Fatalf("ModifyVariable error: %v", err)
	}
	if got := ft.writes[handle]; !bytes.Equal(got, []byte{1, 0, 2, 0, 9, 0}) {
		t.Errorf("after ModifyVariable = % X", got)
	}

	conn.Disconnect()
	if err := conn.WriteVariable(v, []byte{1}); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("WriteVariable without connection error = %v, want NotInitialized", err)
	}
}
