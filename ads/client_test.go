package ads

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

type handlerFunc func(hdr amsHeader, data []byte) []byte

// startFakeRouter answers every request on the server end of a pipe with
// the payload returned by handle.
func startFakeRouter(t *testing.T, handle handlerFunc) *Client {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	go func() {
		defer serverConn.Close()
		for {
			tcp := make([]byte, tcpHeaderLen)
			if _, err := io.ReadFull(serverConn, tcp); err != nil {
				return
			}
			frame := make([]byte, binary.LittleEndian.Uint32(tcp[2:6]))
			if _, err := io.ReadFull(serverConn, frame); err != nil {
				return
			}
			var req amsHeader
			req.unmarshal(frame)

			payload := handle(req, frame[amsHeaderLen:])
			resp := amsHeader{
				TargetNetId: req.SourceNetId,
				TargetPort:  req.SourcePort,
				SourceNetId: req.TargetNetId,
				SourcePort:  req.TargetPort,
				CommandId:   req.CommandId,
				StateFlags:  StateFlagResponse,
				DataLength:  uint32(len(payload)),
				InvokeId:    req.InvokeId,
			}
			out := make([]byte, tcpHeaderLen+amsHeaderLen+len(payload))
			binary.LittleEndian.PutUint32(out[2:6], uint32(amsHeaderLen+len(payload)))
			resp.marshal(out[tcpHeaderLen:])
			copy(out[tcpHeaderLen+amsHeaderLen:], payload)
			if _, err := serverConn.Write(out); err != nil {
				return
			}
		}
	}()

	client := NewClient(clientConn,
		WithAmsNetId(AmsNetId{10, 0, 0, 1, 1, 1}),
		WithTimeout(2*time.Second))
	t.Cleanup(func() { client.Close() })
	return client
}

func u32(vals ...uint32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[4*i:], v)
	}
	return out
}

func TestClientReadDeviceInfo(t *testing.T) {
	client := startFakeRouter(t, func(hdr amsHeader, data []byte) []byte {
		if hdr.CommandId != CmdReadDeviceInfo || hdr.TargetPort != 851 {
			return u32(uint32(ErrDeviceSrvNotSupp))
		}
		resp := make([]byte, 24)
		resp[4] = 3
		resp[5] = 1
		binary.LittleEndian.PutUint16(resp[6:8], 4024)
		copy(resp[8:], "Plc30 App")
		return resp
	})

	info, err := client.ReadDeviceInfo(851)
	if err != nil {
		t.Fatalf("ReadDeviceInfo error: %v", err)
	}
	want := DeviceInfo{MajorVersion: 3, MinorVersion: 1, BuildVersion: 4024, DeviceName: "Plc30 App"}
	if info != want {
		t.Errorf("ReadDeviceInfo = %+v, want %+v", info, want)
	}
	if got := info.String(); got != "Plc30 App v3.1.4024" {
		t.Errorf("String() = %q", got)
	}
}

func TestClientReadState(t *testing.T) {
	client := startFakeRouter(t, func(hdr amsHeader, data []byte) []byte {
		resp := make([]byte, 8)
		binary.LittleEndian.PutUint16(resp[4:6], uint16(StateRun))
		binary.LittleEndian.PutUint16(resp[6:8], 7)
		return resp
	})

	state, err := client.ReadState(851)
	if err != nil {
		t.Fatalf("ReadState error: %v", err)
	}
	if state.ADSState != StateRun || state.DeviceState != 7 {
		t.Errorf("ReadState = %+v", state)
	}
}

func TestClientSumRead(t *testing.T) {
	var gotGroup, gotOffset, gotReadLen uint32
	var gotDescriptors []byte

	client := startFakeRouter(t, func(hdr amsHeader, data []byte) []byte {
		gotGroup = binary.LittleEndian.Uint32(data[0:4])
		gotOffset = binary.LittleEndian.Uint32(data[4:8])
		gotReadLen = binary.LittleEndian.Uint32(data[8:12])
		gotDescriptors = append([]byte(nil), data[16:]...)

		// Two results, then 2 + 4 data bytes.
		body := append(u32(0, uint32(ErrDeviceSymbolNotFound)), 0x34, 0x12, 1, 2, 3, 4)
		return append(u32(0, uint32(len(body))), body...)
	})

	descriptors := u32(0x4020, 0, 2, 0xF005, 0x1234, 4)
	response := make([]byte, 2*4+6)
	if err := client.SumRead(851, descriptors, 2, response); err != nil {
		t.Fatalf("SumRead error: %v", err)
	}

	if gotGroup != IndexGroupSumUpRead {
		t.Errorf("index group = 0x%X, want 0xF080", gotGroup)
	}
	if gotOffset != 2 {
		t.Errorf("index offset = %d, want variable count 2", gotOffset)
	}
	if gotReadLen != uint32(len(response)) {
		t.Errorf("read length = %d, want %d", gotReadLen, len(response))
	}
	if string(gotDescriptors) != string(descriptors) {
		t.Errorf("descriptors = % X", gotDescriptors)
	}
	if binary.LittleEndian.Uint32(response[4:8]) != ErrDeviceSymbolNotFound {
		t.Errorf("second result = % X", response[4:8])
	}
	if response[8] != 0x34 || response[13] != 4 {
		t.Errorf("data = % X", response[8:])
	}

	if err := client.SumRead(851, descriptors[:12], 2, response); err == nil {
		t.Error("expected error for descriptor count mismatch")
	}
}

func TestClientHandles(t *testing.T) {
	var released uint32
	client := startFakeRouter(t, func(hdr amsHeader, data []byte) []byte {
		group := binary.LittleEndian.Uint32(data[0:4])
		switch {
		case hdr.CommandId == CmdReadWrite && group == IndexGroupSymbolHandleByName:
			if string(data[16:]) != "MAIN.counter\x00" {
				return u32(uint32(ErrDeviceSymbolNotFound))
			}
			return u32(0, 4, 0xCAFE)
		case hdr.CommandId == CmdWrite && group == IndexGroupSymbolReleaseHandle:
			released = binary.LittleEndian.Uint32(data[12:16])
			return u32(0)
		}
		return u32(uint32(ErrDeviceSrvNotSupp))
	})

	handle, err := client.AcquireHandle(851, "MAIN.counter")
	if err != nil {
		t.Fatalf("AcquireHandle error: %v", err)
	}
	if handle != 0xCAFE {
		t.Errorf("handle = 0x%X, want 0xCAFE", handle)
	}

	_, err = client.AcquireHandle(851, "MAIN.missing")
	if code, ok := ErrorCode(err); !ok || code != ErrDeviceSymbolNotFound {
		t.Errorf("AcquireHandle(missing) error = %v, want 0x710", err)
	}

	if err := client.ReleaseHandle(851, handle); err != nil {
		t.Fatalf("ReleaseHandle error: %v", err)
	}
	if released != 0xCAFE {
		t.Errorf("released handle = 0x%X", released)
	}
}

func TestClientReadWrite(t *testing.T) {
	store := map[uint32][]byte{}
	client := startFakeRouter(t, func(hdr amsHeader, data []byte) []byte {
		offset := binary.LittleEndian.Uint32(data[4:8])
		length := binary.LittleEndian.Uint32(data[8:12])
		switch hdr.CommandId {
		case CmdWrite:
			store[offset] = append([]byte(nil), data[12:12+length]...)
			return u32(0)
		case CmdRead:
			v := store[offset]
			return append(u32(0, uint32(len(v))), v...)
		}
		return u32(uint32(ErrDeviceSrvNotSupp))
	})

	if err := client.Write(851, 0x4020, 8, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	buf := make([]byte, 3)
	n, err := client.Read(851, 0x4020, 8, buf)
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if n != 3 || buf[2] != 3 {
		t.Errorf("Read = %d, % X", n, buf)
	}
}

func TestClientDisconnect(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	client := NewClient(clientConn, WithAmsNetId(AmsNetId{10, 0, 0, 1, 1, 1}))
	serverConn.Close()

	_, err := client.ReadDeviceInfo(851)
	if err == nil {
		t.Fatal("expected error after peer closed")
	}
	if !IsConnectionError(err) {
		t.Errorf("IsConnectionError(%v) = false", err)
	}
	if client.IsConnected() {
		t.Error("client still reports connected")
	}

	if _, err := client.ReadDeviceInfo(851); !errors.Is(err, net.ErrClosed) {
		t.Errorf("second request error = %v, want net.ErrClosed", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close error: %v", err)
	}
}

func TestClientTimeout(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()
	go io.Copy(io.Discard, serverConn)

	client := NewClient(clientConn,
		WithAmsNetId(AmsNetId{10, 0, 0, 1, 1, 1}),
		WithTimeout(20*time.Millisecond))
	defer client.Close()

	_, err := client.ReadState(851)
	if !IsTimeout(err) {
		t.Errorf("IsTimeout(%v) = false", err)
	}
}

func TestAdsErrorMessage(t *testing.T) {
	err := error(&AdsError{Code: ErrDeviceSymbolNotFound})
	if got := err.Error(); got != "ADS error 0x00000710: Symbol not found" {
		t.Errorf("Error() = %q", got)
	}
	if _, ok := ErrorCode(errors.New("plain")); ok {
		t.Error("ErrorCode matched a plain error")
	}
}
