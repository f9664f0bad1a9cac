// Package ads implements the Beckhoff ADS (Automation Device Specification) protocol
// for communicating with TwinCAT devices over AMS/TCP.
package ads

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"sumlink/logging"
)

// AMS/TCP header (6 bytes) followed by the AMS header (32 bytes).
const (
	tcpHeaderLen = 6
	amsHeaderLen = 32
)

// amsHeader identifies source/target and command for every ADS frame.
type amsHeader struct {
	TargetNetId AmsNetId
	TargetPort  uint16
	SourceNetId AmsNetId
	SourcePort  uint16
	CommandId   uint16
	StateFlags  uint16
	DataLength  uint32
	ErrorCode   uint32
	InvokeId    uint32
}

func (h *amsHeader) marshal(buf []byte) {
	copy(buf[0:6], h.TargetNetId[:])
	binary.LittleEndian.PutUint16(buf[6:8], h.TargetPort)
	copy(buf[8:14], h.SourceNetId[:])
	binary.LittleEndian.PutUint16(buf[14:16], h.SourcePort)
	binary.LittleEndian.PutUint16(buf[16:18], h.CommandId)
	binary.LittleEndian.PutUint16(buf[18:20], h.StateFlags)
	binary.LittleEndian.PutUint32(buf[20:24], h.DataLength)
	binary.LittleEndian.PutUint32(buf[24:28], h.ErrorCode)
	binary.LittleEndian.PutUint32(buf[28:32], h.InvokeId)
}

func (h *amsHeader) unmarshal(buf []byte) {
	copy(h.TargetNetId[:], buf[0:6])
	h.TargetPort = binary.LittleEndian.Uint16(buf[6:8])
	copy(h.SourceNetId[:], buf[8:14])
	h.SourcePort = binary.LittleEndian.Uint16(buf[14:16])
	h.CommandId = binary.LittleEndian.Uint16(buf[16:18])
	h.StateFlags = binary.LittleEndian.Uint16(buf[18:20])
	h.DataLength = binary.LittleEndian.Uint32(buf[20:24])
	h.ErrorCode = binary.LittleEndian.Uint32(buf[24:28])
	h.InvokeId = binary.LittleEndian.Uint32(buf[28:32])
}

// ADS Command IDs
const (
	CmdReadDeviceInfo uint16 = 0x0001
	CmdRead           uint16 = 0x0002
	CmdWrite          uint16 = 0x0003
	CmdReadState      uint16 = 0x0004
	CmdWriteControl   uint16 = 0x0005
	CmdReadWrite      uint16 = 0x0009
)

// ADS State Flags
const (
	StateFlagRequest  uint16 = 0x0004
	StateFlagResponse uint16 = 0x0005
)

// Reserved index groups used by sumlink.
const (
	IndexGroupSymbolHandleByName  uint32 = 0xF003 // Get handle by symbol name
	IndexGroupSymbolValueByHandle uint32 = 0xF005 // Read/write value by handle
	IndexGroupSymbolReleaseHandle uint32 = 0xF006 // Release handle
	IndexGroupSumUpRead           uint32 = 0xF080 // Sum-read; index offset is the request count
	IndexGroupSumUpWrite          uint32 = 0xF081
	IndexGroupSumUpReadWrite      uint32 = 0xF082
)

// ADS Ports
const (
	PortLogger  uint16 = 100
	PortRTime   uint16 = 200
	PortTrace   uint16 = 290
	PortIO      uint16 = 300
	PortSPS     uint16 = 400
	PortNC      uint16 = 500
	PortISG     uint16 = 550
	PortPCS     uint16 = 600
	PortPLC1    uint16 = 801 // TwinCAT 2 PLC runtime 1
	PortPLC2    uint16 = 811
	PortPLC3    uint16 = 821
	PortPLC4    uint16 = 831
	PortTC3PLC1 uint16 = 851 // TwinCAT 3 PLC runtime 1
)

var portAliases = map[string]uint16{
	"LOGGER":   PortLogger,
	"RTIME":    PortRTime,
	"TRACE":    PortTrace,
	"IO":       PortIO,
	"SPS":      PortSPS,
	"NC":       PortNC,
	"ISG":      PortISG,
	"PCS":      PortPCS,
	"PLC":      PortPLC1,
	"PLC_RTS1": PortPLC1,
	"PLC_RTS2": PortPLC2,
	"PLC_RTS3": PortPLC3,
	"PLC_RTS4": PortPLC4,
	"PLC_TC3":  PortTC3PLC1,
}

// PortByName returns the AMS port for a symbolic alias such as "PLC_TC3".
func PortByName(name string) (uint16, bool) {
	p, ok := portAliases[strings.ToUpper(name)]
	return p, ok
}

// ParsePort parses an AMS port given as an alias, a decimal or a 0x-prefixed hex number.
func ParsePort(s string) (uint16, error) {
	if p, ok := PortByName(s); ok {
		return p, nil
	}
	base := 10
	digits := s
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		digits = s[2:]
	}
	v, err := strconv.ParseUint(digits, base, 16)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid AMS port %q", s)
	}
	return uint16(v), nil
}

// Default ADS TCP port
const DefaultTCPPort = 48898

var invokeIdCounter uint32

func nextInvokeId() uint32 {
	return atomic.AddUint32(&invokeIdCounter, 1)
}

// adsConnection handles the low-level TCP framing. It is not safe for
// concurrent use; Client serializes access.
type adsConnection struct {
	conn       net.Conn
	localNetId AmsNetId
	localPort  uint16
	timeout    time.Duration
}

func newAdsConnection(conn net.Conn, localNetId AmsNetId, localPort uint16, timeout time.Duration) *adsConnection {
	return &adsConnection{
		conn:       conn,
		localNetId: localNetId,
		localPort:  localPort,
		timeout:    timeout,
	}
}

// sendRequest sends an ADS request and returns the response payload.
func (c *adsConnection) sendRequest(target AmsAddress, cmdId uint16, data []byte) ([]byte, error) {
	invokeId := nextInvokeId()

	hdr := amsHeader{
		TargetNetId: target.NetId,
		TargetPort:  target.Port,
		SourceNetId: c.localNetId,
		SourcePort:  c.localPort,
		CommandId:   cmdId,
		StateFlags:  StateFlagRequest,
		DataLength:  uint32(len(data)),
		InvokeId:    invokeId,
	}

	buf := make([]byte, tcpHeaderLen+amsHeaderLen+len(data))
	binary.LittleEndian.PutUint32(buf[2:6], uint32(amsHeaderLen+len(data)))
	hdr.marshal(buf[tcpHeaderLen:])
	copy(buf[tcpHeaderLen+amsHeaderLen:], data)

	if c.timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.timeout))
	}

	logging.DebugTX("ADS", buf)
	if _, err := c.conn.Write(buf); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	return c.readResponse(invokeId)
}

// readResponse reads frames until the one matching the invoke ID arrives.
// Stale responses from timed-out requests are discarded.
func (c *adsConnection) readResponse(expectedInvokeId uint32) ([]byte, error) {
	for {
		tcpBuf := make([]byte, tcpHeaderLen)
		if _, err := io.ReadFull(c.conn, tcpBuf); err != nil {
			return nil, fmt.Errorf("read TCP header: %w", err)
		}

		length := binary.LittleEndian.Uint32(tcpBuf[2:6])
		if length < amsHeaderLen {
			return nil, fmt.Errorf("invalid AMS length: %d", length)
		}

		amsBuf := make([]byte, length)
		if _, err := io.ReadFull(c.conn, amsBuf); err != nil {
			return nil, fmt.Errorf("read AMS data: %w", err)
		}
		logging.DebugRX("ADS", append(tcpBuf, amsBuf...))

		var hdr amsHeader
		hdr.unmarshal(amsBuf)

		if hdr.InvokeId != expectedInvokeId {
			logging.DebugLog("ADS", "discarding response with invoke ID %d (want %d)", hdr.InvokeId, expectedInvokeId)
			continue
		}

		if hdr.ErrorCode != 0 {
			return nil, &AdsError{Code: hdr.ErrorCode}
		}

		return amsBuf[amsHeaderLen:], nil
	}
}

func (c *adsConnection) close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// AdsError represents an ADS protocol error.
type AdsError struct {
	Code uint32
}

func (e *AdsError) Error() string {
	return fmt.Sprintf("ADS error 0x%08X: %s", e.Code, adsErrorName(e.Code))
}

// ErrorCode extracts the ADS return code from err, if it carries one.
func ErrorCode(err error) (uint32, bool) {
	var adsErr *AdsError
	if errors.As(err, &adsErr) {
		return adsErr.Code, true
	}
	return 0, false
}

// Common ADS error codes
const (
	ErrNoError               uint32 = 0x0000
	ErrInternal              uint32 = 0x0001
	ErrNoRuntime             uint32 = 0x0002
	ErrTargetPortNotFound    uint32 = 0x0006
	ErrTargetMachineNotFound uint32 = 0x0007 // also reported as "missing route"
	ErrUnknownCmdId          uint32 = 0x0008
	ErrPortNotConnected      uint32 = 0x000D
	ErrInvalidAmsLength      uint32 = 0x000E
	ErrInvalidAmsNetId       uint32 = 0x000F
	ErrPortDisabled          uint32 = 0x0012
	ErrAmsSync               uint32 = 0x0014
	ErrAmsSyncTimeout        uint32 = 0x0015
	ErrInvalidAmsPort        uint32 = 0x0018
	ErrNoMemory              uint32 = 0x0019
	ErrTcpSend               uint32 = 0x001A
	ErrHostUnreachable       uint32 = 0x001B

	ErrRouterNotInitialized   uint32 = 0x0505
	ErrRouterPortNotConnected uint32 = 0x050A

	ErrDeviceError          uint32 = 0x0700
	ErrDeviceSrvNotSupp     uint32 = 0x0701
	ErrDeviceInvalidGrp     uint32 = 0x0702
	ErrDeviceInvalidOffs    uint32 = 0x0703
	ErrDeviceInvalidAccess  uint32 = 0x0704
	ErrDeviceInvalidSize    uint32 = 0x0705
	ErrDeviceInvalidData    uint32 = 0x0706
	ErrDeviceNotReady       uint32 = 0x0707
	ErrDeviceBusy           uint32 = 0x0708
	ErrDeviceNoMemory       uint32 = 0x070A
	ErrDeviceInvalidParam   uint32 = 0x070B
	ErrDeviceNotFound       uint32 = 0x070C
	ErrDeviceSyntax         uint32 = 0x070D
	ErrDeviceSymbolNotFound uint32 = 0x0710
	ErrDeviceInvalidState   uint32 = 0x0712
	ErrDeviceNoMoreHdls     uint32 = 0x0716
	ErrDeviceTimeout        uint32 = 0x0719
	ErrDeviceAccessDenied   uint32 = 0x0723
	ErrDeviceOutOfRange     uint32 = 0x0735

	ErrClientError       uint32 = 0x0740
	ErrClientInvalidParm uint32 = 0x0741
	ErrClientSyncTimeout uint32 = 0x0745
	ErrClientPortNotOpen uint32 = 0x0748
	ErrClientNoAmsAddr   uint32 = 0x0749
)

func adsErrorName(code uint32) string {
	switch code {
	case ErrNoError:
		return "No error"
	case ErrInternal:
		return "Internal error"
	case ErrTargetPortNotFound:
		return "Target port not found"
	case ErrTargetMachineNotFound:
		return "Target machine not found"
	case ErrAmsSyncTimeout:
		return "AMS sync timeout"
	case ErrHostUnreachable:
		return "Host unreachable"
	case ErrDeviceError:
		return "Device error"
	case ErrDeviceSrvNotSupp:
		return "Service not supported"
	case ErrDeviceInvalidGrp:
		return "Invalid index group"
	case ErrDeviceInvalidOffs:
		return "Invalid index offset"
	case ErrDeviceInvalidAccess:
		return "Invalid access"
	case ErrDeviceInvalidSize:
		return "Invalid size"
	case ErrDeviceInvalidData:
		return "Invalid data"
	case ErrDeviceNotReady:
		return "Device not ready"
	case ErrDeviceBusy:
		return "Device busy"
	case ErrDeviceNoMemory:
		return "Out of memory"
	case ErrDeviceInvalidParam:
		return "Invalid parameter"
	case ErrDeviceNotFound:
		return "Device not found"
	case ErrDeviceSymbolNotFound:
		return "Symbol not found"
	case ErrDeviceInvalidState:
		return "Invalid state"
	case ErrDeviceNoMoreHdls:
		return "No more handles"
	case ErrDeviceTimeout:
		return "Timeout"
	case ErrDeviceAccessDenied:
		return "Access denied"
	case ErrDeviceOutOfRange:
		return "Out of range"
	case ErrClientSyncTimeout:
		return "Client sync timeout"
	case ErrClientPortNotOpen:
		return "Client port not open"
	default:
		return "Unknown error"
	}
}
