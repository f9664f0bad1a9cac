package ads

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"sumlink/logging"
)

// DefaultTimeout bounds every ADS request when no WithTimeout option is given.
const DefaultTimeout = 500 * time.Millisecond

// Client is one AMS/TCP session to a TwinCAT router. Every request names its
// target AMS port, so a single Client serves all runtimes on the device.
// Requests are serialized; the client is safe for concurrent use.
type Client struct {
	conn      *adsConnection
	address   string
	targetId  AmsNetId
	localId   AmsNetId
	localPort uint16

	connected bool
	mu        sync.Mutex
}

type options struct {
	targetNetId AmsNetId
	localNetId  AmsNetId
	timeout     time.Duration
}

// Option is a functional option for Connect and NewClient.
type Option func(*options)

// WithAmsNetId sets the target AMS Net ID. If not specified, it is derived
// from the IP address (IP.1.1).
func WithAmsNetId(netId AmsNetId) Option {
	return func(o *options) {
		o.targetNetId = netId
	}
}

// WithLocalAmsNetId sets the source AMS Net ID used in request headers. The
// target router must have a route for it. Defaults to 0.0.0.0.1.1.
func WithLocalAmsNetId(netId AmsNetId) Option {
	return func(o *options) {
		o.localNetId = netId
	}
}

// WithTimeout sets the dial and per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func buildOptions(opts []Option) *options {
	cfg := &options{
		localNetId: AmsNetId{0, 0, 0, 0, 1, 1},
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Connect dials the ADS router at address (host or host:port, default port
// 48898).
func Connect(ctx context.Context, address string, opts ...Option) (*Client, error) {
	cfg := buildOptions(opts)

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		host = address
		port = fmt.Sprint(DefaultTCPPort)
	}

	if cfg.targetNetId.IsZero() {
		cfg.targetNetId, err = AmsNetIdFromIP(host)
		if err != nil {
			return nil, fmt.Errorf("Connect: cannot derive AMS Net ID from %q: %w", host, err)
		}
	}

	tcpAddr := net.JoinHostPort(host, port)
	logging.DebugConnect("ADS", tcpAddr)

	dialer := net.Dialer{Timeout: cfg.timeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", tcpAddr)
	if err != nil {
		logging.DebugConnectError("ADS", tcpAddr, err)
		return nil, fmt.Errorf("Connect: %w", err)
	}

	client := newClient(conn, tcpAddr, cfg)
	logging.DebugConnectSuccess("ADS", tcpAddr, fmt.Sprintf("target %s, source %s:%d", client.targetId, client.localId, client.localPort))
	return client, nil
}

// NewClient wraps an already established connection.
func NewClient(conn net.Conn, opts ...Option) *Client {
	return newClient(conn, conn.RemoteAddr().String(), buildOptions(opts))
}

func newClient(conn net.Conn, address string, cfg *options) *Client {
	// Client ports live above 32768.
	localPort := uint16(32768 + (time.Now().UnixNano() % 1000))
	return &Client{
		conn:      newAdsConnection(conn, cfg.localNetId, localPort, cfg.timeout),
		address:   address,
		targetId:  cfg.targetNetId,
		localId:   cfg.localNetId,
		localPort: localPort,
		connected: true,
	}
}

// Address returns the TCP address the client was dialed with.
func (c *Client) Address() string { return c.address }

// TargetNetId returns the AMS Net ID requests are addressed to.
func (c *Client) TargetNetId() AmsNetId { return c.targetId }

// IsConnected reports whether the session is still usable. It turns false
// after Close or after any transport-level failure.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close ends the session.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	c.connected = false
	err := c.conn.close()
	c.conn = nil
	logging.DebugDisconnect("ADS", c.address, "closed")
	return err
}

// request sends one ADS command and checks the leading result field.
func (c *Client) request(port uint16, cmd uint16, data []byte, minLen int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.connected {
		return nil, fmt.Errorf("not connected: %w", net.ErrClosed)
	}

	resp, err := c.conn.sendRequest(AmsAddress{NetId: c.targetId, Port: port}, cmd, data)
	if err != nil {
		if IsConnectionError(err) {
			c.connected = false
			logging.DebugDisconnect("ADS", c.address, err.Error())
		}
		return nil, err
	}

	if len(resp) < 4 {
		return nil, fmt.Errorf("response too short: %d bytes", len(resp))
	}
	if result := binary.LittleEndian.Uint32(resp[0:4]); result != 0 {
		return nil, &AdsError{Code: result}
	}
	if len(resp) < minLen {
		return nil, fmt.Errorf("response too short: %d bytes, want %d", len(resp), minLen)
	}
	return resp, nil
}

// ReadDeviceInfo returns name and version of the runtime behind port.
func (c *Client) ReadDeviceInfo(port uint16) (DeviceInfo, error) {
	// [Result 4] [Major 1] [Minor 1] [Build 2] [Name 16]
	resp, err := c.request(port, CmdReadDeviceInfo, nil, 24)
	if err != nil {
		return DeviceInfo{}, err
	}
	return DeviceInfo{
		MajorVersion: resp[4],
		MinorVersion: resp[5],
		BuildVersion: binary.LittleEndian.Uint16(resp[6:8]),
		DeviceName:   cString(resp[8:24]),
	}, nil
}

// ReadState returns the ADS and device state of the runtime behind port.
func (c *Client) ReadState(port uint16) (DeviceState, error) {
	// [Result 4] [AdsState 2] [DeviceState 2]
	resp, err := c.request(port, CmdReadState, nil, 8)
	if err != nil {
		return DeviceState{}, err
	}
	return DeviceState{
		ADSState:    State(binary.LittleEndian.Uint16(resp[4:6])),
		DeviceState: binary.LittleEndian.Uint16(resp[6:8]),
	}, nil
}

// Read fills buf from group/offset and returns the number of bytes the
// device delivered.
func (c *Client) Read(port uint16, group, offset uint32, buf []byte) (int, error) {
	req := make([]byte, 12)
	binary.LittleEndian.PutUint32(req[0:4], group)
	binary.LittleEndian.PutUint32(req[4:8], offset)
	binary.LittleEndian.PutUint32(req[8:12], uint32(len(buf)))

	// [Result 4] [Length 4] [Data n]
	resp, err := c.request(port, CmdRead, req, 8)
	if err != nil {
		return 0, err
	}
	return copyPayload(resp, buf)
}

// Write sends data to group/offset.
func (c *Client) Write(port uint16, group, offset uint32, data []byte) error {
	req := make([]byte, 12+len(data))
	binary.LittleEndian.PutUint32(req[0:4], group)
	binary.LittleEndian.PutUint32(req[4:8], offset)
	binary.LittleEndian.PutUint32(req[8:12], uint32(len(data)))
	copy(req[12:], data)

	_, err := c.request(port, CmdWrite, req, 4)
	return err
}

// ReadWrite writes data to group/offset and reads the reply into buf in a
// single round trip.
func (c *Client) ReadWrite(port uint16, group, offset uint32, buf, data []byte) (int, error) {
	req := make([]byte, 16+len(data))
	binary.LittleEndian.PutUint32(req[0:4], group)
	binary.LittleEndian.PutUint32(req[4:8], offset)
	binary.LittleEndian.PutUint32(req[8:12], uint32(len(buf)))
	binary.LittleEndian.PutUint32(req[12:16], uint32(len(data)))
	copy(req[16:], data)

	resp, err := c.request(port, CmdReadWrite, req, 8)
	if err != nil {
		return 0, err
	}
	return copyPayload(resp, buf)
}

func copyPayload(resp, buf []byte) (int, error) {
	length := binary.LittleEndian.Uint32(resp[4:8])
	if uint64(len(resp)-8) < uint64(length) {
		return 0, fmt.Errorf("response data truncated: expected %d, got %d", length, len(resp)-8)
	}
	return copy(buf, resp[8:8+length]), nil
}

// SumRead issues one SUMUP_READ for count variables. descriptors holds count
// (IndexGroup, IndexOffset, Length) triples; response receives count result
// codes followed by the concatenated data.
func (c *Client) SumRead(port uint16, descriptors []byte, count uint32, response []byte) error {
	if uint64(len(descriptors)) != uint64(count)*12 {
		return fmt.Errorf("sum read: %d descriptor bytes for %d variables", len(descriptors), count)
	}
	n, err := c.ReadWrite(port, IndexGroupSumUpRead, count, response, descriptors)
	if err != nil {
		return err
	}
	if uint64(n) < uint64(count)*4 {
		return fmt.Errorf("sum read: short response %d bytes for %d variables", n, count)
	}
	return nil
}

// AcquireHandle resolves a symbol name into a value handle.
func (c *Client) AcquireHandle(port uint16, name string) (uint32, error) {
	var handle [4]byte
	n, err := c.ReadWrite(port, IndexGroupSymbolHandleByName, 0, handle[:], append([]byte(name), 0))
	if err != nil {
		return 0, err
	}
	if n < len(handle) {
		return 0, fmt.Errorf("handle response too short: %d bytes", n)
	}
	return binary.LittleEndian.Uint32(handle[:]), nil
}

// ReleaseHandle frees a handle obtained from AcquireHandle.
func (c *Client) ReleaseHandle(port uint16, handle uint32) error {
	var data [4]byte
	binary.LittleEndian.PutUint32(data[:], handle)
	return c.Write(port, IndexGroupSymbolReleaseHandle, 0, data[:])
}

// IsConnectionError reports whether err means the TCP session is gone.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return IsTimeout(err)
}

// IsTimeout reports whether err is a request deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
