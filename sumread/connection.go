package sumread

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sumlink/ads"
	"sumlink/logging"
)

// Transport is the ADS session the engine drives. *ads.Client implements it.
type Transport interface {
	SumRead(port uint16, descriptors []byte, count uint32, response []byte) error
	AcquireHandle(port uint16, name string) (uint32, error)
	ReleaseHandle(port uint16, handle uint32) error
	ReadDeviceInfo(port uint16) (ads.DeviceInfo, error)
	ReadState(port uint16) (ads.DeviceState, error)
	Read(port uint16, group, offset uint32, buf []byte) (int, error)
	Write(port uint16, group, offset uint32, data []byte) error
	Close() error
}

// Dialer opens a Transport to the router at address for the device netID.
type Dialer func(ctx context.Context, address string, netID ads.AmsNetId) (Transport, error)

// ADSDialer returns a Dialer backed by ads.Connect.
func ADSDialer(timeout time.Duration, localNetID ads.AmsNetId) Dialer {
	return func(ctx context.Context, address string, netID ads.AmsNetId) (Transport, error) {
		opts := []ads.Option{ads.WithTimeout(timeout)}
		if !netID.IsZero() {
			opts = append(opts, ads.WithAmsNetId(netID))
		}
		if !localNetID.IsZero() {
			opts = append(opts, ads.WithLocalAmsNetId(localNetID))
		}
		client, err := ads.Connect(ctx, address, opts...)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// Connection owns the transport session to one device. Every transport call
// holds the connection mutex, so at most one request is outstanding.
type Connection struct {
	dial Dialer

	mu         sync.Mutex
	transport  Transport
	remote     ads.AmsNetId
	address    string
	devicePort uint16
}

// NewConnection returns a disconnected Connection that opens sessions with dial.
func NewConnection(dial Dialer) *Connection {
	return &Connection{dial: dial}
}

// Connect opens the session. devicePort is the runtime queried by
// ReadDeviceInfo and ReadDeviceState.
func (c *Connection) Connect(ctx context.Context, netID ads.AmsNetId, address string, devicePort uint16) error {
	const op = "Connect"

	if devicePort == 0 {
		return errorf(op, KindInvalidParam, "device port must be set")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport != nil {
		return errorf(op, KindInvalidCall, "already connected to %s", c.address)
	}

	transport, err := c.dial(ctx, address, netID)
	if err != nil {
		return newError(op, KindDisconnected, err)
	}

	c.transport = transport
	c.remote = netID
	c.address = address
	c.devicePort = devicePort
	logging.DebugLog("SumRead", "connected to %s (%s), device port %d", address, netID, devicePort)
	return nil
}

// Disconnect closes the session.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport == nil {
		return newError("Disconnect", KindDisconnected, nil)
	}
	err := c.transport.Close()
	c.dropLocked()
	if err != nil {
		return newError("Disconnect", KindInternal, err)
	}
	return nil
}

func (c *Connection) dropLocked() {
	c.transport = nil
	c.remote = ads.AmsNetId{}
	c.devicePort = 0
}

// checkLocked maps a transport error and drops the session when the error
// means it is gone.
func (c *Connection) checkLocked(op string, err error) error {
	if err == nil {
		return nil
	}
	mapped := fromTransport(op, err)
	if KindOf(mapped) == KindDisconnected && c.transport != nil {
		logging.DebugDisconnect("SumRead", c.address, err.Error())
		c.transport.Close()
		c.dropLocked()
	}
	return mapped
}

// IsConnected reports whether a session is open.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport != nil
}

// Remote returns the AMS Net ID of the connected device.
func (c *Connection) Remote() ads.AmsNetId {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// Resolve acquires a handle for every unresolved symbolic variable. It stops
// at the first transport failure; variables resolved up to that point stay
// resolved.
func (c *Connection) Resolve(vars []*Variable) error {
	const op = "Resolve"

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(vars) == 0 {
		return newError(op, KindNoData, nil)
	}
	if c.transport == nil {
		return newError(op, KindDisconnected, nil)
	}

	for _, v := range vars {
		if v.Addr.Resolved() || !v.Addr.IsSymbolic() {
			continue
		}
		handle, err := c.transport.AcquireHandle(v.Addr.Port, v.Addr.Name)
		if err != nil {
			logging.DebugLog("SumRead", "could not resolve variable %q: %v", v.Addr.Name, err)
			return c.checkLocked(op, fmt.Errorf("%s: %w", v.Addr.Name, err))
		}
		if err := v.Addr.Resolve(ads.IndexGroupSymbolValueByHandle, handle); err != nil {
			return err
		}
	}
	return nil
}

// Unresolve releases the handles of resolved symbolic variables. Every such
// variable ends up unresolved even when its release fails. Once the session
// is lost no further release is attempted and Disconnected is returned.
func (c *Connection) Unresolve(vars []*Variable) error {
	const op = "Unresolve"

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(vars) == 0 {
		return newError(op, KindNoData, nil)
	}

	var firstErr error
	for _, v := range vars {
		group, handle, resolved := v.Addr.Location()
		if !resolved || !v.Addr.IsSymbolic() {
			continue
		}
		if c.transport != nil && group == ads.IndexGroupSymbolValueByHandle {
			if err := c.transport.ReleaseHandle(v.Addr.Port, handle); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", v.Addr.Name, err)
				}
				c.checkLocked(op, err)
			}
		}
		v.Addr.Unresolve()
	}

	if c.transport == nil {
		return newError(op, KindDisconnected, firstErr)
	}
	if firstErr != nil {
		return newError(op, KindNotResolved, firstErr)
	}
	return nil
}

// ReadDeviceInfo queries name and version of the device runtime.
func (c *Connection) ReadDeviceInfo() (ads.DeviceInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport == nil {
		return ads.DeviceInfo{}, newError("ReadDeviceInfo", KindDisconnected, nil)
	}
	info, err := c.transport.ReadDeviceInfo(c.devicePort)
	return info, c.checkLocked("ReadDeviceInfo", err)
}

// ReadDeviceState queries the ADS and device state of the device runtime.
func (c *Connection) ReadDeviceState() (ads.DeviceState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport == nil {
		return ads.DeviceState{}, newError("ReadDeviceState", KindDisconnected, nil)
	}
	state, err := c.transport.ReadState(c.devicePort)
	return state, c.checkLocked("ReadDeviceState", err)
}

// sumRead runs one chunk's batch read into its live buffer.
func (c *Connection) sumRead(chunk *Chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport == nil {
		return newError("Read", KindDisconnected, nil)
	}
	err := chunk.buffer.fill(func(live []byte) error {
		return c.transport.SumRead(chunk.Port, chunk.descriptors, uint32(len(chunk.vars)), live)
	})
	return c.checkLocked("Read", err)
}

func (c *Connection) checkVariable(op string, v *Variable) (group, offset uint32, err error) {
	if c.transport == nil {
		return 0, 0, newError(op, KindNotInitialized, errors.New("no connection"))
	}
	group, offset, resolved := v.Addr.Location()
	if !resolved {
		return 0, 0, errorf(op, KindNotResolved, "variable %s is not resolved", v.Addr)
	}
	return group, offset, nil
}

// ReadVariable reads a variable directly from the device, bypassing the
// sum-read buffers. At most min(len(dst), Size()) bytes are read.
func (c *Connection) ReadVariable(v *Variable, dst []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readVariableLocked(v, dst)
}

func (c *Connection) readVariableLocked(v *Variable, dst []byte) (int, error) {
	const op = "ReadVariable"
	group, offset, err := c.checkVariable(op, v)
	if err != nil {
		return 0, err
	}
	if size := int(v.Size()); len(dst) > size {
		dst = dst[:size]
	}
	n, err := c.transport.Read(v.Addr.Port, group, offset, dst)
	if err != nil {
		return 0, c.checkLocked(op, err)
	}
	return n, nil
}

// WriteVariable writes data to a variable. Data shorter than the variable is
// zero-padded; longer data fails with Overflow.
func (c *Connection) WriteVariable(v *Variable, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeVariableLocked(v, data)
}

func (c *Connection) writeVariableLocked(v *Variable, data []byte) error {
	const op = "WriteVariable"
	group, offset, err := c.checkVariable(op, v)
	if err != nil {
		return err
	}
	if uint32(len(data)) > v.Size() {
		return errorf(op, KindOverflow, "%d bytes exceed variable size %d", len(data), v.Size())
	}
	buf := make([]byte, v.Size())
	copy(buf, data)
	return c.checkLocked(op, c.transport.Write(v.Addr.Port, group, offset, buf))
}

// ModifyVariable reads the current value of v, passes it to update and
// writes the result back, all under one hold of the connection mutex.
func (c *Connection) ModifyVariable(v *Variable, update func(cur []byte) ([]byte, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := make([]byte, v.Size())
	n, err := c.readVariableLocked(v, cur)
	if err != nil {
		return err
	}
	next, err := update(cur[:n])
	if err != nil {
		return err
	}
	return c.writeVariableLocked(v, next)
}
