// Package poller runs the sum-read cycle for one device in a background
// goroutine: connect, resolve, allocate, read, and fan out changed values.
package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"sumlink/ads"
	"sumlink/logging"
	"sumlink/record"
	"sumlink/sumread"
)

// ConnectionStatus represents the state of the device session.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Defaults for the zero fields of Config.
const (
	DefaultSumReadPeriod    = time.Millisecond
	DefaultDeviceInfoPeriod = 5 * time.Second
	DefaultReconnectDelay   = 500 * time.Millisecond
	DefaultBatchInterval    = 100 * time.Millisecond
)

// Config describes the device and cycle timing.
type Config struct {
	Name         string
	Address      string
	NetID        ads.AmsNetId
	DevicePort   uint16
	MaxPerBuffer int

	SumReadPeriod    time.Duration
	DeviceInfoPeriod time.Duration
	ReconnectDelay   time.Duration
	BatchInterval    time.Duration
}

func (c *Config) applyDefaults() {
	if c.DevicePort == 0 {
		c.DevicePort = ads.PortTC3PLC1
	}
	if c.MaxPerBuffer <= 0 {
		c.MaxPerBuffer = sumread.DefaultMaxPerBuffer
	}
	if c.SumReadPeriod <= 0 {
		c.SumReadPeriod = DefaultSumReadPeriod
	}
	if c.DeviceInfoPeriod <= 0 {
		c.DeviceInfoPeriod = DefaultDeviceInfoPeriod
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = DefaultBatchInterval
	}
}

// ValueChange is a variable whose bytes changed in the last sum-read.
type ValueChange struct {
	Device    string
	Name      string
	TypeName  string
	Value     interface{}
	Timestamp time.Time
}

// Snapshot is a point-in-time view of the poller for status displays.
type Snapshot struct {
	Name       string
	Address    string
	Status     ConnectionStatus
	LastError  error
	Info       ads.DeviceInfo
	State      ads.DeviceState
	Variables  int
	Chunks     int
	Reads      uint64
	Failures   uint64
	Changes    uint64
	LastRead   time.Time
	LastChange time.Time
}

// Poller owns the connection and sum-read request for one device.
type Poller struct {
	cfg    Config
	conn   *sumread.Connection
	req    *sumread.Request
	access *record.Access
	vars   []*sumread.Variable
	byName map[string]*sumread.Variable

	mu         sync.RWMutex
	status     ConnectionStatus
	lastErr    error
	info       ads.DeviceInfo
	state      ads.DeviceState
	lastInfo   time.Time
	lastRead   time.Time
	lastChange time.Time
	notifyAll  bool

	reads    atomic.Uint64
	failures atomic.Uint64
	changes  atomic.Uint64

	cbMu          sync.RWMutex
	onLog         func(format string, args ...interface{})
	onValueChange func(changes []ValueChange)

	changeChan chan []ValueChange

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a poller for vars. Variable names must be unique.
func New(cfg Config, dial sumread.Dialer, vars []*sumread.Variable) (*Poller, error) {
	cfg.applyDefaults()

	byName := make(map[string]*sumread.Variable, len(vars))
	for _, v := range vars {
		if _, dup := byName[v.Name]; dup {
			return nil, fmt.Errorf("duplicate variable name %q", v.Name)
		}
		byName[v.Name] = v
	}

	conn := sumread.NewConnection(dial)
	req, err := sumread.NewRequest(conn, cfg.MaxPerBuffer)
	if err != nil {
		return nil, err
	}

	return &Poller{
		cfg:        cfg,
		conn:       conn,
		req:        req,
		access:     record.New(conn),
		vars:       vars,
		byName:     byName,
		changeChan: make(chan []ValueChange, 100),
	}, nil
}

// SetOnLog sets the callback for operator-facing log lines.
func (p *Poller) SetOnLog(fn func(format string, args ...interface{})) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.onLog = fn
}

// SetOnValueChange sets a callback that receives batches of changed values.
func (p *Poller) SetOnValueChange(fn func(changes []ValueChange)) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.onValueChange = fn
}

func (p *Poller) log(format string, args ...interface{}) {
	logging.DebugLog("Poller", format, args...)
	p.cbMu.RLock()
	fn := p.onLog
	p.cbMu.RUnlock()
	if fn != nil {
		fn(format, args...)
	}
}

// Start launches the poll loop and the change fan-out loop.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.ctx != nil {
		p.mu.Unlock()
		return
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	ctx := p.ctx
	p.mu.Unlock()

	p.wg.Add(2)
	go p.pollLoop(ctx)
	go p.batchedUpdateLoop(ctx)
}

// Stop cancels the loops, waits for the in-flight cycle and releases the
// device session.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()

	p.mu.Lock()
	p.ctx = nil
	p.cancel = nil
	p.mu.Unlock()
}

func (p *Poller) pollLoop(ctx context.Context) {
	defer p.wg.Done()
	defer p.shutdown()

	for {
		if ctx.Err() != nil {
			return
		}

		if !p.ready() {
			if err := p.bringUp(ctx); err != nil {
				p.fail("connect", err)
				if !sleep(ctx, p.cfg.ReconnectDelay) {
					return
				}
				continue
			}
		}

		if time.Since(p.lastInfoTime()) >= p.cfg.DeviceInfoPeriod {
			if err := p.refreshDevice(); err != nil {
				p.fail("device info", err)
				if !sleep(ctx, p.cfg.ReconnectDelay) {
					return
				}
				continue
			}
		}

		if err := p.req.Read(); err != nil {
			p.failures.Add(1)
			p.fail("sum-read", err)
			if !sleep(ctx, p.cfg.ReconnectDelay) {
				return
			}
			continue
		}
		p.reads.Add(1)
		p.mu.Lock()
		p.lastRead = time.Now()
		p.mu.Unlock()

		p.PollAndNotify()

		if !sleep(ctx, p.cfg.SumReadPeriod) {
			return
		}
	}
}

func (p *Poller) ready() bool {
	return p.conn.IsConnected() && p.req.IsInitialized()
}

func (p *Poller) lastInfoTime() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastInfo
}

func (p *Poller) setStatus(s ConnectionStatus, err error) {
	p.mu.Lock()
	p.status = s
	p.lastErr = err
	p.mu.Unlock()
}

// bringUp connects, resolves, allocates and initializes, skipping whatever
// already succeeded.
func (p *Poller) bringUp(ctx context.Context) error {
	p.setStatus(StatusConnecting, nil)

	if !p.conn.IsConnected() {
		if err := p.conn.Connect(ctx, p.cfg.NetID, p.cfg.Address, p.cfg.DevicePort); err != nil {
			return err
		}
	}
	if err := p.refreshDevice(); err != nil {
		return err
	}
	if len(p.vars) == 0 {
		return sumread.ErrNoData
	}
	if err := p.conn.Resolve(p.vars); err != nil {
		return err
	}
	if !p.req.IsAllocated() {
		if err := p.req.Allocate(p.vars); err != nil {
			return err
		}
	}
	if err := p.req.Initialize(); err != nil {
		return err
	}

	p.mu.Lock()
	p.status = StatusConnected
	p.lastErr = nil
	p.notifyAll = true
	p.mu.Unlock()
	p.log("Connected to %s (%s), %d variables in %d sum-read buffers",
		p.cfg.Address, p.info, len(p.vars), len(p.req.Chunks()))
	return nil
}

func (p *Poller) refreshDevice() error {
	info, err := p.conn.ReadDeviceInfo()
	if err != nil {
		return err
	}
	state, err := p.conn.ReadDeviceState()
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.info = info
	p.state = state
	p.lastInfo = time.Now()
	p.mu.Unlock()
	return nil
}

// fail records err and drops the session so the next iteration starts over.
func (p *Poller) fail(stage string, err error) {
	p.mu.RLock()
	prev := p.lastErr
	p.mu.RUnlock()
	if prev == nil || prev.Error() != err.Error() {
		p.log("%s: %s failed: %v", p.cfg.Name, stage, err)
	}
	p.setStatus(StatusError, err)
	p.teardown()
}

func (p *Poller) teardown() {
	p.req.Invalidate()
	p.req.Deinitialize()
	if p.conn.IsConnected() {
		if err := p.conn.Unresolve(p.vars); err != nil && !errors.Is(err, sumread.ErrNoData) {
			logging.DebugLog("Poller", "unresolve: %v", err)
		}
		p.conn.Disconnect()
	} else {
		// The session is gone; only the local handle state is cleared.
		p.conn.Unresolve(p.vars)
	}
	p.mu.Lock()
	p.lastInfo = time.Time{}
	p.mu.Unlock()
}

func (p *Poller) shutdown() {
	if err := p.req.Deinitialize(); err != nil {
		p.log("%s: deinitialize: %v", p.cfg.Name, err)
	}
	if len(p.vars) > 0 {
		if err := p.conn.Unresolve(p.vars); err != nil && !errors.Is(err, sumread.ErrDisconnected) {
			p.log("%s: unresolve: %v", p.cfg.Name, err)
		}
	}
	if p.conn.IsConnected() {
		if err := p.conn.Disconnect(); err != nil {
			p.log("%s: disconnect: %v", p.cfg.Name, err)
		}
	}
	p.req.Deallocate()
	p.setStatus(StatusDisconnected, nil)
}

// PollAndNotify decodes the variables whose bytes changed in the last
// sum-read and queues them for the value-change callback. Right after a
// (re)connect every readable variable is queued.
func (p *Poller) PollAndNotify() int {
	p.mu.Lock()
	all := p.notifyAll
	p.notifyAll = false
	p.mu.Unlock()

	changed := p.req.ChangedVariables()
	if all {
		changed = p.vars
	}

	now := time.Now()
	var out []ValueChange
	for _, v := range changed {
		if v.Addr.Op == sumread.OpWrite {
			continue
		}
		r := p.access.Read(v)
		if !r.OK() {
			continue
		}
		out = append(out, ValueChange{
			Device:    p.cfg.Name,
			Name:      v.Name,
			TypeName:  v.Addr.Type.String(),
			Value:     r.Value,
			Timestamp: now,
		})
	}
	if len(out) == 0 {
		return 0
	}

	p.changes.Add(uint64(len(out)))
	p.mu.Lock()
	p.lastChange = now
	p.mu.Unlock()
	p.sendChanges(out)
	return len(out)
}

// sendChanges queues a batch, dropping the oldest queued batch when full.
func (p *Poller) sendChanges(changes []ValueChange) {
	select {
	case p.changeChan <- changes:
	default:
		select {
		case <-p.changeChan:
		default:
		}
		select {
		case p.changeChan <- changes:
		default:
		}
	}
}

func (p *Poller) batchedUpdateLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.BatchInterval)
	defer ticker.Stop()

	var pending []ValueChange
	for {
		select {
		case <-ctx.Done():
			if len(pending) > 0 {
				p.flush(pending)
			}
			return
		case changes := <-p.changeChan:
			pending = append(pending, changes...)
		case <-ticker.C:
			if len(pending) > 0 {
				p.flush(pending)
				pending = nil
			}
		}
	}
}

func (p *Poller) flush(changes []ValueChange) {
	p.cbMu.RLock()
	fn := p.onValueChange
	p.cbMu.RUnlock()
	if fn != nil {
		fn(changes)
	}
}

// Name returns the configured device name.
func (p *Poller) Name() string { return p.cfg.Name }

// Variables returns the polled variables in configuration order.
func (p *Poller) Variables() []*sumread.Variable {
	out := make([]*sumread.Variable, len(p.vars))
	copy(out, p.vars)
	return out
}

// Variable looks up a variable by name.
func (p *Poller) Variable(name string) (*sumread.Variable, bool) {
	v, ok := p.byName[name]
	return v, ok
}

// Read returns the latest buffered value of the named variable.
func (p *Poller) Read(name string) (record.Result, error) {
	v, ok := p.byName[name]
	if !ok {
		return record.Result{}, fmt.Errorf("variable not found: %s", name)
	}
	return p.access.Read(v), nil
}

// Write writes value to the named variable. Only W variables accept writes.
func (p *Poller) Write(name string, value interface{}) (record.Result, error) {
	v, ok := p.byName[name]
	if !ok {
		return record.Result{}, fmt.Errorf("variable not found: %s", name)
	}
	if v.Addr.Op != sumread.OpWrite {
		return record.Result{}, fmt.Errorf("variable %s is read-only", name)
	}
	return p.access.Write(v, value), nil
}

// CurrentValues returns every readable variable's latest value.
func (p *Poller) CurrentValues() []ValueChange {
	now := time.Now()
	var out []ValueChange
	for _, v := range p.vars {
		if v.Addr.Op == sumread.OpWrite {
			continue
		}
		if r := p.access.Read(v); r.OK() {
			out = append(out, ValueChange{Device: p.cfg.Name, Name: v.Name, TypeName: v.Addr.Type.String(), Value: r.Value, Timestamp: now})
		}
	}
	return out
}

// Report writes the sum-read request report. See sumread.Request.Report.
func (p *Poller) Report(w io.Writer, details int) {
	p.req.Report(w, details)
}

// Snapshot returns the current status.
func (p *Poller) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{
		Name:       p.cfg.Name,
		Address:    p.cfg.Address,
		Status:     p.status,
		LastError:  p.lastErr,
		Info:       p.info,
		State:      p.state,
		Variables:  len(p.vars),
		Chunks:     len(p.req.Chunks()),
		Reads:      p.reads.Load(),
		Failures:   p.failures.Load(),
		Changes:    p.changes.Load(),
		LastRead:   p.lastRead,
		LastChange: p.lastChange,
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
