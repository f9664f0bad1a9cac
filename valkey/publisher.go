// Package valkey stores variable values in Valkey/Redis and optionally
// serves a write-back queue.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"sumlink/config"
	"sumlink/logging"
	"sumlink/namespace"
)

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("Valkey", format, args...)
}

// WriteHandler performs a queued write. The error is sent back to the
// requester.
type WriteHandler func(device, variable string, value interface{}) error

// WriteValidator reports whether a variable accepts writes.
type WriteValidator func(device, variable string) bool

// VarMessage is the value stored under a variable key.
type VarMessage struct {
	Factory   string      `json:"factory"`
	Device    string      `json:"device"`
	Variable  string      `json:"variable"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type"`
	Writable  bool        `json:"writable"`
	Timestamp time.Time   `json:"timestamp"`
}

// WriteRequest is an entry of the write-back queue.
type WriteRequest struct {
	Variable string      `json:"variable"`
	Value    interface{} `json:"value"`
}

// WriteResponse is published after every write-back request.
type WriteResponse struct {
	Factory   string      `json:"factory"`
	Device    string      `json:"device"`
	Variable  string      `json:"variable"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// HealthMessage is the device status stored under the health key.
type HealthMessage struct {
	Factory   string    `json:"factory"`
	Device    string    `json:"device"`
	Online    bool      `json:"online"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher handles publishing values to one Valkey server.
type Publisher struct {
	config  *config.ValkeyConfig
	ns      *namespace.Builder
	client  *redis.Client
	running bool
	mu      sync.RWMutex

	writeHandler      WriteHandler
	writeValidator    WriteValidator
	onConnectCallback func()

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a publisher for device. An empty Factory in cfg
// falls back to factory.
func NewPublisher(cfg *config.ValkeyConfig, factory, device string) *Publisher {
	if cfg.Factory != "" {
		factory = cfg.Factory
	}
	return &Publisher{
		config:   cfg,
		ns:       namespace.New(factory, device),
		stopChan: make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string { return p.config.Name }

// Start connects to the Valkey server.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)
	debugLog("Attempting to connect to Valkey at %s (DB: %d, TLS: %v)",
		p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		debugLog("Valkey connection failed: %v", err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}
	debugLog("Successfully connected to Valkey at %s", p.config.Address)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		client.Close()
		return nil
	}

	p.client = client
	p.running = true
	p.stopChan = make(chan struct{})

	if p.config.EnableWriteback {
		p.wg.Add(1)
		go p.writebackListener(client, p.stopChan)
	}

	if p.onConnectCallback != nil {
		go p.onConnectCallback()
	}
	return nil
}

// Stop disconnects from the Valkey server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopChan)
	client := p.client
	p.client = nil
	p.mu.Unlock()

	// The listener wakes at least once per BLPop timeout.
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1500 * time.Millisecond):
	}

	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig {
	return p.config
}

// Address returns the server address.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

// VarKey returns the key holding a variable's latest value.
func (p *Publisher) VarKey(variable string) string {
	return p.ns.ValkeyVarKey(variable)
}

// ChangesChannel returns the Pub/Sub channel for value changes.
func (p *Publisher) ChangesChannel() string {
	return p.ns.ValkeyChangesChannel()
}

// HealthKey returns the key holding the device status.
func (p *Publisher) HealthKey() string {
	return p.ns.ValkeyHealthKey()
}

// WriteQueueKey returns the list that write-back requests are pushed to.
func (p *Publisher) WriteQueueKey() string {
	return p.ns.ValkeyWriteQueue()
}

// WriteResponseChannel returns the channel write-back results go to.
func (p *Publisher) WriteResponseChannel() string {
	return p.ns.ValkeyWriteResponseChannel()
}

func (p *Publisher) buildMessage(variable, typeName string, value interface{}, writable bool, ts time.Time) VarMessage {
	return VarMessage{
		Factory:   p.ns.Namespace(),
		Device:    p.ns.Device(),
		Variable:  variable,
		Value:     value,
		Type:      typeName,
		Writable:  writable,
		Timestamp: ts.UTC(),
	}
}

// Publish stores a variable value and announces it on the changes channel
// when PublishChanges is set.
func (p *Publisher) Publish(variable, typeName string, value interface{}, writable bool) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	cfg := p.config
	p.mu.RUnlock()

	data, err := json.Marshal(p.buildMessage(variable, typeName, value, writable, time.Now()))
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// A zero TTL stores the key without expiry.
	if err := client.Set(ctx, p.VarKey(variable), data, cfg.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	if cfg.PublishChanges {
		client.Publish(ctx, p.ChangesChannel(), data)
	}
	return nil
}

// PublishHealth stores the device status.
func (p *Publisher) PublishHealth(online bool, status, errMsg string) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	cfg := p.config
	p.mu.RUnlock()

	msg := HealthMessage{
		Factory:   p.ns.Namespace(),
		Device:    p.ns.Device(),
		Online:    online,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal health status: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Set(ctx, p.HealthKey(), data, cfg.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set health key: %w", err)
	}
	if cfg.PublishChanges {
		client.Publish(ctx, p.HealthKey(), data)
	}
	return nil
}

// SetWriteHandler sets the callback for processing write requests.
func (p *Publisher) SetWriteHandler(handler WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetWriteValidator sets the callback for validating write requests.
func (p *Publisher) SetWriteValidator(validator WriteValidator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeValidator = validator
}

// SetOnConnectCallback sets the callback invoked after connection is established.
func (p *Publisher) SetOnConnectCallback(callback func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnectCallback = callback
}

func (p *Publisher) writebackListener(client *redis.Client, stop <-chan struct{}) {
	defer p.wg.Done()

	queueKey := p.WriteQueueKey()
	responseChannel := p.WriteResponseChannel()

	for {
		select {
		case <-stop:
			return
		default:
		}

		// Block waiting for write requests (with timeout for checking stop)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		result, err := client.BLPop(ctx, time.Second, queueKey).Result()
		cancel()

		if err != nil {
			if err != redis.Nil {
				debugLog("Valkey write queue error: %v", err)
				select {
				case <-stop:
					return
				case <-time.After(100 * time.Millisecond):
				}
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		resp := p.processWriteRequest([]byte(result[1]))
		data, _ := json.Marshal(resp)
		client.Publish(context.Background(), responseChannel, data)
	}
}

// processWriteRequest runs one queued write and returns the response to
// publish.
func (p *Publisher) processWriteRequest(payload []byte) WriteResponse {
	p.mu.RLock()
	handler := p.writeHandler
	validator := p.writeValidator
	p.mu.RUnlock()

	resp := WriteResponse{
		Factory:   p.ns.Namespace(),
		Device:    p.ns.Device(),
		Timestamp: time.Now().UTC(),
	}

	var req WriteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		resp.Error = fmt.Sprintf("invalid write request: %v", err)
		debugLog("Failed to parse write request: %v", err)
		return resp
	}
	resp.Variable = req.Variable
	resp.Value = req.Value

	switch {
	case validator != nil && !validator(p.ns.Device(), req.Variable):
		resp.Error = "variable is not writable"
	case handler == nil:
		resp.Error = "no write handler configured"
	default:
		if err := handler(p.ns.Device(), req.Variable, req.Value); err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
		}
	}

	debugLog("Valkey write %s:%s = %v -> success=%v", p.ns.Device(), req.Variable, req.Value, resp.Success)
	return resp
}
