// Package mqtt publishes variable values to MQTT brokers and accepts write
// requests on per-variable topics.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"sumlink/config"
	"sumlink/logging"
	"sumlink/namespace"
)

func logMQTT(format string, args ...interface{}) {
	logging.DebugLog("MQTT", format, args...)
}

// writeJob represents a pending write operation.
type writeJob struct {
	client   pahomqtt.Client
	device   string
	variable string
	value    interface{}
	err      error // set for requests rejected before reaching the handler
	handler  WriteHandler
}

// MaxWriteWorkers is the maximum number of concurrent write goroutines per publisher.
const MaxWriteWorkers = 5

// MaxWriteQueueSize is the maximum number of pending write jobs per publisher.
const MaxWriteQueueSize = 100

// Publisher handles one broker connection for one device.
type Publisher struct {
	config  *config.MQTTConfig
	ns      *namespace.Builder
	client  pahomqtt.Client
	running bool
	mu      sync.RWMutex

	// Track last published values to detect changes
	lastValues map[string]interface{}
	lastMu     sync.RWMutex

	writeHandler   WriteHandler
	writeValidator WriteValidator

	// Worker pool for bounded write goroutines
	writeQueue chan writeJob
	wg         sync.WaitGroup
	stopChan   chan struct{}
}

// VarMessage is the retained JSON payload on a variable topic.
type VarMessage struct {
	Topic     string      `json:"topic"`
	Device    string      `json:"device"`
	Variable  string      `json:"variable"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Writable  bool        `json:"writable"`
	Timestamp string      `json:"timestamp"`
}

// WriteRequest is the payload expected on a write topic.
type WriteRequest struct {
	Value interface{} `json:"value"`
}

// WriteResponse is published after every write request.
type WriteResponse struct {
	Topic     string      `json:"topic"`
	Device    string      `json:"device"`
	Variable  string      `json:"variable"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// WriteHandler performs a write request. Returns an error if the write fails.
type WriteHandler func(device, variable string, value interface{}) error

// WriteValidator reports whether a variable exists and accepts writes.
type WriteValidator func(device, variable string) bool

// NewPublisher creates a publisher for device. An empty RootTopic in cfg
// falls back to rootTopic.
func NewPublisher(cfg *config.MQTTConfig, rootTopic, device string) *Publisher {
	if cfg.RootTopic != "" {
		rootTopic = cfg.RootTopic
	}
	return &Publisher{
		config:     cfg,
		ns:         namespace.New(rootTopic, device),
		lastValues: make(map[string]interface{}),
		writeQueue: make(chan writeJob, MaxWriteQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Start connects to the MQTT broker and subscribes to the write topics.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	// Subscriptions do not survive a clean-session reconnect.
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		p.subscribeWriteTopic(c)
	})

	client := pahomqtt.NewClient(opts)
	logMQTT("Attempting to connect to MQTT broker %s", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logMQTT("MQTT connection timeout")
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		logMQTT("MQTT connection error: %v", token.Error())
		return token.Error()
	}

	logMQTT("Successfully connected to MQTT broker %s", p.Address())

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	// Force a republish of every value on the new session.
	p.lastMu.Lock()
	p.lastValues = make(map[string]interface{})
	p.lastMu.Unlock()

	p.startWriteWorkers()
	return nil
}

func (p *Publisher) startWriteWorkers() {
	p.mu.RLock()
	stop := p.stopChan
	queue := p.writeQueue
	p.mu.RUnlock()

	for i := 0; i < MaxWriteWorkers; i++ {
		p.wg.Add(1)
		go p.writeWorker(stop, queue)
	}
}

func (p *Publisher) writeWorker(stop <-chan struct{}, queue <-chan writeJob) {
	defer p.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			p.publishWriteResponse(job.client, job.variable, job.value, p.runWrite(job))
		}
	}
}

func (p *Publisher) runWrite(job writeJob) error {
	if job.err != nil {
		return job.err
	}
	if job.handler == nil {
		return fmt.Errorf("no write handler configured")
	}
	logMQTT("Executing write: %s/%s = %v", job.device, job.variable, job.value)
	if err := job.handler(job.device, job.variable, job.value); err != nil {
		logMQTT("Write error: %v", err)
		return err
	}
	return nil
}

// Stop disconnects from the MQTT broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}

	p.running = false
	client := p.client
	p.client = nil

	oldStopChan := p.stopChan
	p.stopChan = make(chan struct{})
	p.writeQueue = make(chan writeJob, MaxWriteQueueSize)
	p.mu.Unlock()

	close(oldStopChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logMQTT("Timeout waiting for write workers to stop")
	}

	client.Disconnect(500)
}

// BuildTopic returns the value topic for a variable.
func (p *Publisher) BuildTopic(variable string) string {
	return p.ns.MQTTVarTopic(variable)
}

// WriteTopic returns the topic filter that carries write requests.
func (p *Publisher) WriteTopic() string {
	return p.ns.MQTTWriteFilter()
}

// shouldPublish reports whether value differs from the last published one.
func (p *Publisher) shouldPublish(variable string, value interface{}, force bool) bool {
	p.lastMu.RLock()
	last, exists := p.lastValues[variable]
	p.lastMu.RUnlock()
	return !exists || force || fmt.Sprintf("%v", last) != fmt.Sprintf("%v", value)
}

func (p *Publisher) buildMessage(variable, typeName string, value interface{}, writable bool, ts time.Time) VarMessage {
	return VarMessage{
		Topic:     p.ns.Namespace(),
		Device:    p.ns.Device(),
		Variable:  variable,
		Value:     value,
		Type:      typeName,
		Writable:  writable,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	}
}

// Publish sends a variable value as a retained message if it has changed.
func (p *Publisher) Publish(variable, typeName string, value interface{}, writable, force bool) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}
	if !p.shouldPublish(variable, value, force) {
		return false
	}

	payload, err := json.Marshal(p.buildMessage(variable, typeName, value, writable, time.Now()))
	if err != nil {
		return false
	}

	token := client.Publish(p.BuildTopic(variable), 1, true, payload)
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		return false
	}

	p.lastMu.Lock()
	p.lastValues[variable] = value
	p.lastMu.Unlock()
	return true
}

// Address returns the broker address string.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.MQTTConfig {
	return p.config
}

// SetWriteHandler sets the callback for handling write requests.
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

func (p *Publisher) subscribeWriteTopic(client pahomqtt.Client) {
	topic := p.WriteTopic()
	logMQTT("Subscribing to write topic: %s", topic)
	token := client.Subscribe(topic, 1, p.handleWriteMessage)
	if !token.WaitTimeout(2 * time.Second) {
		logMQTT("Subscribe timeout for %s", topic)
		return
	}
	if token.Error() != nil {
		logMQTT("Subscribe error for %s: %v", topic, token.Error())
		return
	}
	logMQTT("Subscribed to: %s", topic)
}

// parseWrite extracts the variable name from a write topic and the value
// from its payload. The payload is either {"value": v} or a bare JSON value.
func (p *Publisher) parseWrite(topic string, payload []byte) (string, interface{}, error) {
	prefix := p.ns.MQTTWritePrefix()
	variable := strings.TrimPrefix(topic, prefix)
	if variable == topic || variable == "" || strings.Contains(variable, "/") {
		return "", nil, fmt.Errorf("unexpected write topic %s", topic)
	}

	var raw interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return variable, nil, fmt.Errorf("invalid JSON: %v", err)
	}
	if obj, isObj := raw.(map[string]interface{}); isObj {
		v, ok := obj["value"]
		if !ok {
			return variable, nil, fmt.Errorf("missing value")
		}
		return variable, v, nil
	}
	return variable, raw, nil
}

func (p *Publisher) handleWriteMessage(client pahomqtt.Client, msg pahomqtt.Message) {
	logMQTT("Received write request on topic: %s", msg.Topic())

	p.mu.RLock()
	handler := p.writeHandler
	validator := p.writeValidator
	queue := p.writeQueue
	p.mu.RUnlock()

	job := writeJob{client: client, device: p.ns.Device(), handler: handler}
	variable, value, err := p.parseWrite(msg.Topic(), msg.Payload())
	job.variable, job.value, job.err = variable, value, err
	if err == nil && validator != nil && !validator(p.ns.Device(), variable) {
		job.err = fmt.Errorf("variable not writable: %s/%s", p.ns.Device(), variable)
	}

	select {
	case queue <- job:
	default:
		logMQTT("Write queue full, rejecting write for %s/%s", p.ns.Device(), variable)
		go p.publishWriteResponse(client, variable, value, fmt.Errorf("write queue full, try again later"))
	}
}

func (p *Publisher) publishWriteResponse(client pahomqtt.Client, variable string, value interface{}, err error) {
	resp := WriteResponse{
		Topic:     p.ns.Namespace(),
		Device:    p.ns.Device(),
		Variable:  variable,
		Value:     value,
		Success:   err == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err != nil {
		resp.Error = err.Error()
	}

	payload, _ := json.Marshal(resp)
	token := client.Publish(p.ns.MQTTWriteResponseTopic(), 1, false, payload)
	token.WaitTimeout(2 * time.Second)
}

// Manager manages multiple MQTT publishers.
type Manager struct {
	publishers     map[string]*Publisher
	mu             sync.RWMutex
	writeHandler   WriteHandler
	writeValidator WriteValidator
}

// NewManager creates a new MQTT manager.
func NewManager() *Manager {
	return &Manager{
		publishers: make(map[string]*Publisher),
	}
}

// Add adds a publisher to the manager.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	m.publishers[pub.Name()] = pub
	handler := m.writeHandler
	validator := m.writeValidator
	m.mu.Unlock()

	if handler != nil {
		pub.SetWriteHandler(handler)
	}
	if validator != nil {
		pub.SetWriteValidator(validator)
	}
}

// Remove removes a publisher by name.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	pub, exists := m.publishers[name]
	if exists {
		delete(m.publishers, name)
	}
	m.mu.Unlock()

	if exists {
		pub.Stop()
	}
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		result = append(result, pub)
	}
	return result
}

// StartAll starts all publishers that are configured as enabled.
// Returns the number of publishers successfully started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.config.Enabled && !pub.IsRunning() {
			logMQTT("Auto-starting MQTT publisher: %s", pub.Name())
			if err := pub.Start(); err != nil {
				logMQTT("Failed to auto-start %s: %v", pub.Name(), err)
			} else {
				started++
			}
		}
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// Publish publishes a value to all running publishers.
func (m *Manager) Publish(device, variable, typeName string, value interface{}, force bool) {
	m.mu.RLock()
	validator := m.writeValidator
	m.mu.RUnlock()

	writable := validator != nil && validator(device, variable)
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.Publish(variable, typeName, value, writable, force)
		}
	}
}

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// LoadFromConfig creates publishers for device from configuration.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig, rootTopic, device string) {
	for i := range cfgs {
		m.Add(NewPublisher(&cfgs[i], rootTopic, device))
	}
}

// SetWriteHandler sets the write handler for all publishers.
func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.mu.Lock()
	m.writeHandler = handler
	m.mu.Unlock()

	for _, pub := range m.List() {
		pub.SetWriteHandler(handler)
	}
}

// SetWriteValidator sets the write validator for all publishers.
func (m *Manager) SetWriteValidator(validator WriteValidator) {
	m.mu.Lock()
	m.writeValidator = validator
	m.mu.Unlock()

	for _, pub := range m.List() {
		pub.SetWriteValidator(validator)
	}
}
