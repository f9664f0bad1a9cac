package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"sumlink/logging"
	"sumlink/namespace"
)

func logKafka(format string, args ...interface{}) {
	logging.DebugLog("Kafka", format, args...)
}

// VarMessage is the JSON value of a change message. The message key is the
// variable name.
type VarMessage struct {
	Device    string      `json:"device"`
	Variable  string      `json:"variable"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Writable  bool        `json:"writable"`
	Timestamp string      `json:"timestamp"`
}

// HealthMessage is the JSON structure published for device health.
type HealthMessage struct {
	Device    string `json:"device"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Change is one variable value handed to Publish.
type Change struct {
	Variable  string
	Type      string
	Value     interface{}
	Writable  bool
	Timestamp time.Time
}

// publishJob is one batch bound for one topic on one cluster.
type publishJob struct {
	producer  *Producer
	topic     string
	messages  []kafka.Message
	cacheKeys []string
	values    []interface{}
}

// Manager manages multiple Kafka producer connections.
type Manager struct {
	producers  map[string]*Producer
	mu         sync.RWMutex
	lastValues map[string]interface{} // last published value per cluster/device/variable
	lastMu     sync.RWMutex

	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
	started      bool
}

// MaxPublishWorkers is the maximum number of concurrent publish goroutines.
const MaxPublishWorkers = 4

// MaxPublishQueueSize is the maximum number of pending publish batches.
const MaxPublishQueueSize = 256

// NewManager creates a new Kafka manager.
func NewManager() *Manager {
	return &Manager{
		producers:    make(map[string]*Producer),
		lastValues:   make(map[string]interface{}),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
}

func (m *Manager) startWorkers() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	stop := m.stopChan
	queue := m.publishQueue
	m.mu.Unlock()

	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker(stop, queue)
	}
}

func (m *Manager) publishWorker(stop <-chan struct{}, queue <-chan publishJob) {
	defer m.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := job.producer.ProduceBatch(ctx, job.topic, job.messages); err == nil {
				m.remember(job.cacheKeys, job.values)
			} else {
				logKafka("Failed to publish %d messages to %s: %v", len(job.messages), job.topic, err)
			}
			cancel()
		}
	}
}

func (m *Manager) remember(keys []string, values []interface{}) {
	m.lastMu.Lock()
	defer m.lastMu.Unlock()
	for i, k := range keys {
		m.lastValues[k] = values[i]
	}
}

// AddCluster adds a new Kafka cluster configuration.
func (m *Manager) AddCluster(config *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.producers[config.Name]; exists {
		return
	}
	m.producers[config.Name] = NewProducer(config)
}

// RemoveCluster removes a Kafka cluster and disconnects.
func (m *Manager) RemoveCluster(name string) {
	m.mu.Lock()
	producer, exists := m.producers[name]
	if exists {
		delete(m.producers, name)
	}
	m.mu.Unlock()

	if exists {
		producer.Disconnect()
	}
}

// GetProducer returns the producer for the named cluster.
func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// ListClusters returns all cluster names.
func (m *Manager) ListClusters() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.producers))
	for name := range m.producers {
		names = append(names, name)
	}
	return names
}

func (m *Manager) producerList() []*Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	producers := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		producers = append(producers, p)
	}
	return producers
}

// Connect connects to the named Kafka cluster.
func (m *Manager) Connect(name string) error {
	producer := m.GetProducer(name)
	if producer == nil {
		return fmt.Errorf("kafka cluster not found: %s", name)
	}
	return producer.Connect()
}

// ConnectEnabled connects to all enabled Kafka clusters in the background.
func (m *Manager) ConnectEnabled() {
	for _, p := range m.producerList() {
		if p.config.Enabled {
			go p.Connect()
		}
	}
}

// StopAll stops the workers and disconnects from all clusters.
func (m *Manager) StopAll() {
	m.mu.Lock()
	started := m.started
	oldStopChan := m.stopChan
	if started {
		m.stopChan = make(chan struct{})
		m.publishQueue = make(chan publishJob, MaxPublishQueueSize)
		m.started = false
	}
	m.mu.Unlock()

	if started {
		close(oldStopChan)
		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			logKafka("Timeout waiting for publish workers to stop")
		}
	}

	for _, p := range m.producerList() {
		p.Disconnect()
	}
}

// GetClusterStatus returns the status of a specific cluster.
func (m *Manager) GetClusterStatus(name string) (ConnectionStatus, error) {
	producer := m.GetProducer(name)
	if producer == nil {
		return StatusDisconnected, fmt.Errorf("cluster not found")
	}
	return producer.Status(), producer.Err()
}

// LoadFromConfigs loads multiple cluster configurations.
func (m *Manager) LoadFromConfigs(configs []Config) {
	for i := range configs {
		m.AddCluster(&configs[i])
	}
}

// shouldPublish reports whether value differs from the last value published
// under cacheKey.
func (m *Manager) shouldPublish(cacheKey string, value interface{}, force bool) bool {
	m.lastMu.RLock()
	last, exists := m.lastValues[cacheKey]
	m.lastMu.RUnlock()
	return !exists || force || fmt.Sprintf("%v", last) != fmt.Sprintf("%v", value)
}

// buildJob turns the changed entries of changes into one batch for p.
// It returns false when nothing changed.
func (m *Manager) buildJob(p *Producer, device string, changes []Change, force bool) (publishJob, bool) {
	job := publishJob{producer: p, topic: p.config.Topic}
	for _, c := range changes {
		cacheKey := fmt.Sprintf("%s/%s/%s", p.config.Name, device, c.Variable)
		if !m.shouldPublish(cacheKey, c.Value, force) {
			continue
		}
		payload, err := json.Marshal(VarMessage{
			Device:    device,
			Variable:  c.Variable,
			Value:     c.Value,
			Type:      c.Type,
			Writable:  c.Writable,
			Timestamp: c.Timestamp.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			continue
		}
		job.messages = append(job.messages, kafka.Message{
			Key:   []byte(c.Variable),
			Value: payload,
			Time:  c.Timestamp,
		})
		job.cacheKeys = append(job.cacheKeys, cacheKey)
		job.values = append(job.values, c.Value)
	}
	return job, len(job.messages) > 0
}

// Publish sends the changed values to every connected cluster with a topic.
func (m *Manager) Publish(device string, changes []Change, force bool) {
	m.startWorkers()

	m.mu.RLock()
	queue := m.publishQueue
	m.mu.RUnlock()

	for _, p := range m.producerList() {
		if p.Status() != StatusConnected || p.config.Topic == "" {
			continue
		}
		job, ok := m.buildJob(p, device, changes, force)
		if !ok {
			continue
		}
		select {
		case queue <- job:
		default:
			logKafka("Publish queue full, dropping %d messages for %s", len(job.messages), p.config.Name)
		}
	}
}

// PublishHealth publishes device health to Topic + ".health" on every
// connected cluster.
func (m *Manager) PublishHealth(device string, online bool, status, errMsg string) {
	m.startWorkers()

	m.mu.RLock()
	queue := m.publishQueue
	m.mu.RUnlock()

	now := time.Now()
	payload, err := json.Marshal(HealthMessage{
		Device:    device,
		Online:    online,
		Status:    status,
		Error:     errMsg,
		Timestamp: now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	for _, p := range m.producerList() {
		if p.Status() != StatusConnected || p.config.Topic == "" {
			continue
		}
		job := publishJob{
			producer: p,
			topic:    namespace.KafkaHealthTopic(p.config.Topic),
			messages: []kafka.Message{{Key: []byte(device), Value: payload, Time: now}},
		}
		select {
		case queue <- job:
		default:
			logKafka("Publish queue full, dropping health message for %s", device)
		}
	}
}

// AnyPublishing returns true if any cluster is connected and has a topic.
func (m *Manager) AnyPublishing() bool {
	for _, p := range m.producerList() {
		if p.Status() == StatusConnected && p.config.Topic != "" {
			return true
		}
	}
	return false
}

// ClearLastValues clears the change tracking cache, forcing republish of all values.
func (m *Manager) ClearLastValues() {
	m.lastMu.Lock()
	m.lastValues = make(map[string]interface{})
	m.lastMu.Unlock()
}
