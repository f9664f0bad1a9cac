package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"sumlink/logging"
)

// ConnectionStatus is the state of a cluster connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

var statusNames = [...]string{
	StatusDisconnected: "Disconnected",
	StatusConnecting:   "Connecting",
	StatusConnected:    "Connected",
	StatusError:        "Error",
}

func (s ConnectionStatus) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "Unknown"
}

const dialTimeout = 10 * time.Second

// Stats counts what a producer has sent.
type Stats struct {
	Sent     int64
	Failed   int64
	LastSend time.Time
}

// Producer writes messages to one Kafka cluster, keeping one writer per
// topic. Writers share a transport built at Connect.
type Producer struct {
	config *Config

	mu        sync.RWMutex
	status    ConnectionStatus
	lastErr   error
	transport *kafka.Transport
	writers   map[string]*kafka.Writer
	stats     Stats
}

// NewProducer creates a disconnected producer.
func NewProducer(config *Config) *Producer {
	return &Producer{
		config:  config,
		writers: make(map[string]*kafka.Writer),
	}
}

// Status returns the connection status.
func (p *Producer) Status() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Err returns the last connect or produce error.
func (p *Producer) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// Stats returns a copy of the send counters.
func (p *Producer) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// Connect dials the first broker to check reachability and credentials,
// then prepares the shared transport.
func (p *Producer) Connect() error {
	p.mu.Lock()
	p.status = StatusConnecting
	p.lastErr = nil
	p.mu.Unlock()

	name := p.config.Name
	if len(p.config.Brokers) == 0 {
		return p.fail(errors.New("no brokers configured"))
	}

	mechanism, err := p.config.Mechanism()
	if err != nil {
		return p.fail(err)
	}

	logging.DebugConnect("Kafka", fmt.Sprintf("%s %v", name, p.config.Brokers))

	dialer := &kafka.Dialer{
		Timeout:       dialTimeout,
		DualStack:     true,
		TLS:           p.config.TLSConfig(),
		SASLMechanism: mechanism,
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, err := dialer.DialContext(ctx, "tcp", p.config.Brokers[0])
	if err != nil {
		logging.DebugConnectError("Kafka", name, err)
		return p.fail(fmt.Errorf("failed to connect: %w", err))
	}
	conn.Close()

	p.mu.Lock()
	p.transport = &kafka.Transport{
		DialTimeout: dialTimeout,
		TLS:         p.config.TLSConfig(),
		SASL:        mechanism,
	}
	p.status = StatusConnected
	p.mu.Unlock()

	logging.DebugConnectSuccess("Kafka", name, fmt.Sprintf("brokers %v", p.config.Brokers))
	return nil
}

func (p *Producer) fail(err error) error {
	p.mu.Lock()
	p.status = StatusError
	p.lastErr = err
	p.mu.Unlock()
	return err
}

// Disconnect closes every topic writer.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	writers := p.writers
	p.writers = make(map[string]*kafka.Writer)
	p.transport = nil
	p.status = StatusDisconnected
	p.lastErr = nil
	p.mu.Unlock()

	for _, w := range writers {
		w.Close()
	}
	logging.DebugDisconnect("Kafka", p.config.Name, fmt.Sprintf("closed %d topic writers", len(writers)))
}

// ProduceBatch writes messages to topic and waits for the configured acks.
func (p *Producer) ProduceBatch(ctx context.Context, topic string, messages []kafka.Message) error {
	if len(messages) == 0 {
		return nil
	}

	writer, err := p.writer(topic)
	if err != nil {
		return err
	}

	start := time.Now()
	err = writer.WriteMessages(ctx, messages...)
	elapsed := time.Since(start)

	p.mu.Lock()
	if err != nil {
		p.stats.Failed += int64(len(messages))
		p.lastErr = err
	} else {
		p.stats.Sent += int64(len(messages))
		p.stats.LastSend = time.Now()
		p.lastErr = nil
	}
	p.mu.Unlock()

	if err != nil {
		if errors.Is(err, kafka.UnknownTopicOrPartition) {
			logging.DebugLog("Kafka", "%s: topic %q does not exist", p.config.Name, topic)
		}
		logging.DebugLog("Kafka", "%s: produce to %q failed after %v (%d msgs): %v",
			p.config.Name, topic, elapsed, len(messages), err)
		return fmt.Errorf("kafka produce to %s failed: %w", topic, err)
	}
	if elapsed > 50*time.Millisecond {
		logging.DebugLog("Kafka", "%s: slow produce to %q, %d msgs in %v", p.config.Name, topic, len(messages), elapsed)
	}
	return nil
}

// writer returns the topic's writer, creating it on first use.
func (p *Producer) writer(topic string) (*kafka.Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusConnected {
		return nil, fmt.Errorf("kafka cluster %q not connected", p.config.Name)
	}
	if w, ok := p.writers[topic]; ok {
		return w, nil
	}

	w := &kafka.Writer{
		Addr:  kafka.TCP(p.config.Brokers...),
		Topic: topic,
		// Messages keyed by variable land on the same partition, so a
		// consumer sees one variable's changes in order.
		Balancer:               &kafka.Hash{},
		Transport:              p.transport,
		RequiredAcks:           kafka.RequiredAcks(p.config.RequiredAcks),
		MaxAttempts:            p.config.MaxRetries,
		WriteBackoffMin:        p.config.RetryBackoff,
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: p.config.AutoCreateTopics,
	}
	p.writers[topic] = w
	logging.DebugLog("Kafka", "%s: writer for topic %q (auto-create=%v)", p.config.Name, topic, p.config.AutoCreateTopics)
	return w, nil
}
