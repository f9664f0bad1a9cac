// Package brokertest stress tests the configured publishers with simulated
// variable changes.
package brokertest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"sumlink/config"
	"sumlink/kafka"
	"sumlink/mqtt"
	"sumlink/namespace"
	"sumlink/valkey"
)

// StressNamespace prefixes every topic and key the test writes.
const StressNamespace = "sumlink-test-stress"

// TestConfig holds configuration for the broker stress test.
type TestConfig struct {
	Duration time.Duration
	NumVars  int // simulated variables
}

// DefaultTestConfig returns sensible defaults for stress testing.
func DefaultTestConfig() TestConfig {
	return TestConfig{
		Duration: 10 * time.Second,
		NumVars:  500,
	}
}

// TestResult holds the results from one broker.
type TestResult struct {
	BrokerType   string
	BrokerName   string
	Address      string
	Duration     time.Duration
	MessagesSent int64
	Errors       int64
	Throughput   float64 // messages per second
	AvgLatency   time.Duration
	P50Latency   time.Duration
	P95Latency   time.Duration
	P99Latency   time.Duration
	MaxLatency   time.Duration
	Success      bool
	Error        error
}

// Runner executes broker stress tests.
type Runner struct {
	cfg     *config.Config
	testCfg TestConfig
	out     io.Writer
	results []TestResult
}

// NewRunner creates a runner that reports to out.
func NewRunner(cfg *config.Config, testCfg TestConfig, out io.Writer) *Runner {
	if testCfg.NumVars <= 0 {
		testCfg.NumVars = 1
	}
	return &Runner{cfg: cfg, testCfg: testCfg, out: out}
}

// Run tests every enabled Kafka cluster, MQTT broker and Valkey server.
func (r *Runner) Run() []TestResult {
	r.printHeader()

	for i := range r.cfg.Kafka {
		if r.cfg.Kafka[i].Enabled {
			r.results = append(r.results, r.testKafka(&r.cfg.Kafka[i]))
		}
	}
	for i := range r.cfg.MQTT {
		if r.cfg.MQTT[i].Enabled {
			r.results = append(r.results, r.testMQTT(&r.cfg.MQTT[i]))
		}
	}
	for i := range r.cfg.Valkey {
		if r.cfg.Valkey[i].Enabled {
			r.results = append(r.results, r.testValkey(&r.cfg.Valkey[i]))
		}
	}

	r.printReport()
	return r.results
}

func (r *Runner) printHeader() {
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "  BROKER STRESS TEST")
	fmt.Fprintln(r.out)
	fmt.Fprintf(r.out, "    Duration:       %v\n", r.testCfg.Duration)
	fmt.Fprintf(r.out, "    Variables:      %d\n", r.testCfg.NumVars)
	fmt.Fprintf(r.out, "    Namespace:      %s\n", StressNamespace)
	fmt.Fprintln(r.out)
}

func (r *Runner) printTarget(kind, name, address string) {
	fmt.Fprintf(r.out, "  Testing %s/%s at %s ... ", kind, name, address)
}

func (r *Runner) printDone(result TestResult) {
	switch {
	case result.Error != nil:
		fmt.Fprintf(r.out, "FAILED - %v\n", result.Error)
	case result.Success:
		fmt.Fprintln(r.out, "DONE")
	default:
		fmt.Fprintln(r.out, "FAILED")
	}
}

// stress calls publish with random variable changes until the test
// duration elapses, timing every call.
func (r *Runner) stress(result TestResult, publish func(variable string, value int) error) TestResult {
	var latencies []time.Duration
	deadline := time.Now().Add(r.testCfg.Duration)
	start := time.Now()

	for time.Now().Before(deadline) {
		variable := fmt.Sprintf("MAIN.var%d", rand.Intn(r.testCfg.NumVars))
		callStart := time.Now()
		if err := publish(variable, rand.Intn(10000)); err != nil {
			result.Errors++
			continue
		}
		latencies = append(latencies, time.Since(callStart))
		result.MessagesSent++
	}

	result.Duration = time.Since(start)
	if secs := result.Duration.Seconds(); secs > 0 {
		result.Throughput = float64(result.MessagesSent) / secs
	}
	result.AvgLatency, result.P50Latency, result.P95Latency, result.P99Latency, result.MaxLatency = calculateLatencyStats(latencies)

	// Less than 1% errors passes.
	total := result.MessagesSent + result.Errors
	result.Success = result.MessagesSent > 0 && float64(result.Errors) < 0.01*float64(total)
	return result
}

func (r *Runner) testKafka(kc *config.KafkaConfig) TestResult {
	result := TestResult{BrokerType: "Kafka", BrokerName: kc.Name, Address: strings.Join(kc.Brokers, ",")}
	r.printTarget(result.BrokerType, kc.Name, result.Address)

	topic := namespace.New(StressNamespace, "").KafkaChangesTopic()
	producer := kafka.NewProducer(&kafka.Config{
		Name:             kc.Name,
		Brokers:          kc.Brokers,
		UseTLS:           kc.UseTLS,
		TLSSkipVerify:    kc.TLSSkipVerify,
		SASLMechanism:    kafka.SASLMechanism(kc.SASLMechanism),
		Username:         kc.Username,
		Password:         kc.Password,
		RequiredAcks:     kc.RequiredAcks,
		MaxRetries:       kc.MaxRetries,
		RetryBackoff:     kc.RetryBackoff,
		AutoCreateTopics: true,
		Topic:            topic,
	})
	if err := producer.Connect(); err != nil {
		result.Error = fmt.Errorf("connect failed: %w", err)
		r.printDone(result)
		return result
	}
	defer producer.Disconnect()

	result = r.stress(result, func(variable string, value int) error {
		payload, _ := json.Marshal(kafka.VarMessage{
			Device:    "stress",
			Variable:  variable,
			Value:     value,
			Type:      "DINT",
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		})
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return producer.ProduceBatch(ctx, topic, []kafkago.Message{{Key: []byte(variable), Value: payload}})
	})
	r.printDone(result)
	return result
}

func (r *Runner) testMQTT(mc *config.MQTTConfig) TestResult {
	result := TestResult{BrokerType: "MQTT", BrokerName: mc.Name, Address: fmt.Sprintf("%s:%d", mc.Broker, mc.Port)}
	r.printTarget(result.BrokerType, mc.Name, result.Address)

	testCfg := *mc
	testCfg.RootTopic = StressNamespace
	testCfg.ClientID = fmt.Sprintf("sumlink-stress-%d", time.Now().UnixNano())

	pub := mqtt.NewPublisher(&testCfg, StressNamespace, "stress")
	if err := pub.Start(); err != nil {
		result.Error = fmt.Errorf("connect failed: %w", err)
		r.printDone(result)
		return result
	}
	defer pub.Stop()

	result = r.stress(result, func(variable string, value int) error {
		if !pub.Publish(variable, "DINT", value, false, true) {
			return fmt.Errorf("publish %s failed", variable)
		}
		return nil
	})
	r.printDone(result)
	return result
}

func (r *Runner) testValkey(vc *config.ValkeyConfig) TestResult {
	result := TestResult{BrokerType: "Valkey", BrokerName: vc.Name, Address: vc.Address}
	r.printTarget(result.BrokerType, vc.Name, result.Address)

	testCfg := *vc
	testCfg.Factory = StressNamespace
	testCfg.EnableWriteback = false

	pub := valkey.NewPublisher(&testCfg, StressNamespace, "stress")
	if err := pub.Start(); err != nil {
		result.Error = fmt.Errorf("connect failed: %w", err)
		r.printDone(result)
		return result
	}
	defer pub.Stop()

	result = r.stress(result, func(variable string, value int) error {
		return pub.Publish(variable, "DINT", value, false)
	})
	r.printDone(result)
	return result
}

// calculateLatencyStats computes avg, p50, p95, p99, and max latencies.
func calculateLatencyStats(latencies []time.Duration) (avg, p50, p95, p99, max time.Duration) {
	if len(latencies) == 0 {
		return
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, l := range sorted {
		total += l
	}
	avg = total / time.Duration(len(sorted))

	p50 = sorted[len(sorted)*50/100]
	p95 = sorted[len(sorted)*95/100]
	p99 = sorted[len(sorted)*99/100]
	max = sorted[len(sorted)-1]
	return
}

func (r *Runner) printReport() {
	fmt.Fprintln(r.out)
	if len(r.results) == 0 {
		fmt.Fprintln(r.out, "  No enabled brokers found in configuration.")
		fmt.Fprintln(r.out, "  Enable kafka[], mqtt[] or valkey[] entries to run tests.")
		fmt.Fprintln(r.out)
		return
	}

	fmt.Fprintf(r.out, "  %-7s %-14s %14s %12s  %s\n", "Type", "Name", "Throughput", "Messages", "Status")
	passed, failed := 0, 0
	for _, result := range r.results {
		status := "PASS"
		if result.Success {
			passed++
		} else {
			status = "FAIL"
			failed++
		}
		name := result.BrokerName
		if len(name) > 14 {
			name = name[:14]
		}
		fmt.Fprintf(r.out, "  %-7s %-14s %10.0f msg/s %12d  %s\n",
			result.BrokerType, name, result.Throughput, result.MessagesSent, status)
	}
	fmt.Fprintln(r.out)

	for _, result := range r.results {
		if result.Error != nil || result.MessagesSent == 0 {
			continue
		}
		fmt.Fprintf(r.out, "  %s/%s: %d sent, %d errors in %v\n", result.BrokerType, result.BrokerName,
			result.MessagesSent, result.Errors, result.Duration.Round(time.Millisecond))
		fmt.Fprintf(r.out, "    latency avg %v  p50 %v  p95 %v  p99 %v  max %v\n",
			result.AvgLatency.Round(time.Microsecond),
			result.P50Latency.Round(time.Microsecond),
			result.P95Latency.Round(time.Microsecond),
			result.P99Latency.Round(time.Microsecond),
			result.MaxLatency.Round(time.Microsecond))
	}

	fmt.Fprintf(r.out, "\n  Summary: %d passed, %d failed\n\n", passed, failed)
}
