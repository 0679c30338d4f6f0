// Package brokertest stress tests the configured republishing targets with
// simulated PAC telemetry.
package brokertest

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"optolink/config"
	"optolink/kafka"
	"optolink/mqtt"
	"optolink/opto"
	"optolink/valkey"
)

// Namespace isolates stress traffic from live telemetry.
const Namespace = "optolink-test-stress"

// TestConfig holds the stress test parameters.
type TestConfig struct {
	Duration  time.Duration // per target
	BatchSize int           // records per publish call, like one gateway batch
}

func DefaultTestConfig() TestConfig {
	return TestConfig{Duration: 10 * time.Second, BatchSize: 10}
}

// TestResult holds the outcome for one target.
type TestResult struct {
	BrokerType string
	BrokerName string
	Address    string
	Duration   time.Duration
	Records    int64
	Errors     int64
	Throughput float64 // records per second
	Latency    LatencyStats
	Success    bool
	Error      error
}

// LatencyStats summarizes per-call publish latency.
type LatencyStats struct {
	Avg, P50, P95, P99, Max time.Duration
}

// Runner executes the stress tests.
type Runner struct {
	cfg     *config.Config
	testCfg TestConfig
	out     io.Writer
	gen     *generator
	results []TestResult
}

func NewRunner(cfg *config.Config, testCfg TestConfig, out io.Writer) (*Runner, error) {
	if testCfg.BatchSize <= 0 {
		testCfg.BatchSize = 1
	}
	sels, err := cfg.Selections()
	if err != nil {
		return nil, err
	}
	if len(sels) == 0 {
		sels = defaultSelections()
	}
	return &Runner{cfg: cfg, testCfg: testCfg, out: out, gen: newGenerator(sels)}, nil
}

// Run tests every enabled Kafka cluster, MQTT broker and Valkey server in
// turn and prints a report.
func (r *Runner) Run() []TestResult {
	r.printHeader()

	for i := range r.cfg.Kafka {
		if r.cfg.Kafka[i].Enabled {
			r.results = append(r.results, r.testKafka(r.cfg.Kafka[i]))
		}
	}
	for i := range r.cfg.MQTT {
		if r.cfg.MQTT[i].Enabled {
			r.results = append(r.results, r.testMQTT(r.cfg.MQTT[i]))
		}
	}
	for i := range r.cfg.Valkey {
		if r.cfg.Valkey[i].Enabled {
			r.results = append(r.results, r.testValkey(r.cfg.Valkey[i]))
		}
	}

	r.printReport()
	return r.results
}

// defaultSelections is used when no inputs are configured: eight channels
// of each type.
func defaultSelections() []opto.ChannelSelection {
	var sels []opto.ChannelSelection
	for i := 0; i < 8; i++ {
		sels = append(sels,
			opto.ChannelSelection{Name: fmt.Sprintf("float%d", i), Type: opto.ChannelFloat, Index: i},
			opto.ChannelSelection{Name: fmt.Sprintf("int%d", i), Type: opto.ChannelInteger, Index: i},
			opto.ChannelSelection{Name: fmt.Sprintf("bit%d", i), Type: opto.ChannelDigital, Index: i},
		)
	}
	return sels
}

// generator produces records through the same mapper the gateway uses.
type generator struct {
	sels []opto.ChannelSelection
	rnd  *rand.Rand
}

func newGenerator(sels []opto.ChannelSelection) *generator {
	return &generator{sels: sels, rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (g *generator) record() *opto.Record {
	var f opto.Frame
	for i := 0; i < opto.ChannelCount; i++ {
		f.Floats[i] = opto.NullFloat32{Float32: float32(g.rnd.NormFloat64() * 100), Valid: true}
		f.Ints[i] = g.rnd.Uint32()
		f.Digitals[i] = g.rnd.Intn(2) == 1
	}
	return opto.Map(&f, g.sels)
}

func (g *generator) batch(size int) []*opto.Record {
	out := make([]*opto.Record, size)
	for i := range out {
		out[i] = g.record()
	}
	return out
}

func (r *Runner) banner(kind, name, address, target string) {
	fmt.Fprintf(r.out, "─────────────────────────────────────────────────────────────────────\n")
	fmt.Fprintf(r.out, "  Testing: %s/%s\n", kind, name)
	fmt.Fprintf(r.out, "  Address: %s\n", address)
	fmt.Fprintf(r.out, "  Target:  %s\n", target)
	fmt.Fprintf(r.out, "─────────────────────────────────────────────────────────────────────\n")
}

func (r *Runner) failed(result TestResult, err error) TestResult {
	result.Error = err
	fmt.Fprintf(r.out, "  Status: FAILED - %v\n\n", err)
	return result
}

// drive calls publish with fresh batches until the test duration passes.
func (r *Runner) drive(result TestResult, publish func([]*opto.Record) error) TestResult {
	var latencies []time.Duration
	var calls int64
	deadline := time.Now().Add(r.testCfg.Duration)
	start := time.Now()

	fmt.Fprintf(r.out, "  Running... ")
	for time.Now().Before(deadline) {
		batch := r.gen.batch(r.testCfg.BatchSize)
		calls++
		t0 := time.Now()
		if err := publish(batch); err != nil {
			result.Errors++
			continue
		}
		latencies = append(latencies, time.Since(t0))
		result.Records += int64(len(batch))
	}

	result.Duration = time.Since(start)
	result.Throughput = float64(result.Records) / result.Duration.Seconds()
	result.Latency = calculateLatencyStats(latencies)
	result.Success = result.Records > 0 && float64(result.Errors) < 0.01*float64(calls)

	if result.Success {
		fmt.Fprintf(r.out, "DONE\n\n")
	} else {
		fmt.Fprintf(r.out, "FAILED\n\n")
	}
	return result
}

func (r *Runner) testKafka(cfg config.KafkaConfig) TestResult {
	result := TestResult{BrokerType: "Kafka", BrokerName: cfg.Name, Address: strings.Join(cfg.Brokers, ",")}

	cfg.Topic = ""
	cfg.Writeback = false
	mgr := kafka.NewManager()
	mgr.AddCluster(&cfg, Namespace)
	producer := mgr.GetProducer(cfg.Name)
	r.banner(result.BrokerType, cfg.Name, result.Address, producer.Topic())

	if err := mgr.Connect(cfg.Name); err != nil {
		return r.failed(result, fmt.Errorf("connect failed: %w", err))
	}
	defer mgr.StopAll()

	return r.drive(result, func(batch []*opto.Record) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return producer.ProduceRecords(ctx, batch)
	})
}

func (r *Runner) testMQTT(cfg config.MQTTConfig) TestResult {
	result := TestResult{BrokerType: "MQTT", BrokerName: cfg.Name}

	cfg.ClientID = fmt.Sprintf("optolink-stress-%d", time.Now().UnixNano())
	cfg.Writeback = false
	pub := mqtt.NewPublisher(&cfg, Namespace)
	result.Address = pub.Address()
	r.banner(result.BrokerType, cfg.Name, result.Address, pub.TelemetryTopic())

	if err := pub.Start(); err != nil {
		return r.failed(result, fmt.Errorf("connect failed: %w", err))
	}
	defer pub.Stop()

	return r.drive(result, func(batch []*opto.Record) error {
		for _, rec := range batch {
			if !pub.Publish(rec) {
				return fmt.Errorf("publish not acknowledged")
			}
		}
		return nil
	})
}

func (r *Runner) testValkey(cfg config.ValkeyConfig) TestResult {
	result := TestResult{BrokerType: "Valkey", BrokerName: cfg.Name}

	cfg.EnableWriteback = false
	cfg.PublishChanges = true
	pub := valkey.NewPublisher(&cfg, Namespace)
	result.Address = pub.Address()
	r.banner(result.BrokerType, cfg.Name, result.Address, pub.LatestKey())

	if err := pub.Start(); err != nil {
		return r.failed(result, fmt.Errorf("connect failed: %w", err))
	}
	defer pub.Stop()

	return r.drive(result, func(batch []*opto.Record) error {
		for _, rec := range batch {
			if err := pub.Publish(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// calculateLatencyStats computes the average, the percentiles and the max.
func calculateLatencyStats(latencies []time.Duration) LatencyStats {
	var s LatencyStats
	if len(latencies) == 0 {
		return s
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, l := range sorted {
		total += l
	}
	s.Avg = total / time.Duration(len(sorted))
	s.P50 = percentile(sorted, 50)
	s.P95 = percentile(sorted, 95)
	s.P99 = percentile(sorted, 99)
	s.Max = sorted[len(sorted)-1]
	return s
}

func percentile(sorted []time.Duration, p int) time.Duration {
	idx := int(math.Ceil(float64(len(sorted))*float64(p)/100)) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func (r *Runner) printHeader() {
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "╔══════════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(r.out, "║                  REPUBLISHING STRESS TEST                        ║")
	fmt.Fprintln(r.out, "╚══════════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(r.out)
	fmt.Fprintf(r.out, "  Duration:   %v per target\n", r.testCfg.Duration)
	fmt.Fprintf(r.out, "  Batch size: %d records\n", r.testCfg.BatchSize)
	fmt.Fprintf(r.out, "  Channels:   %d per record\n", len(r.gen.sels))
	fmt.Fprintf(r.out, "  Namespace:  %s\n", Namespace)
	fmt.Fprintln(r.out)
}

func (r *Runner) printReport() {
	fmt.Fprintln(r.out)
	if len(r.results) == 0 {
		fmt.Fprintln(r.out, "  No enabled brokers found in configuration.")
		fmt.Fprintln(r.out, "  Enable kafka[], mqtt[] or valkey[] entries to run the test.")
		fmt.Fprintln(r.out)
		return
	}

	fmt.Fprintln(r.out, "  ┌─────────┬────────────────┬────────────────┬──────────────┬────────┐")
	fmt.Fprintln(r.out, "  │ Type    │ Name           │ Throughput     │ Records      │ Status │")
	fmt.Fprintln(r.out, "  ├─────────┼────────────────┼────────────────┼──────────────┼────────┤")

	passed, failed := 0, 0
	for _, res := range r.results {
		status := "✓ PASS"
		if res.Success {
			passed++
		} else {
			status = "✗ FAIL"
			failed++
		}
		name := res.BrokerName
		if len(name) > 14 {
			name = name[:14]
		}
		fmt.Fprintf(r.out, "  │ %-7s │ %-14s │ %14s │ %12d │ %s │\n",
			res.BrokerType, name, fmt.Sprintf("%.0f rec/s", res.Throughput), res.Records, status)
	}
	fmt.Fprintln(r.out, "  └─────────┴────────────────┴────────────────┴──────────────┴────────┘")
	fmt.Fprintln(r.out)

	for _, res := range r.results {
		if res.Error != nil {
			fmt.Fprintf(r.out, "  %s/%s: %v\n", res.BrokerType, res.BrokerName, res.Error)
			continue
		}
		fmt.Fprintf(r.out, "  %s/%s: %d records, %d errors in %v\n", res.BrokerType, res.BrokerName,
			res.Records, res.Errors, res.Duration.Round(time.Millisecond))
		if res.Latency.Max > 0 {
			fmt.Fprintf(r.out, "    latency avg %v  p50 %v  p95 %v  p99 %v  max %v\n",
				res.Latency.Avg.Round(time.Microsecond), res.Latency.P50.Round(time.Microsecond),
				res.Latency.P95.Round(time.Microsecond), res.Latency.P99.Round(time.Microsecond),
				res.Latency.Max.Round(time.Microsecond))
		}
	}
	fmt.Fprintln(r.out)
	fmt.Fprintf(r.out, "  Summary: %d passed, %d failed\n\n", passed, failed)
}
