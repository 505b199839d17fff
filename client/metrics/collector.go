package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"
)

// Record kinds
const (
	KindJoin    = "JOIN"
	KindMessage = "MESSAGE"
)

// Status codes. ConnNew and Retry only feed counters.
const (
	StatusOK      = "OK"
	StatusError   = "ERROR"
	StatusConnNew = "CONN_NEW"
	StatusRetry   = "RETRY"
)

type Record struct {
	Timestamp  time.Time
	Kind       string
	Latency    time.Duration
	StatusCode string
	RoomKey    string // "" for the lobby
}

type Statistics struct {
	TotalOps         int
	SuccessCount     int
	FailCount        int
	TotalConnections int
	RetryCount       int
	TotalLatency     time.Duration
	MinLatency       time.Duration
	MaxLatency       time.Duration
	StartTime        time.Time
	EndTime          time.Time

	Latencies         []time.Duration
	RoomCounts        map[string]int
	KindCounts        map[string]int
	ThroughputBuckets map[int64]int // unix seconds of the 10s bucket -> successes
}

// Collector aggregates records from many workers on a single goroutine.
type Collector struct {
	records   chan Record
	Done      chan struct{}
	csvWriter *csv.Writer
	Stats     Statistics
}

// NewCollector writes one CSV row per operation to w. A nil w disables CSV.
func NewCollector(w io.Writer) *Collector {
	c := &Collector{
		records: make(chan Record, 10000),
		Done:    make(chan struct{}),
		Stats: Statistics{
			MinLatency:        time.Duration(1<<63 - 1),
			RoomCounts:        make(map[string]int),
			KindCounts:        make(map[string]int),
			ThroughputBuckets: make(map[int64]int),
		},
	}
	if w != nil {
		c.csvWriter = csv.NewWriter(w)
		c.csvWriter.Write([]string{"timestamp", "kind", "latency_ms", "statusCode", "roomKey"})
	}
	return c
}

func (c *Collector) Record(r Record) {
	c.records <- r
}

func (c *Collector) RecordConnection() {
	c.records <- Record{StatusCode: StatusConnNew}
}

func (c *Collector) RecordRetry() {
	c.records <- Record{StatusCode: StatusRetry}
}

func (c *Collector) Start() {
	c.Stats.StartTime = time.Now()
	go func() {
		for r := range c.records {
			c.apply(r)
		}
		if c.csvWriter != nil {
			c.csvWriter.Flush()
		}
		c.Stats.EndTime = time.Now()
		close(c.Done)
	}()
}

// Close stops intake; wait on Done before reading Stats.
func (c *Collector) Close() {
	close(c.records)
}

func (c *Collector) apply(r Record) {
	switch r.StatusCode {
	case StatusConnNew:
		c.Stats.TotalConnections++
		return
	case StatusRetry:
		c.Stats.RetryCount++
		return
	}

	c.Stats.TotalOps++
	if r.StatusCode == StatusOK {
		c.Stats.SuccessCount++
		c.Stats.TotalLatency += r.Latency
		if r.Latency < c.Stats.MinLatency {
			c.Stats.MinLatency = r.Latency
		}
		if r.Latency > c.Stats.MaxLatency {
			c.Stats.MaxLatency = r.Latency
		}
		c.Stats.Latencies = append(c.Stats.Latencies, r.Latency)
		c.Stats.RoomCounts[roomLabel(r.RoomKey)]++
		c.Stats.KindCounts[r.Kind]++
		c.Stats.ThroughputBuckets[r.Timestamp.Unix()/10*10]++
	} else {
		c.Stats.FailCount++
	}

	if c.csvWriter != nil {
		c.csvWriter.Write([]string{
			r.Timestamp.Format(time.RFC3339Nano),
			r.Kind,
			strconv.FormatFloat(float64(r.Latency.Microseconds())/1000, 'f', 3, 64),
			r.StatusCode,
			r.RoomKey,
		})
	}
}

// Percentiles returns the median, p95 and p99 of successful latencies.
func (c *Collector) Percentiles() (median, p95, p99 time.Duration) {
	n := len(c.Stats.Latencies)
	if n == 0 {
		return 0, 0, 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, c.Stats.Latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return sorted[n/2], sorted[int(float64(n)*0.95)], sorted[int(float64(n)*0.99)]
}

// AvgLatency is the mean latency of successful operations.
func (c *Collector) AvgLatency() time.Duration {
	if c.Stats.SuccessCount == 0 {
		return 0
	}
	return c.Stats.TotalLatency / time.Duration(c.Stats.SuccessCount)
}

func (c *Collector) PrintSummary(w io.Writer) {
	duration := c.Stats.EndTime.Sub(c.Stats.StartTime).Seconds()
	throughput := 0.0
	if duration > 0 {
		throughput = float64(c.Stats.SuccessCount) / duration
	}
	minLatency := c.Stats.MinLatency
	if c.Stats.SuccessCount == 0 {
		minLatency = 0
	}
	median, p95, p99 := c.Percentiles()

	fmt.Fprintln(w, "========= Load Test Results =========")
	fmt.Fprintf(w, "Total Duration: %.2f seconds\n", duration)
	fmt.Fprintf(w, "Total Operations: %d\n", c.Stats.TotalOps)
	fmt.Fprintf(w, "Successful: %d\n", c.Stats.SuccessCount)
	fmt.Fprintf(w, "Failed: %d\n", c.Stats.FailCount)
	fmt.Fprintf(w, "Throughput: %.2f ops/sec\n", throughput)
	fmt.Fprintf(w, "Total Connections: %d\n", c.Stats.TotalConnections)
	fmt.Fprintf(w, "Total Retries: %d\n", c.Stats.RetryCount)
	fmt.Fprintf(w, "Avg Latency: %s\n", c.AvgLatency())
	fmt.Fprintf(w, "Min Latency: %s\n", minLatency)
	fmt.Fprintf(w, "Max Latency: %s\n", c.Stats.MaxLatency)
	fmt.Fprintf(w, "Median Latency: %s\n", median)
	fmt.Fprintf(w, "P95 Latency: %s\n", p95)
	fmt.Fprintf(w, "P99 Latency: %s\n", p99)

	fmt.Fprintln(w, "\n--- Operation Kinds ---")
	for _, k := range sortedKeys(c.Stats.KindCounts) {
		fmt.Fprintf(w, "%s: %d\n", k, c.Stats.KindCounts[k])
	}

	fmt.Fprintln(w, "\n--- Per Room ---")
	for _, k := range sortedKeys(c.Stats.RoomCounts) {
		fmt.Fprintf(w, "%s: %d\n", k, c.Stats.RoomCounts[k])
	}

	fmt.Fprintln(w, "\n--- Throughput (10s buckets) ---")
	buckets := make([]int64, 0, len(c.Stats.ThroughputBuckets))
	for b := range c.Stats.ThroughputBuckets {
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i] < buckets[j] })
	for _, b := range buckets {
		fmt.Fprintf(w, "%s: %.1f ops/sec\n", time.Unix(b, 0).Format("15:04:05"), float64(c.Stats.ThroughputBuckets[b])/10)
	}
	fmt.Fprintln(w, "=====================================")
}

func roomLabel(roomKey string) string {
	if roomKey == "" {
		return "lobby"
	}
	return roomKey
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
