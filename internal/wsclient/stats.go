package wsclient

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
)

// Collector aggregates latencies and errors from many clients. It is
// goroutine-safe.
type Collector struct {
	mu        sync.Mutex
	series    map[string][]time.Duration
	order     []string
	errors    int
	startTime time.Time
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{series: make(map[string][]time.Duration), startTime: time.Now()}
}

// Add records one sample in the named series.
func (c *Collector) Add(series string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.series[series]; !ok {
		c.order = append(c.order, series)
	}
	c.series[series] = append(c.series[series], d)
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// Count returns the number of samples in a series.
func (c *Collector) Count(series string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.series[series])
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Summary is the distribution of one series.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize computes the distribution of a series. ok is false when the
// series is empty.
func (c *Collector) Summarize(series string) (Summary, bool) {
	c.mu.Lock()
	samples := slices.Clone(c.series[series])
	c.mu.Unlock()
	if len(samples) == 0 {
		return Summary{}, false
	}
	slices.Sort(samples)

	n := len(samples)
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: samples[n/2],
		P95: samples[percentileIndex(n, 95)],
		P99: samples[percentileIndex(n, 99)],
		Max: samples[n-1],
	}, true
}

// percentileIndex is the nearest-rank index of the p-th percentile.
func percentileIndex(n, p int) int {
	i := (n*p + 99) / 100
	return max(i-1, 0)
}

// Report writes a summary of every series to w as a table.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	order := slices.Clone(c.order)
	errs := c.errors
	elapsed := time.Since(c.startTime)
	c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:  %s\n", elapsed.Round(time.Second))
	fmt.Fprintf(w, "Errors:    %d\n\n", errs)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Series", "N", "Avg", "P50", "P95", "P99", "Max"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)

	for _, name := range order {
		s, ok := c.Summarize(name)
		if !ok {
			continue
		}
		table.Append([]string{
			name,
			strconv.Itoa(s.N),
			s.Avg.Round(time.Microsecond).String(),
			s.P50.Round(time.Microsecond).String(),
			s.P95.Round(time.Microsecond).String(),
			s.P99.Round(time.Microsecond).String(),
			s.Max.Round(time.Microsecond).String(),
		})
	}
	table.Render()
}
