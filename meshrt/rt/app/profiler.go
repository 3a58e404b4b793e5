package app

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
)

// Stage names used by Renderer.
const (
	StageParse    = "parse"
	StageUpload   = "upload"
	StageBLAS     = "blas"
	StageTLAS     = "tlas"
	StageBind     = "bind"
	StagePipeline = "pipeline"
	StageDispatch = "dispatch"
	StageReadback = "readback"
	StageWrite    = "write"
)

type Profiler struct {
	Scopes     map[string]time.Duration
	StartTimes map[string]time.Time
	Counts     map[string]int
	Order      []string
}

func NewProfiler() *Profiler {
	return &Profiler{
		Scopes:     make(map[string]time.Duration),
		StartTimes: make(map[string]time.Time),
		Counts:     make(map[string]int),
		Order:      make([]string, 0),
	}
}

func (p *Profiler) BeginScope(name string) {
	p.StartTimes[name] = time.Now()
	// Keep first-seen order for display
	for _, n := range p.Order {
		if n == name {
			return
		}
	}
	p.Order = append(p.Order, name)
}

func (p *Profiler) EndScope(name string) {
	if start, ok := p.StartTimes[name]; ok {
		p.Scopes[name] += time.Since(start)
		delete(p.StartTimes, name)
	}
}

// Scope begins name and returns the matching EndScope.
func (p *Profiler) Scope(name string) func() {
	p.BeginScope(name)
	return func() { p.EndScope(name) }
}

func (p *Profiler) SetCount(name string, count int) {
	p.Counts[name] = count
}

func (p *Profiler) Total() time.Duration {
	var total time.Duration
	for _, d := range p.Scopes {
		total += d
	}
	return total
}

func (p *Profiler) Reset() {
	for k := range p.Scopes {
		p.Scopes[k] = 0
	}
	clear(p.StartTimes)
	clear(p.Counts)
}

func (p *Profiler) sortedCounts() []string {
	keys := make([]string, 0, len(p.Counts))
	for k := range p.Counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *Profiler) GetStatsString() string {
	var sb strings.Builder

	sb.WriteString("Timings (CPU):\n")
	for _, name := range p.Order {
		ms := float64(p.Scopes[name].Microseconds()) / 1000.0
		sb.WriteString(fmt.Sprintf("  %-15s: %.2f ms\n", name, ms))
	}

	sb.WriteString("\nStats:\n")
	for _, k := range p.sortedCounts() {
		sb.WriteString(fmt.Sprintf("  %-15s: %d\n", k, p.Counts[k]))
	}
	return sb.String()
}

// WriteTable renders stage timings followed by the counters.
func (p *Profiler) WriteTable(w io.Writer, title string) error {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Stage", "Time", "% of run"})
	total := p.Total()
	for _, name := range p.Order {
		d := p.Scopes[name]
		pct := 0.0
		if total > 0 {
			pct = 100 * float64(d) / float64(total)
		}
		table.Append([]string{name, d.Round(time.Microsecond).String(), fmt.Sprintf("%02.1f %%", pct)})
	}
	for _, k := range p.sortedCounts() {
		table.Append([]string{k, fmt.Sprintf("%d", p.Counts[k]), ""})
	}
	table.SetFooter([]string{title, total.Round(time.Microsecond).String(), ""})
	table.Render()

	_, err := w.Write(buf.Bytes())
	return err
}
