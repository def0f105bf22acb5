package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
)

var (
	bold  = color.New(color.Bold)
	green = color.New(color.FgGreen)
	red   = color.New(color.FgRed)
)

func makeProgressBar(w io.Writer, total int, description string, hidden bool) *progressbar.ProgressBar {
	if hidden {
		w = io.Discard
	}

	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWriter(w),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

func printSectionHeader(w io.Writer, title string, descriptions ...string) {
	rule := strings.Repeat("═", 59)
	_, _ = fmt.Fprintln(w)
	_, _ = bold.Fprintln(w, rule)
	_, _ = bold.Fprintln(w, title)
	_, _ = bold.Fprintln(w, rule)
	for _, desc := range descriptions {
		_, _ = fmt.Fprintln(w, desc)
	}
	_, _ = fmt.Fprintln(w)
}

func renderScenarioResults(w io.Writer, results []scenarioResult) error {
	printSectionHeader(w, "BROADCAST SCENARIOS",
		"Each scenario runs against fresh pools; observed values must match expected.")

	table := tablewriter.NewWriter(w)
	table.Header("Scenario", "Pools", "Expected", "Observed", "Elapsed", "Status")

	passed := 0
	for _, r := range results {
		status := red.Sprint("FAIL")
		if r.passed() {
			status = green.Sprint("PASS")
			passed++
		}

		observed := r.observed
		if r.err != nil {
			observed = r.err.Error()
		}

		if err := table.Append(
			r.name,
			r.pools,
			r.expected,
			observed,
			formatLatency(r.elapsed),
			status,
		); err != nil {
			return err
		}
	}

	if err := table.Render(); err != nil {
		return err
	}

	_, _ = fmt.Fprintln(w)
	c := green
	if passed != len(results) {
		c = red
	}
	_, _ = c.Fprintf(w, "%d/%d scenarios passed\n", passed, len(results))
	return nil
}

func renderBenchResults(w io.Writer, results []benchResult) error {
	printSectionHeader(w, "BROADCAST THROUGHPUT",
		"  • per op: wall time of one broadcast, averaged over all rounds",
		"  • spawn rows include waiting for every copy to finish")

	table := tablewriter.NewWriter(w)
	table.Header("Operation", "Threads", "Rounds", "Total", "Per Op", "Ops/sec")

	for _, r := range results {
		if err := table.Append(
			r.operation,
			fmt.Sprintf("%d", r.threads),
			formatNumber(r.rounds),
			r.total.Round(time.Microsecond).String(),
			formatLatency(r.perOp()),
			formatNumber(int(r.opsPerSecond())),
		); err != nil {
			return err
		}
	}

	return table.Render()
}

// formatNumber formats an integer with comma separators
func formatNumber(n int) string {
	s := fmt.Sprintf("%d", n)
	var result strings.Builder
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			_, _ = result.WriteString(",")
		}
		_, _ = result.WriteRune(c)
	}
	return result.String()
}

// formatLatency formats a duration in the most appropriate unit
func formatLatency(d time.Duration) string {
	if d == 0 {
		return "0"
	}

	ns := d.Nanoseconds()

	if ns < 1000 {
		return fmt.Sprintf("%dns", ns)
	}

	if ns < 1_000_000 {
		us := float64(ns) / 1000.0
		if us == float64(int(us)) {
			return fmt.Sprintf("%dµs", int(us))
		}
		return fmt.Sprintf("%.1fµs", us)
	}

	if ns < 1_000_000_000 {
		ms := float64(ns) / 1_000_000.0
		if ms == float64(int(ms)) {
			return fmt.Sprintf("%dms", int(ms))
		}
		return fmt.Sprintf("%.2fms", ms)
	}

	s := float64(ns) / 1_000_000_000.0
	return fmt.Sprintf("%.2fs", s)
}
