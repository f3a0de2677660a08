package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/ferron-io/devmem/internal/bytesize"
	"github.com/ferron-io/devmem/telemetry"
)

func main() {
	var (
		profilePath = flag.String("profile", "", "Path to a TOML profile (built-in discrete GPU when empty)")
		dumpOnly    = flag.Bool("dump", false, "Run the workload, print stats and exit")
		maxSteps    = flag.Int("steps", 0, "Run only the first N workload steps (0 = all)")
		statsdAddr  = flag.String("statsd", "", "Push gauges to this statsd address (host:port)")
		interval    = flag.Duration("interval", 5*time.Second, "Statsd push interval")
		verbose     = flag.Bool("v", false, "Verbose allocator logging to stderr (with -dump)")
	)
	flag.Parse()

	if err := run(*profilePath, *statsdAddr, *interval, *maxSteps, *dumpOnly, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(profilePath, statsdAddr string, interval time.Duration, maxSteps int, dumpOnly, verbose bool) error {
	prof, err := loadProfile(profilePath)
	if err != nil {
		return err
	}

	// Logging would fight the TUI for the terminal, so the development
	// logger is only offered alongside -dump.
	logger := zap.NewNop()
	if verbose && dumpOnly {
		logger, err = zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
		defer logger.Sync()
	}

	sess, err := newSession(prof, logger)
	if err != nil {
		return err
	}
	defer sess.close()

	// Statsd pushes run on a loop behind the TUI; a one-shot dump pushes
	// a single snapshot instead.
	var rep *telemetry.Reporter
	if statsdAddr != "" {
		rep, err = telemetry.New(sess.alloc, telemetry.Options{Address: statsdAddr})
		if err != nil {
			return fmt.Errorf("statsd: %w", err)
		}
		defer rep.Close()
		if !dumpOnly {
			if err := rep.Start(interval); err != nil {
				return fmt.Errorf("statsd: %w", err)
			}
		}
	}

	steps := prof.Workload
	if maxSteps > 0 && maxSteps < len(steps) {
		steps = steps[:maxSteps]
	}
	lines, err := sess.runWorkload(steps)
	if err != nil {
		return err
	}

	if dumpOnly {
		if rep != nil {
			if err := rep.ReportOnce(); err != nil {
				return fmt.Errorf("statsd: %w", err)
			}
		}
		return writeReport(os.Stdout, sess)
	}

	m := newViewerModel(sess, sourceLabel(profilePath, prof))
	for _, l := range lines {
		m.appendLog(l, false)
	}
	return runViewer(m)
}

func sourceLabel(path string, p *profile) string {
	if path != "" {
		return path
	}
	if p.Device.Preset != "" {
		return p.Device.Preset + " preset"
	}
	return "discrete preset"
}

// writeReport prints a human summary on a terminal and the full JSON
// dump when piped.
func writeReport(out *os.File, sess *session) error {
	if !term.IsTerminal(int(out.Fd())) {
		_, err := fmt.Fprintln(out, sess.alloc.BuildStatsString(true))
		return err
	}

	dump := sess.alloc.DumpStats(true)
	var b strings.Builder

	b.WriteString(titleStyle.Render("devmem stats"))
	b.WriteString("\n\n")

	for i, budget := range dump.Budgets {
		b.WriteString(fmt.Sprintf("heap %d  %s  %s of %s\n",
			i, bar(budget.Usage, budget.Budget),
			bytesize.Int64(budget.Usage).HumanString(),
			bytesize.Int64(budget.Budget).HumanString()))
	}
	b.WriteString("\n")

	for _, t := range dump.Types {
		b.WriteString(typeStyle.Render(fmt.Sprintf("type %d  %s", t.Index, t.Flags)))
		b.WriteString(fmt.Sprintf("  %d blocks, %d allocations, %s used\n",
			t.Stats.BlockCount, t.Stats.AllocationCount,
			bytesize.Int64(t.Stats.UsedBytes).HumanString()))
		for _, blk := range t.Blocks {
			used := blockUsed(blk)
			b.WriteString(fmt.Sprintf("  block %-4d %s  %s of %s, %d allocations\n",
				blk.ID, bar(used, blk.Size),
				bytesize.Int64(used).HumanString(),
				bytesize.Int64(blk.Size).HumanString(), blk.Allocations))
		}
		if t.DedicatedCount > 0 {
			b.WriteString(fmt.Sprintf("  dedicated   %d allocations, %s\n",
				t.DedicatedCount, bytesize.Int64(t.DedicatedBytes).HumanString()))
		}
	}

	for _, p := range dump.Pools {
		name := p.Name
		if name == "" {
			name = "(unnamed)"
		}
		b.WriteString(typeStyle.Render("pool " + name))
		b.WriteString(fmt.Sprintf("  type %d, %s, %d blocks, %d allocations\n",
			p.MemoryType, p.Algorithm, p.Stats.BlockCount, p.Stats.AllocationCount))
		for _, blk := range p.Blocks {
			used := blockUsed(blk)
			b.WriteString(fmt.Sprintf("  block %-4d %s  %s of %s, %d allocations\n",
				blk.ID, bar(used, blk.Size),
				bytesize.Int64(used).HumanString(),
				bytesize.Int64(blk.Size).HumanString(), blk.Allocations))
		}
	}
	b.WriteString("\n")

	b.WriteString(resultStyle.Render(fmt.Sprintf("total  %d blocks, %d allocations, %s used, %s unused",
		dump.Total.BlockCount, dump.Total.AllocationCount,
		bytesize.Int64(dump.Total.UsedBytes).HumanString(),
		bytesize.Int64(dump.Total.UnusedBytes).HumanString())))
	b.WriteString("\n")

	_, err := fmt.Fprint(out, b.String())
	return err
}
