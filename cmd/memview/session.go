package main

import (
	stderrors "errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ferron-io/devmem"
	"github.com/ferron-io/devmem/allocator"
	"github.com/ferron-io/devmem/errors"
	"github.com/ferron-io/devmem/internal/bytesize"
	"github.com/ferron-io/devmem/simdev"
)

// session owns the simulated device, the allocator and everything
// created through it. Commands typed in the TUI and steps from a
// profile workload go through the same apply path.
type session struct {
	dev   *simdev.Device
	alloc *allocator.Allocator

	pools map[string]*allocator.Pool
	live  map[string]*allocator.Allocation
	order []string

	nextID int
}

func newSession(p *profile, log *zap.Logger) (*session, error) {
	cfg, err := p.deviceConfig()
	if err != nil {
		return nil, err
	}
	dev, err := simdev.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create device: %w", err)
	}
	opts := p.allocatorOptions()
	opts.Logger = log
	alloc, err := allocator.New(dev, opts)
	if err != nil {
		return nil, fmt.Errorf("create allocator: %w", err)
	}

	s := &session{
		dev:   dev,
		alloc: alloc,
		pools: make(map[string]*allocator.Pool),
		live:  make(map[string]*allocator.Allocation),
	}
	for _, pp := range p.Pools {
		if pp.Name == "" {
			alloc.Close()
			return nil, fmt.Errorf("profile pool without a name")
		}
		ci, err := pp.createInfo()
		if err != nil {
			alloc.Close()
			return nil, fmt.Errorf("pool %q: %w", pp.Name, err)
		}
		pool, err := alloc.CreatePool(ci)
		if err != nil {
			alloc.Close()
			return nil, fmt.Errorf("create pool %q: %w", pp.Name, err)
		}
		s.pools[pp.Name] = pool
	}
	return s, nil
}

// close frees whatever the session still holds and shuts the allocator
// down. Leaks then only come from bugs in the session itself.
func (s *session) close() error {
	for _, name := range s.order {
		if al := s.live[name]; al != nil {
			s.alloc.Free(al)
		}
	}
	s.live = make(map[string]*allocator.Allocation)
	s.order = nil
	for _, p := range s.pools {
		s.alloc.DestroyPool(p)
	}
	s.pools = make(map[string]*allocator.Pool)
	return s.alloc.Close()
}

// do parses one command line and executes it.
func (s *session) do(line string) (string, error) {
	st, err := parseCommand(line)
	if err != nil {
		return "", err
	}
	return s.apply(st)
}

// runWorkload executes profile steps in order, stopping at the first
// failure.
func (s *session) runWorkload(steps []workloadStep) ([]string, error) {
	var lines []string
	for i, st := range steps {
		out, err := s.apply(st)
		if err != nil {
			return lines, fmt.Errorf("workload step %d (%s): %w", i+1, st.Op, err)
		}
		if out != "" {
			lines = append(lines, out)
		}
	}
	return lines, nil
}

func (s *session) apply(st workloadStep) (string, error) {
	switch strings.ToLower(st.Op) {
	case "alloc":
		return s.allocate(st)
	case "free":
		return s.free(st.Name)
	case "frame":
		n := st.Count
		if n <= 0 {
			n = 1
		}
		next := s.alloc.CurrentFrameIndex() + uint32(n)
		s.alloc.SetCurrentFrameIndex(next)
		return fmt.Sprintf("frame index now %d", next), nil
	case "defrag":
		return s.defragment(st.Count, st.Bytes.Int64())
	case "lost":
		n := s.alloc.MakeAllocationsLost()
		return fmt.Sprintf("made %d allocations lost", n), nil
	case "check":
		err := s.alloc.CheckCorruption(0)
		if stderrors.Is(err, errors.ErrFeatureNotPresent) {
			return "corruption detection is not enabled", nil
		}
		if err != nil {
			return "", err
		}
		return "no corruption detected", nil
	case "dump":
		return s.dumpStats(st.Name)
	default:
		return "", fmt.Errorf("unknown op %q", st.Op)
	}
}

func (s *session) allocate(st workloadStep) (string, error) {
	size := st.Size.Int64()
	if size <= 0 {
		return "", fmt.Errorf("alloc needs a positive size")
	}
	usage, err := parseUsage(st.Usage)
	if err != nil {
		return "", err
	}
	flags, err := parseAllocationFlags(st.Flags)
	if err != nil {
		return "", err
	}
	info := allocator.AllocationCreateInfo{Usage: usage, Flags: flags}
	if st.Pool != "" {
		pool, ok := s.pools[st.Pool]
		if !ok {
			return "", fmt.Errorf("unknown pool %q", st.Pool)
		}
		info.Pool = pool
	}

	count := st.Count
	if count <= 0 {
		count = 1
	}
	var made []string
	for i := 0; i < count; i++ {
		name := st.Name
		switch {
		case name == "":
			s.nextID++
			name = fmt.Sprintf("alloc-%d", s.nextID)
		case count > 1:
			name = fmt.Sprintf("%s.%d", st.Name, i)
		}
		if _, taken := s.live[name]; taken {
			return strings.Join(made, "\n"), fmt.Errorf("name %q already in use", name)
		}
		info.Name = name

		reqs := devmem.MemoryRequirements{
			Size:      size,
			Alignment: st.Align.Int64(),
			TypeBits:  ^uint32(0),
		}
		al, err := s.alloc.Allocate(reqs, info)
		if err != nil {
			return strings.Join(made, "\n"), fmt.Errorf("alloc %q: %w", name, err)
		}
		s.live[name] = al
		s.order = append(s.order, name)

		ai := s.alloc.AllocationInfo(al)
		made = append(made, fmt.Sprintf("%s: %s in type %d at offset %d",
			name, bytesize.Int64(ai.Size).HumanString(), ai.MemoryType, ai.Offset))
	}
	return strings.Join(made, "\n"), nil
}

func (s *session) free(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("free needs an allocation name")
	}
	al, ok := s.live[name]
	if !ok {
		return "", fmt.Errorf("unknown allocation %q", name)
	}
	s.alloc.Free(al)
	delete(s.live, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return fmt.Sprintf("freed %s", name), nil
}

func (s *session) defragment(maxMoves int, maxBytes int64) (string, error) {
	allocs := make([]*allocator.Allocation, 0, len(s.order))
	for _, name := range s.order {
		allocs = append(allocs, s.live[name])
	}
	ctx, err := s.alloc.DefragmentationBegin(allocator.DefragmentationInfo{
		Allocations:          allocs,
		MaxAllocationsToMove: maxMoves,
		MaxBytesToMove:       maxBytes,
	})
	if err != nil {
		return "", err
	}
	stats := ctx.Stats()
	err = ctx.End()

	msg := fmt.Sprintf("moved %d allocations (%s), freed %d blocks (%s)",
		stats.AllocationsMoved, bytesize.Int64(stats.BytesMoved).HumanString(),
		stats.DeviceMemoryBlocksFreed, bytesize.Int64(stats.BytesFreed).HumanString())
	if stderrors.Is(err, errors.ErrIncomplete) {
		return msg + ", budget exhausted", nil
	}
	if err != nil {
		return "", err
	}
	return msg, nil
}

func (s *session) dumpStats(path string) (string, error) {
	if path == "" {
		path = fmt.Sprintf("devmem-stats-%s.json", time.Now().Format("20060102-150405"))
	}
	if err := os.WriteFile(path, []byte(s.alloc.BuildStatsString(true)), 0o644); err != nil {
		return "", fmt.Errorf("write stats: %w", err)
	}
	return "stats written to " + path, nil
}

// parseCommand turns an input line into the same step structure
// profile workloads use.
func parseCommand(line string) (workloadStep, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return workloadStep{}, fmt.Errorf("empty command")
	}
	st := workloadStep{Op: strings.ToLower(fields[0])}
	args := fields[1:]

	switch st.Op {
	case "alloc":
		if len(args) < 2 {
			return st, fmt.Errorf("usage: alloc <name> <size> [usage=u] [pool=p] [flags=f,f] [align=n] [count=n]")
		}
		st.Name = args[0]
		size, err := bytesize.Parse(args[1])
		if err != nil {
			return st, fmt.Errorf("size: %w", err)
		}
		st.Size = bytesize.Int64(size)
		for _, kv := range args[2:] {
			key, value, ok := strings.Cut(kv, "=")
			if !ok {
				return st, fmt.Errorf("expected key=value, got %q", kv)
			}
			switch key {
			case "usage":
				st.Usage = value
			case "pool":
				st.Pool = value
			case "flags":
				st.Flags = strings.Split(value, ",")
			case "align":
				n, err := bytesize.Parse(value)
				if err != nil {
					return st, fmt.Errorf("align: %w", err)
				}
				st.Align = bytesize.Int64(n)
			case "count":
				n, err := strconv.Atoi(value)
				if err != nil {
					return st, fmt.Errorf("count: %w", err)
				}
				st.Count = n
			default:
				return st, fmt.Errorf("unknown option %q", key)
			}
		}
	case "free":
		if len(args) != 1 {
			return st, fmt.Errorf("usage: free <name>")
		}
		st.Name = args[0]
	case "frame":
		if len(args) > 1 {
			return st, fmt.Errorf("usage: frame [n]")
		}
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return st, fmt.Errorf("frame count: %w", err)
			}
			st.Count = n
		}
	case "defrag":
		for _, kv := range args {
			key, value, ok := strings.Cut(kv, "=")
			if !ok {
				return st, fmt.Errorf("expected key=value, got %q", kv)
			}
			switch key {
			case "moves":
				n, err := strconv.Atoi(value)
				if err != nil {
					return st, fmt.Errorf("moves: %w", err)
				}
				st.Count = n
			case "bytes":
				n, err := bytesize.Parse(value)
				if err != nil {
					return st, fmt.Errorf("bytes: %w", err)
				}
				st.Bytes = bytesize.Int64(n)
			default:
				return st, fmt.Errorf("unknown option %q", key)
			}
		}
	case "lost", "check":
		if len(args) != 0 {
			return st, fmt.Errorf("%s takes no arguments", st.Op)
		}
	case "dump":
		if len(args) > 1 {
			return st, fmt.Errorf("usage: dump [path]")
		}
		if len(args) == 1 {
			st.Name = args[0]
		}
	default:
		return st, fmt.Errorf("unknown command %q", fields[0])
	}
	return st, nil
}
