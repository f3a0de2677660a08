package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ferron-io/devmem/allocator"
	"github.com/ferron-io/devmem/internal/bytesize"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	usedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

const barWidth = 24

type viewerModel struct {
	sess   *session
	source string

	dump     allocator.StatsDump
	typeIdx  int
	blockIdx int

	input  textinput.Model
	log    []logLine
	width  int
	height int
}

type logLine struct {
	text  string
	isErr bool
}

// blockEntry flattens the selected type's default blocks and the blocks
// of pools living on that type into one navigable list.
type blockEntry struct {
	label string
	block allocator.BlockDump
}

func newViewerModel(sess *session, source string) *viewerModel {
	ti := textinput.New()
	ti.Placeholder = "alloc vb 64kb usage=gpu"
	ti.Prompt = "> "
	ti.Width = 60
	ti.Focus()

	return &viewerModel{
		sess:   sess,
		source: source,
		dump:   sess.alloc.DumpStats(true),
		input:  ti,
	}
}

func (m *viewerModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m *viewerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if m.width > 8 {
			m.input.Width = m.width - 4
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit

		case "up":
			if m.blockIdx > 0 {
				m.blockIdx--
			}
			return m, nil

		case "down":
			if m.blockIdx < len(m.blocks())-1 {
				m.blockIdx++
			}
			return m, nil

		case "tab":
			if n := len(m.dump.Types); n > 0 {
				m.typeIdx = (m.typeIdx + 1) % n
				m.blockIdx = 0
			}
			return m, nil

		case "shift+tab":
			if n := len(m.dump.Types); n > 0 {
				m.typeIdx = (m.typeIdx + n - 1) % n
				m.blockIdx = 0
			}
			return m, nil

		case "enter":
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if line == "" {
				return m, nil
			}
			if line == "quit" || line == "q" {
				return m, tea.Quit
			}
			out, err := m.sess.do(line)
			if err != nil {
				m.appendLog(err.Error(), true)
			} else if out != "" {
				for _, l := range strings.Split(out, "\n") {
					m.appendLog(l, false)
				}
			}
			m.refresh()
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *viewerModel) appendLog(text string, isErr bool) {
	m.log = append(m.log, logLine{text: text, isErr: isErr})
	if len(m.log) > 6 {
		m.log = m.log[len(m.log)-6:]
	}
}

// refresh re-snapshots the allocator and clamps the selection to the new
// shape of the dump.
func (m *viewerModel) refresh() {
	m.dump = m.sess.alloc.DumpStats(true)
	if m.typeIdx >= len(m.dump.Types) {
		m.typeIdx = 0
	}
	if n := len(m.blocks()); m.blockIdx >= n {
		m.blockIdx = 0
		if n > 0 {
			m.blockIdx = n - 1
		}
	}
}

func (m *viewerModel) blocks() []blockEntry {
	if m.typeIdx >= len(m.dump.Types) {
		return nil
	}
	t := m.dump.Types[m.typeIdx]
	var entries []blockEntry
	for _, b := range t.Blocks {
		entries = append(entries, blockEntry{label: fmt.Sprintf("block %d", b.ID), block: b})
	}
	for _, p := range m.dump.Pools {
		if p.MemoryType != t.Index {
			continue
		}
		name := p.Name
		if name == "" {
			name = "pool"
		}
		for _, b := range p.Blocks {
			entries = append(entries, blockEntry{label: fmt.Sprintf("%s %d", name, b.ID), block: b})
		}
	}
	return entries
}

func (m *viewerModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("devmem viewer"))
	b.WriteString(" ")
	b.WriteString(m.source)
	b.WriteString("\n\n")

	for i, budget := range m.dump.Budgets {
		b.WriteString(fmt.Sprintf("  heap %d  %s  %s of %s\n",
			i, bar(budget.Usage, budget.Budget),
			bytesize.Int64(budget.Usage).HumanString(),
			bytesize.Int64(budget.Budget).HumanString()))
	}
	b.WriteString("\n")

	for i, t := range m.dump.Types {
		label := fmt.Sprintf("type %d  %s", t.Index, t.Flags)
		if i == m.typeIdx {
			b.WriteString("> " + selectedStyle.Render(label))
		} else {
			b.WriteString("  " + typeStyle.Render(label))
		}
		b.WriteString(helpStyle.Render(fmt.Sprintf("  %d blocks, %d allocations, %s used",
			t.Stats.BlockCount, t.Stats.AllocationCount,
			bytesize.Int64(t.Stats.UsedBytes).HumanString())))
		if t.DedicatedCount > 0 {
			b.WriteString(helpStyle.Render(fmt.Sprintf(" (+%d dedicated)", t.DedicatedCount)))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	entries := m.blocks()
	if len(entries) == 0 {
		b.WriteString(helpStyle.Render("  no blocks in this memory type"))
		b.WriteString("\n")
	}
	for i, e := range entries {
		used := blockUsed(e.block)
		line := fmt.Sprintf("%-12s %s  %s of %s, %d allocations",
			e.label, bar(used, e.block.Size),
			bytesize.Int64(used).HumanString(),
			bytesize.Int64(e.block.Size).HumanString(),
			e.block.Allocations)
		if i == m.blockIdx {
			b.WriteString(selectedStyle.Render("> " + line))
		} else {
			b.WriteString("  " + line)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if m.blockIdx < len(entries) {
		m.renderRanges(&b, entries[m.blockIdx])
	}

	for _, l := range m.log {
		if l.isErr {
			b.WriteString(errorStyle.Render("  " + l.text))
		} else {
			b.WriteString(resultStyle.Render("  " + l.text))
		}
		b.WriteString("\n")
	}
	if len(m.log) > 0 {
		b.WriteString("\n")
	}

	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("↑/↓ block • tab type • enter run • ctrl+c quit"))
	b.WriteString("\n")

	return b.String()
}

func (m *viewerModel) renderRanges(b *strings.Builder, e blockEntry) {
	b.WriteString(typeStyle.Render(fmt.Sprintf("  map of %s", e.label)))
	b.WriteString("\n")

	limit := 12
	if m.height > 0 && m.height-20 > limit {
		limit = m.height - 20
	}
	for i, r := range e.block.Ranges {
		if i >= limit {
			b.WriteString(helpStyle.Render(fmt.Sprintf("    … %d more ranges", len(e.block.Ranges)-i)))
			b.WriteString("\n")
			break
		}
		line := fmt.Sprintf("    %-10d %-10s %s", r.Offset,
			bytesize.Int64(r.Size).HumanString(), r.Type)
		if r.Name != "" {
			line += " " + r.Name
		}
		if r.Type == "free" {
			b.WriteString(helpStyle.Render(line))
		} else {
			b.WriteString(usedStyle.Render(line))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func blockUsed(b allocator.BlockDump) int64 {
	var used int64
	for _, r := range b.Ranges {
		if r.Type != "free" {
			used += r.Size
		}
	}
	return used
}

func bar(used, size int64) string {
	if size <= 0 {
		return helpStyle.Render(strings.Repeat("░", barWidth))
	}
	filled := int(float64(barWidth) * float64(used) / float64(size))
	if filled > barWidth {
		filled = barWidth
	}
	if used > 0 && filled == 0 {
		filled = 1
	}
	return usedStyle.Render(strings.Repeat("█", filled)) +
		helpStyle.Render(strings.Repeat("░", barWidth-filled))
}

func runViewer(m *viewerModel) error {
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
