package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/chunk-runtime/binary"
	"github.com/wippyai/chunk-runtime/chunk"
	"github.com/wippyai/chunk-runtime/config"
	"github.com/wippyai/chunk-runtime/loader"
	"github.com/wippyai/chunk-runtime/namespace"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
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

type modelState int

const (
	stateBooting modelState = iota
	stateSelectExport
	stateInputArgs
	stateShowResult
)

type exportInfo struct {
	value  any
	name   string
	params []api.ValueType
}

func (e exportInfo) callable() bool {
	_, ok := e.value.(chunk.Caller)
	return ok
}

type interactiveModel struct {
	err      error
	rt       *loader.Runtime
	chunks   map[string]chunk.Event
	cfg      config.Config
	result   string
	exports  []exportInfo
	inputs   []textinput.Model
	spinner  spinner.Model
	selected int
	focusIdx int
	state    modelState
}

type chunkEventMsg chunk.Event

type bootedMsg struct {
	err     error
	exports []exportInfo
}

type callResultMsg struct {
	err    error
	result string
}

func newInteractiveModel(cfg config.Config, rt *loader.Runtime) *interactiveModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	return &interactiveModel{
		cfg:     cfg,
		rt:      rt,
		spinner: s,
		chunks:  make(map[string]chunk.Event),
		state:   stateBooting,
	}
}

func (m *interactiveModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.boot)
}

func (m *interactiveModel) boot() tea.Msg {
	ns, err := m.rt.Bootstrap(context.Background())
	if err != nil {
		return bootedMsg{err: err}
	}
	return bootedMsg{exports: collectExports(ns)}
}

func collectExports(ns *namespace.Namespace) []exportInfo {
	var out []exportInfo
	if def, ok := ns.Default(); ok {
		out = append(out, newExportInfo(namespace.DefaultKey, def))
	}
	for _, name := range ns.Names() {
		v, _ := ns.Get(name)
		out = append(out, newExportInfo(name, v))
	}
	return out
}

func newExportInfo(name string, v any) exportInfo {
	info := exportInfo{name: name, value: v}
	if fn, ok := v.(*binary.Func); ok {
		info.params = fn.Definition().ParamTypes()
	}
	return info
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.state != stateInputArgs || msg.String() == "ctrl+c" {
				return m, tea.Quit
			}

		case "up", "k":
			if m.state == stateSelectExport && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectExport && m.selected < len(m.exports)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectExport:
				if len(m.exports) == 0 {
					break
				}
				e := m.exports[m.selected]
				if !e.callable() {
					m.result = describe(e.value)
					m.state = stateShowResult
					break
				}
				m.prepareInputs()
				if len(m.inputs) == 0 {
					return m, m.callExport
				}
				m.state = stateInputArgs

			case stateInputArgs:
				return m, m.callExport

			case stateShowResult:
				m.state = stateSelectExport
				m.result = ""
				m.err = nil
			}

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectExport
				m.inputs = nil
			case stateShowResult:
				m.state = stateSelectExport
				m.result = ""
				m.err = nil
			}
		}

	case chunkEventMsg:
		m.chunks[msg.ChunkID] = chunk.Event(msg)

	case bootedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.exports = msg.exports
		m.state = stateSelectExport

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult

	case spinner.TickMsg:
		if m.state == stateBooting {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
	}

	if m.state == stateInputArgs {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m *interactiveModel) prepareInputs() {
	e := m.exports[m.selected]
	m.inputs = make([]textinput.Model, len(e.params))
	for i, p := range e.params {
		ti := textinput.New()
		ti.Placeholder = api.ValueTypeName(p)
		ti.Prompt = fmt.Sprintf("arg%d: ", i)
		ti.Width = 40
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

func (m *interactiveModel) callExport() tea.Msg {
	e := m.exports[m.selected]
	fn, ok := e.value.(chunk.Caller)
	if !ok {
		return callResultMsg{err: fmt.Errorf("%s is not callable", e.name)}
	}

	args := make([]uint64, len(m.inputs))
	for i, input := range m.inputs {
		v, err := convertArg(input.Value(), e.params[i])
		if err != nil {
			return callResultMsg{err: fmt.Errorf("arg%d: %w", i, err)}
		}
		args[i] = v
	}

	results, err := fn.Call(context.Background(), args...)
	if err != nil {
		return callResultMsg{err: err}
	}
	return callResultMsg{result: fmt.Sprintf("%v", results)}
}

func convertArg(value string, t api.ValueType) (uint64, error) {
	switch t {
	case api.ValueTypeI32:
		v, err := strconv.ParseInt(value, 10, 32)
		return api.EncodeI32(int32(v)), err
	case api.ValueTypeI64:
		v, err := strconv.ParseInt(value, 10, 64)
		return api.EncodeI64(v), err
	case api.ValueTypeF32:
		v, err := strconv.ParseFloat(value, 32)
		return api.EncodeF32(float32(v)), err
	case api.ValueTypeF64:
		v, err := strconv.ParseFloat(value, 64)
		return api.EncodeF64(v), err
	default:
		return strconv.ParseUint(value, 10, 64)
	}
}

func (m *interactiveModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Chunk Runtime"))
	b.WriteString(" ")
	b.WriteString(m.cfg.EntryChunk + "/" + m.cfg.EntryModule)
	b.WriteString("\n\n")
	b.WriteString(m.chunkTable())
	b.WriteString("\n")

	if m.err != nil && m.state != stateShowResult {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("q quit"))
		return b.String()
	}

	switch m.state {
	case stateBooting:
		b.WriteString(m.spinner.View())
		b.WriteString(" Bootstrapping...")

	case stateSelectExport:
		b.WriteString("Exports of " + funcStyle.Render(m.cfg.EntryModule) + ":\n\n")
		for i, e := range m.exports {
			line := m.formatExport(e)
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + line))
			} else {
				b.WriteString("  " + line)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter call/inspect • q quit"))

	case stateInputArgs:
		e := m.exports[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s\n\n", funcStyle.Render(e.name)))
		for i, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString(" ")
			b.WriteString(typeStyle.Render(api.ValueTypeName(e.params[i])))
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter call • esc back"))

	case stateShowResult:
		e := m.exports[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", funcStyle.Render(e.name)))
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func (m *interactiveModel) chunkTable() string {
	if len(m.chunks) == 0 {
		return helpStyle.Render("no chunk activity yet") + "\n"
	}
	ids := make([]string, 0, len(m.chunks))
	for id := range m.chunks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		ev := m.chunks[id]
		state := ev.State.String()
		switch {
		case ev.Err != nil:
			state = errorStyle.Render("failed")
		case ev.State == chunk.Loaded:
			state = resultStyle.Render(state)
		default:
			state = typeStyle.Render(state)
		}
		fmt.Fprintf(&b, "  chunk %-12s %s\n", id, state)
	}
	return b.String()
}

func (m *interactiveModel) formatExport(e exportInfo) string {
	if !e.callable() {
		return e.name + " " + typeStyle.Render(describe(e.value))
	}
	params := make([]string, len(e.params))
	for i, p := range e.params {
		params[i] = typeStyle.Render(api.ValueTypeName(p))
	}
	return funcStyle.Render(e.name) + "(" + strings.Join(params, ", ") + ")"
}

func runInteractive(cfg config.Config, opts options) error {
	// Log output would corrupt the alternate screen.
	loader.SetLoggers(zap.NewNop())

	var p *tea.Program
	observer := func(ev chunk.Event) {
		if p != nil {
			p.Send(chunkEventMsg(ev))
		}
	}

	ctx := context.Background()
	rt, err := loader.New(ctx, cfg, runtimeOptions(opts, loader.WithObserver(observer))...)
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	defer rt.Close(ctx)

	p = tea.NewProgram(newInteractiveModel(cfg, rt), tea.WithAltScreen())
	_, err = p.Run()
	return err
}
