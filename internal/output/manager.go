package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tanq16/segget/internal/engine"
	"golang.org/x/term"
)

type TaskOutput struct {
	TaskID      string
	Source      string
	Destination string
	State       engine.State
	Bytes       int64
	Total       int64
	Speed       float64
	Message     string
	StartTime   time.Time
	LastUpdated time.Time
	Error       error
	Index       int
}

type ErrorReport struct {
	Source string
	Error  error
	Time   time.Time
}

// Manager renders task progress. It implements engine.Observer.
type Manager struct {
	outputs     map[string]*TaskOutput
	mutex       sync.RWMutex
	out         io.Writer
	interactive bool
	numLines    int
	errors      []ErrorReport
	doneCh      chan struct{}
	displayTick time.Duration
	taskCount   int
	displayWg   sync.WaitGroup
}

func NewManager() *Manager {
	return NewManagerWithWriter(os.Stdout, term.IsTerminal(int(os.Stdout.Fd())))
}

// NewManagerWithWriter renders to w. A non-interactive manager prints one line per
// finished task instead of redrawing the live view.
func NewManagerWithWriter(w io.Writer, interactive bool) *Manager {
	return &Manager{
		outputs:     make(map[string]*TaskOutput),
		out:         w,
		interactive: interactive,
		doneCh:      make(chan struct{}),
		displayTick: 200 * time.Millisecond,
	}
}

// Register adds a task under its source URI before any progress arrives.
func (m *Manager) Register(taskID, source string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.registerLocked(taskID, source)
}

func (m *Manager) registerLocked(taskID, source string) *TaskOutput {
	if info, exists := m.outputs[taskID]; exists {
		if source != "" {
			info.Source = source
		}
		return info
	}
	m.taskCount++
	info := &TaskOutput{
		TaskID:      taskID,
		Source:      source,
		State:       engine.StatePending,
		StartTime:   time.Now(),
		LastUpdated: time.Now(),
		Index:       m.taskCount,
	}
	m.outputs[taskID] = info
	return info
}

func (m *Manager) OnProgress(p engine.Progress) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	info := m.registerLocked(p.TaskID, "")
	if info.State.IsTerminal() {
		return
	}
	now := time.Now()
	if p.State == engine.StateProbing {
		info.StartTime = now
	}
	if elapsed := now.Sub(info.LastUpdated).Seconds(); elapsed > 0 && p.BytesCompleted > info.Bytes {
		instant := float64(p.BytesCompleted-info.Bytes) / elapsed
		if info.Speed == 0 {
			info.Speed = instant
		} else {
			info.Speed = 0.7*info.Speed + 0.3*instant
		}
	}
	if p.Destination != "" {
		info.Destination = p.Destination
	}
	info.Bytes = p.BytesCompleted
	info.Total = p.TotalSize
	info.State = p.State
	info.LastUpdated = now
	switch p.State {
	case engine.StateCompleted:
		info.Message = fmt.Sprintf("Completed %s (%s)", info.label(), FormatBytes(uint64(max(info.Bytes, 0))))
	case engine.StateFailed:
		info.Error = p.Err
		info.Message = fmt.Sprintf("Failed %s", info.label())
		m.errors = append(m.errors, ErrorReport{Source: info.Source, Error: p.Err, Time: now})
	case engine.StateCancelled:
		info.Message = fmt.Sprintf("Cancelled %s", info.label())
	default:
		info.Message = fmt.Sprintf("%s %s", capitalize(string(p.State)), info.label())
	}
	if p.State.IsTerminal() && !m.interactive {
		m.printLine(info)
	}
}

// SetMessage replaces the status line of a task, e.g. after a post-download upload.
func (m *Manager) SetMessage(taskID, message string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[taskID]; exists {
		info.Message = message
		info.LastUpdated = time.Now()
		if !m.interactive {
			m.printLine(info)
		}
	}
}

// ReportError records a failure that happened outside the engine.
func (m *Manager) ReportError(taskID string, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[taskID]; exists {
		info.Error = err
		m.errors = append(m.errors, ErrorReport{Source: info.Source, Error: err, Time: time.Now()})
	}
}

// Counts returns how many tasks completed, failed and were cancelled.
func (m *Manager) Counts() (completed, failed, cancelled int) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, info := range m.outputs {
		switch info.State {
		case engine.StateCompleted:
			completed++
		case engine.StateFailed:
			failed++
		case engine.StateCancelled:
			cancelled++
		}
	}
	return completed, failed, cancelled
}

func (m *Manager) Errors() []ErrorReport {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]ErrorReport(nil), m.errors...)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func (info *TaskOutput) label() string {
	if info.Destination != "" {
		return info.Destination
	}
	return info.Source
}

func (m *Manager) GetStatusIndicator(state engine.State) string {
	switch state {
	case engine.StateCompleted:
		return successStyle.Render(StyleSymbols["pass"])
	case engine.StateFailed:
		return errorStyle.Render(StyleSymbols["fail"])
	case engine.StateCancelled, engine.StatePaused:
		return warningStyle.Render(StyleSymbols["warning"])
	case engine.StatePending:
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func styleMessage(state engine.State, message string) string {
	switch state {
	case engine.StateCompleted:
		return successStyle.Render(message)
	case engine.StateFailed:
		return errorStyle.Render(message)
	case engine.StateCancelled, engine.StatePaused:
		return warningStyle.Render(message)
	default:
		return pendingStyle.Render(message)
	}
}

func (m *Manager) printLine(info *TaskOutput) {
	elapsed := info.LastUpdated.Sub(info.StartTime).Round(time.Second)
	fmt.Fprintf(m.out, "%s%s %s %s\n", strings.Repeat(" ", 2), m.GetStatusIndicator(info.State), debugStyle.Render(elapsed.String()), styleMessage(info.State, info.Message))
}

func (m *Manager) progressLine(info *TaskOutput) string {
	if info.State == engine.StatePaused {
		return fmt.Sprintf("%s%s", PrintProgressBar(info.Bytes, info.Total, 30), warningStyle.Render("paused"))
	}
	sizeText := FormatBytes(uint64(max(info.Bytes, 0)))
	if info.Total > 0 {
		sizeText += " / " + FormatBytes(uint64(info.Total))
	}
	return fmt.Sprintf("%s%s %s %s", PrintProgressBar(info.Bytes, info.Total, 30), debugStyle.Render(sizeText), StyleSymbols["bullet"], debugStyle.Render(FormatRate(info.Speed)))
}

func (m *Manager) sortTasks() (active, pending, completed []*TaskOutput) {
	var all []*TaskOutput
	for _, info := range m.outputs {
		all = append(all, info)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Index < all[j].Index
	})
	for _, info := range all {
		switch {
		case info.State.IsTerminal():
			completed = append(completed, info)
		case info.State == engine.StatePending:
			pending = append(pending, info)
		default:
			active = append(active, info)
		}
	}
	return active, pending, completed
}

func (m *Manager) updateDisplay() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	availableLines := getTerminalHeight() - 3
	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}
	lineCount := 0
	active, pending, completed := m.sortTasks()

	totalNeeded := 2*len(active) + len(pending) + len(completed)
	if totalNeeded > availableLines {
		maxCompleted := max(availableLines-(totalNeeded-len(completed)), 0)
		if len(completed) > maxCompleted {
			completed = completed[len(completed)-maxCompleted:]
		}
	}

	for _, info := range active {
		if lineCount+2 > availableLines {
			break
		}
		elapsed := time.Since(info.StartTime).Round(time.Second)
		fmt.Fprintf(m.out, "%s%s %s %s\n", strings.Repeat(" ", 2), m.GetStatusIndicator(info.State), debugStyle.Render(elapsed.String()), styleMessage(info.State, info.Message))
		fmt.Fprintf(m.out, "%s%s\n", strings.Repeat(" ", 2+4), m.progressLine(info))
		lineCount += 2
	}
	if len(pending) > 0 && lineCount < availableLines {
		fmt.Fprintf(m.out, "%s%s %s\n", strings.Repeat(" ", 2), m.GetStatusIndicator(engine.StatePending), pendingStyle.Render(fmt.Sprintf("%d waiting...", len(pending))))
		lineCount++
	}
	if len(completed) > 10 && lineCount < availableLines {
		fmt.Fprintln(m.out, infoStyle.Render(fmt.Sprintf("%s%d tasks finished with hidden status ...", strings.Repeat(" ", 2), len(completed)-8)))
		completed = completed[len(completed)-8:]
		lineCount++
	}
	for _, info := range completed {
		if lineCount >= availableLines {
			break
		}
		m.printLine(info)
		lineCount++
	}
	m.numLines = lineCount
}

func (m *Manager) StartDisplay() {
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if m.interactive {
					m.updateDisplay()
				}
			case <-m.doneCh:
				if m.interactive {
					m.updateDisplay()
				}
				m.ShowSummary()
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	close(m.doneCh)
	m.displayWg.Wait()
}

func (m *Manager) displayErrors() {
	if len(m.errors) == 0 {
		return
	}
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+errorStyle.Bold(true).Render("Errors:"))
	for i, err := range m.errors {
		fmt.Fprintf(m.out, "%s%s %s %s\n",
			strings.Repeat(" ", 2+2),
			errorStyle.Render(fmt.Sprintf("%d.", i+1)),
			debugStyle.Render(fmt.Sprintf("[%s]", err.Time.Format("15:04:05"))),
			errorStyle.Render(fmt.Sprintf("Source: %s", err.Source)))
		for _, line := range wrapText(fmt.Sprintf("Error: %v", err.Error), 2+4) {
			fmt.Fprintf(m.out, "%s%s\n", strings.Repeat(" ", 2+4), errorStyle.Render(line))
		}
	}
}

func (m *Manager) ShowSummary() {
	completed, failed, cancelled := m.Counts()
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	total := len(m.outputs)
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+success2Style.Render(fmt.Sprintf("Completed %d of %d", completed, total)))
	if failed > 0 {
		fmt.Fprintln(m.out, strings.Repeat(" ", 2)+errorStyle.Render(fmt.Sprintf("Failed %d of %d", failed, total)))
	}
	if cancelled > 0 {
		fmt.Fprintln(m.out, strings.Repeat(" ", 2)+warningStyle.Render(fmt.Sprintf("Cancelled %d of %d", cancelled, total)))
	}
	m.displayErrors()
	fmt.Fprintln(m.out)
}
