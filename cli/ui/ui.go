// Package ui provides the terminal components of the inventory CLI:
// spinners and progress bars for long operations, tables and badges
// for status output.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/matsushun1/inventory/cli/styles"
)

// SpinnerType defines different spinner animations
type SpinnerType int

const (
	SpinnerDots SpinnerType = iota
	SpinnerLine
	SpinnerPulse
)

// SpinnerModel is a spinner component with a message
type SpinnerModel struct {
	spinner  spinner.Model
	message  string
	quitting bool
	done     bool
	result   string
	err      error
}

// NewSpinner creates a new spinner with the given message
func NewSpinner(message string, spinnerType SpinnerType) SpinnerModel {
	s := spinner.New()
	switch spinnerType {
	case SpinnerLine:
		s.Spinner = spinner.Line
	case SpinnerPulse:
		s.Spinner = spinner.Pulse
	default:
		s.Spinner = spinner.Dot
	}
	s.Style = lipgloss.NewStyle().Foreground(styles.Primary)

	return SpinnerModel{spinner: s, message: message}
}

func (m SpinnerModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m SpinnerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case SpinnerDoneMsg:
		m.done = true
		m.result = msg.Result
		m.err = msg.Err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m SpinnerModel) View() string {
	if m.done {
		if m.err != nil {
			return styles.FormatError(m.result) + "\n"
		}
		return styles.FormatSuccess(m.result) + "\n"
	}
	if m.quitting {
		return styles.FormatWarning("Cancelled") + "\n"
	}
	return m.spinner.View() + " " + styles.Normal.Render(m.message) + "\n"
}

// SpinnerDoneMsg signals that the spinner operation is complete
type SpinnerDoneMsg struct {
	Result string
	Err    error
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// RunWithSpinner runs task while a spinner shows message. The task's
// result line replaces the spinner. Without a terminal only the result
// line is written.
func RunWithSpinner(out io.Writer, message string, task func() (string, error)) error {
	if !IsTerminal(out) {
		result, err := task()
		fmt.Fprint(out, SpinnerModel{done: true, result: resultLine(result, err), err: err}.View())
		return err
	}

	p := tea.NewProgram(NewSpinner(message, SpinnerDots), tea.WithOutput(out))
	done := make(chan error, 1)
	go func() {
		result, err := task()
		p.Send(SpinnerDoneMsg{Result: resultLine(result, err), Err: err})
		done <- err
	}()

	if _, err := p.Run(); err != nil {
		return err
	}
	return <-done
}

func resultLine(result string, err error) string {
	if err != nil && result == "" {
		return err.Error()
	}
	return result
}

// ProgressModel is a progress bar component
type ProgressModel struct {
	progress progress.Model
	percent  float64
	message  string
	done     bool
}

// NewProgress creates a new progress bar
func NewProgress(message string) ProgressModel {
	p := progress.New(
		progress.WithGradient(string(styles.Primary), string(styles.Success)),
		progress.WithWidth(40),
		progress.WithoutPercentage(),
	)
	return ProgressModel{progress: p, message: message}
}

func (m ProgressModel) Init() tea.Cmd {
	return nil
}

func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}

	case ProgressMsg:
		m.percent = msg.Percent
		m.message = msg.Message
		if m.percent >= 1.0 {
			m.done = true
			return m, tea.Quit
		}
		return m, nil

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		return m, cmd
	}

	return m, nil
}

func (m ProgressModel) View() string {
	if m.done {
		return styles.FormatSuccess(m.message) + "\n"
	}
	return m.progress.ViewAs(m.percent) + " " + styles.Muted.Render(m.message) + "\n"
}

// ProgressMsg updates the progress bar
type ProgressMsg struct {
	Percent float64
	Message string
}

// RunWithProgress runs task with a progress bar fed by its report calls.
// Without a terminal only the final message is written.
func RunWithProgress(out io.Writer, message string, task func(report func(percent float64, msg string)) (string, error)) error {
	if !IsTerminal(out) {
		result, err := task(func(float64, string) {})
		if err != nil {
			return err
		}
		fmt.Fprintln(out, styles.FormatSuccess(result))
		return nil
	}

	p := tea.NewProgram(NewProgress(message), tea.WithOutput(out))
	done := make(chan error, 1)
	go func() {
		result, err := task(func(percent float64, msg string) {
			if percent >= 1.0 {
				percent = 0.999
			}
			p.Send(ProgressMsg{Percent: percent, Message: msg})
		})
		if err != nil {
			p.Quit()
		} else {
			p.Send(ProgressMsg{Percent: 1.0, Message: result})
		}
		done <- err
	}()

	if _, err := p.Run(); err != nil {
		return err
	}
	return <-done
}

// Table renders rows inside a box-drawing border.
type Table struct {
	headers []string
	rows    [][]string
	widths  []int
}

// NewTable creates a new table with headers
func NewTable(headers ...string) *Table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	return &Table{headers: headers, widths: widths}
}

// AddRow adds a row. Missing cells are blank and extra ones are dropped.
func (t *Table) AddRow(values ...string) {
	row := make([]string, len(t.headers))
	for i := range t.headers {
		if i < len(values) {
			row[i] = values[i]
			if w := lipgloss.Width(values[i]); w > t.widths[i] {
				t.widths[i] = w
			}
		}
	}
	t.rows = append(t.rows, row)
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// Render returns the formatted table string
func (t *Table) Render() string {
	if len(t.headers) == 0 {
		return ""
	}

	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(styles.Primary).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Foreground(styles.Text).Padding(0, 1)
	border := lipgloss.NewStyle().Foreground(styles.Border)

	var sb strings.Builder
	rule := func(left, mid, right string) {
		sb.WriteString(border.Render(left))
		for i, w := range t.widths {
			sb.WriteString(border.Render(strings.Repeat("─", w+2)))
			if i < len(t.widths)-1 {
				sb.WriteString(border.Render(mid))
			}
		}
		sb.WriteString(border.Render(right))
	}
	line := func(cells []string, style lipgloss.Style) {
		sb.WriteString(border.Render("│"))
		for i, c := range cells {
			sb.WriteString(style.Width(t.widths[i] + 2).Render(c))
			sb.WriteString(border.Render("│"))
		}
		sb.WriteString("\n")
	}

	rule("┌", "┬", "┐")
	sb.WriteString("\n")
	line(t.headers, headerStyle)
	rule("├", "┼", "┤")
	sb.WriteString("\n")
	for _, row := range t.rows {
		line(row, cellStyle)
	}
	rule("└", "┴", "┘")

	return sb.String()
}

// StatusBadge returns a styled status badge
func StatusBadge(status string) string {
	badge := lipgloss.NewStyle().Padding(0, 1)
	switch strings.ToLower(status) {
	case "running", "ok", "healthy", "applied", "up to date":
		badge = badge.Background(styles.Success).Foreground(lipgloss.Color("#000000"))
	case "catching_up", "pending", "lagging":
		badge = badge.Background(styles.Warning).Foreground(lipgloss.Color("#000000"))
	case "faulted", "failed", "error", "stopped":
		badge = badge.Background(styles.Error).Foreground(lipgloss.Color("#FFFFFF"))
	default:
		badge = badge.Background(styles.Surface).Foreground(styles.Text)
	}
	return badge.Render(status)
}

// StockLevel renders a quantity, flagging empty and low stock.
func StockLevel(quantity, low int64) string {
	s := fmt.Sprintf("%d", quantity)
	switch {
	case quantity == 0:
		return styles.ErrorStyle.Render(s)
	case quantity <= low:
		return styles.WarningStyle.Render(s)
	default:
		return styles.Normal.Render(s)
	}
}

// Banner renders the CLI banner
func Banner() string {
	banner := `
  ┌──────────────────────────────────────┐
  │  ` + styles.IconPackage + `  inventory                        │
  │     event-sourced stock keeping      │
  └──────────────────────────────────────┘`
	return lipgloss.NewStyle().Foreground(styles.Primary).Bold(true).Render(banner)
}

// SimpleBanner returns a one-line banner.
func SimpleBanner() string {
	return styles.IconPackage + " " +
		lipgloss.NewStyle().Bold(true).Foreground(styles.Primary).Render("inventory") +
		" " + styles.Muted.Render("- event-sourced stock keeping")
}

// Divider returns a horizontal divider line
func Divider(width int) string {
	return styles.Dim.Render(strings.Repeat("─", width))
}

// ListItems formats a list of items with bullets
func ListItems(items []string) string {
	var sb strings.Builder
	bullet := lipgloss.NewStyle().Foreground(styles.Primary).PaddingRight(1)
	for _, item := range items {
		sb.WriteString("  ")
		sb.WriteString(bullet.Render(styles.IconDot))
		sb.WriteString(styles.Normal.Render(item))
		sb.WriteString("\n")
	}
	return sb.String()
}
