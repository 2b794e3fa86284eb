// Package styles holds the colors and text styles of the inventory CLI.
package styles

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// Palette
var (
	Primary      = lipgloss.Color("#0EA5E9") // Sky
	PrimaryLight = lipgloss.Color("#7DD3FC")

	Success = lipgloss.Color("#22C55E")
	Warning = lipgloss.Color("#EAB308")
	Error   = lipgloss.Color("#EF4444")
	Info    = lipgloss.Color("#6366F1")

	Text      = lipgloss.Color("#F8FAFC")
	TextMuted = lipgloss.Color("#94A3B8")
	TextDim   = lipgloss.Color("#64748B")
	Surface   = lipgloss.Color("#1E293B")
	Border    = lipgloss.Color("#334155")
)

// Text styles. Rebuilt by DisableColors.
var (
	Bold         lipgloss.Style
	Title        lipgloss.Style
	Subtitle     lipgloss.Style
	Normal       lipgloss.Style
	Muted        lipgloss.Style
	Dim          lipgloss.Style
	Highlight    lipgloss.Style
	Code         lipgloss.Style
	SuccessStyle lipgloss.Style
	WarningStyle lipgloss.Style
	ErrorStyle   lipgloss.Style
	InfoStyle    lipgloss.Style

	Box     lipgloss.Style
	InfoBox lipgloss.Style
)

func init() {
	build()
}

func build() {
	Bold = lipgloss.NewStyle().Bold(true)
	Title = lipgloss.NewStyle().Bold(true).Foreground(Primary).MarginBottom(1)
	Subtitle = lipgloss.NewStyle().Bold(true).Foreground(PrimaryLight)
	Normal = lipgloss.NewStyle().Foreground(Text)
	Muted = lipgloss.NewStyle().Foreground(TextMuted)
	Dim = lipgloss.NewStyle().Foreground(TextDim)
	Highlight = lipgloss.NewStyle().Bold(true).Foreground(PrimaryLight)
	Code = lipgloss.NewStyle().Foreground(PrimaryLight).Background(Surface).Padding(0, 1)
	SuccessStyle = lipgloss.NewStyle().Bold(true).Foreground(Success)
	WarningStyle = lipgloss.NewStyle().Bold(true).Foreground(Warning)
	ErrorStyle = lipgloss.NewStyle().Bold(true).Foreground(Error)
	InfoStyle = lipgloss.NewStyle().Bold(true).Foreground(Info)

	Box = roundedBox(Border)
	InfoBox = roundedBox(Info).MarginTop(1)
}

func roundedBox(border lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(border).
		Padding(1, 2)
}

// Icons
const (
	IconSuccess  = "✓"
	IconError    = "✗"
	IconWarning  = "⚠"
	IconInfo     = "ℹ"
	IconArrow    = "→"
	IconDot      = "•"
	IconPending  = "◌"
	IconPackage  = "📦"
	IconDatabase = "🗄️"
	IconChart    = "📊"
	IconHealth   = "❤️"
)

// FormatSuccess formats a success message with icon
func FormatSuccess(msg string) string {
	return SuccessStyle.Render(IconSuccess) + " " + Normal.Render(msg)
}

// FormatError formats an error message with icon
func FormatError(msg string) string {
	return ErrorStyle.Render(IconError) + " " + Normal.Render(msg)
}

// FormatWarning formats a warning message with icon
func FormatWarning(msg string) string {
	return WarningStyle.Render(IconWarning) + " " + Normal.Render(msg)
}

// FormatInfo formats an info message with icon
func FormatInfo(msg string) string {
	return InfoStyle.Render(IconInfo) + " " + Normal.Render(msg)
}

// FormatStep formats step n of total.
func FormatStep(step, total int, msg string) string {
	return lipgloss.NewStyle().Foreground(TextMuted).Width(8).
		Render(fmt.Sprintf("[%d/%d]", step, total)) + " " + msg
}

// FormatKeyValue formats a key-value pair
func FormatKeyValue(key, value string) string {
	return lipgloss.NewStyle().Foreground(TextMuted).Width(20).Render(key+":") + " " + Highlight.Render(value)
}

// DisableColors turns every color off.
func DisableColors() {
	none := lipgloss.Color("")
	Primary, PrimaryLight = none, none
	Success, Warning, Error, Info = none, none, none, none
	Text, TextMuted, TextDim, Surface, Border = none, none, none, none, none
	build()
}
