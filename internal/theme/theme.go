package theme

import (
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Theme captures the lipgloss styles and bar colours used by the REPL.
type Theme struct {
	Message  lipgloss.Style
	Header   lipgloss.Style
	Normal   lipgloss.Style
	Dim      lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style
	BarStart string
	BarEnd   string
}

// Default is the canonical name of the built-in default theme.
const Default = "default"

var themes = map[string]Theme{
	Default: {
		Message:  lipgloss.NewStyle().Foreground(lipgloss.Color("69")),
		Header:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99")),
		Normal:   lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		Dim:      lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		Success:  lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		Warning:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Error:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		BarStart: "#5A56E0",
		BarEnd:   "#EE6FF8",
	},
	"high_contrast": {
		Message:  lipgloss.NewStyle().Foreground(lipgloss.Color("51")).Bold(true),
		Header:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		Normal:   lipgloss.NewStyle().Foreground(lipgloss.Color("15")),
		Dim:      lipgloss.NewStyle().Foreground(lipgloss.Color("7")),
		Success:  lipgloss.NewStyle().Foreground(lipgloss.Color("118")).Bold(true),
		Warning:  lipgloss.NewStyle().Foreground(lipgloss.Color("220")).Bold(true),
		Error:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		BarStart: "#00FFFF",
		BarEnd:   "#FFFF00",
	},
}

// Names returns the sorted list of available theme names.
func Names() []string {
	names := make([]string, 0, len(themes))
	for name := range themes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForName returns the theme with the provided name, defaulting if unknown.
func ForName(name string) Theme {
	key := strings.ToLower(strings.TrimSpace(name))
	if theme, ok := themes[key]; ok {
		return theme
	}
	return themes[Default]
}
