package commands

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7B68EE"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666")).
			Width(22)

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#7FFF00"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)
)

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func disableStyles() {
	titleStyle = lipgloss.NewStyle()
	labelStyle = lipgloss.NewStyle().Width(22)
	okStyle = lipgloss.NewStyle()
	errorStyle = lipgloss.NewStyle()
}

func terminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 20 {
		return w
	}
	return 80
}
