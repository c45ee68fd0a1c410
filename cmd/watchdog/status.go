package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/gophpeek/phpeek-watchdog/internal/control"
	"github.com/gophpeek/phpeek-watchdog/internal/process"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	labelStyle = lipgloss.NewStyle().Width(16).Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

// stateStyle colors a supervisor state
func stateStyle(state process.State) lipgloss.Style {
	switch state {
	case process.StateRunning:
		return okStyle
	case process.StateStarting, process.StateStopping:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	case process.StateKilled:
		return errorStyle
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	}
}

// renderStatus formats the status reply of a watchdog for terminals
func renderStatus(servers []control.ServerStatus) string {
	if len(servers) == 0 {
		return "No servers configured\n"
	}

	var b strings.Builder
	for i, s := range servers {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(titleStyle.Render(s.ID))
		b.WriteString("  ")
		b.WriteString(stateStyle(s.State).Render(string(s.State)))
		b.WriteString("\n")

		pid := "-"
		if s.Pid > 0 {
			pid = strconv.Itoa(s.Pid)
		}
		password := "no"
		if s.PasswordConfigured {
			password = "yes"
		}
		rows := [][2]string{
			{"PID:", pid},
			{"Uptime:", s.Uptime},
			{"Starts:", strconv.Itoa(s.StartCount)},
			{"Last exit:", orDash(s.LastExit)},
			{"User:", orDash(s.User)},
			{"Root:", orDash(s.RootDirectory)},
			{"Config:", orDash(s.ConfigFile)},
			{"Password:", password},
			{"Autostart:", strconv.FormatBool(s.Autostart)},
		}
		for _, row := range rows {
			fmt.Fprintf(&b, "  %s%s\n", labelStyle.Render(row[0]), row[1])
		}
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
