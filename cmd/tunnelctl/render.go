package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	core "github.com/3cpo-dev/tunnelctl/internal/core"
)

type aliveness int

const (
	aliveUnknown aliveness = iota
	aliveYes
	aliveNo
)

type statusRow struct {
	core.Record
	Alive aliveness
}

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	deadStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	unknownStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

const (
	colName    = 16
	colState   = 10
	colPID     = 8
	colSession = 10
	colUptime  = 10
)

func (a aliveness) render() string {
	switch a {
	case aliveYes:
		return runningStyle.Render("running")
	case aliveNo:
		return deadStyle.Render("dead")
	default:
		return unknownStyle.Render("unknown")
	}
}

func cell(s string, width int) string {
	return lipgloss.NewStyle().Width(width).MaxWidth(width).Render(s)
}

// renderStatus draws one line per tunnel under a header. It returns a
// dimmed hint when there is nothing to show.
func renderStatus(rows []statusRow) string {
	if len(rows) == 0 {
		return dimStyle.Render("no tunnels recorded") + "\n"
	}
	var b strings.Builder
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		cell(headerStyle.Render("NAME"), colName),
		cell(headerStyle.Render("STATE"), colState),
		cell(headerStyle.Render("PID"), colPID),
		cell(headerStyle.Render("SESSION"), colSession),
		cell(headerStyle.Render("UPTIME"), colUptime),
		headerStyle.Render("BINARY"),
	))
	b.WriteByte('\n')
	for _, r := range rows {
		session := r.SessionID
		if len(session) > 8 {
			session = session[:8]
		}
		uptime := "-"
		if r.Alive == aliveYes {
			uptime = time.Since(r.StartedAt).Round(time.Second).String()
		}
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			cell(r.Name, colName),
			cell(r.Alive.render(), colState),
			cell(fmt.Sprint(r.Handle.PID), colPID),
			cell(session, colSession),
			cell(uptime, colUptime),
			dimStyle.Render(r.Handle.BinaryPath),
		))
		b.WriteByte('\n')
	}
	return b.String()
}
