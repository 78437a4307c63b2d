package main

import (
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/agent"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/discovery"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
)

var (
	primary = lipgloss.Color("#22d3ee")
	muted   = lipgloss.Color("#6B7280")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(primary)
	mutedStyle  = lipgloss.NewStyle().Foreground(muted)
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#EF4444"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(primary).Align(lipgloss.Center)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(primary)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Render()
}

// rosterView marks self in the roster with an asterisk.
func rosterView(room string, roster []string, self string) string {
	if len(roster) == 0 {
		return titleStyle.Render("room "+room) + "\n" + mutedStyle.Render("nobody here")
	}
	rows := make([][]string, 0, len(roster))
	for i, id := range roster {
		name := id
		if id == self {
			name += " *"
		}
		rows = append(rows, []string{strconv.Itoa(i + 1), name})
	}
	return titleStyle.Render("room "+room) + "\n" + renderTable([]string{"#", "Participant"}, rows)
}

func sessionsView(sessions []agent.SessionInfo) string {
	if len(sessions) == 0 {
		return mutedStyle.Render("no peer sessions")
	}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{s.Participant, s.State.String(), s.Transport.String()})
	}
	return renderTable([]string{"Participant", "Session", "Transport"}, rows)
}

func receiveStatsView(stats []media.TrackStats, feedback []media.FeedbackStats) string {
	if len(stats) == 0 && len(feedback) == 0 {
		return mutedStyle.Render("no media exchanged")
	}
	var out string
	if len(stats) > 0 {
		rows := make([][]string, 0, len(stats))
		for _, s := range stats {
			rows = append(rows, []string{
				s.Participant, s.Kind, s.Codec,
				strconv.FormatUint(s.Packets, 10),
				strconv.FormatUint(s.Bytes, 10),
				strconv.FormatUint(s.Lost, 10),
			})
		}
		out = renderTable([]string{"From", "Kind", "Codec", "Packets", "Bytes", "Lost"}, rows)
	}
	if len(feedback) > 0 {
		rows := make([][]string, 0, len(feedback))
		for _, f := range feedback {
			rows = append(rows, []string{
				f.Participant,
				strconv.FormatUint(f.PLI, 10),
				strconv.FormatUint(f.FIR, 10),
				strconv.FormatUint(f.NACK, 10),
				strconv.FormatUint(f.ReceiverReports, 10),
			})
		}
		if out != "" {
			out += "\n"
		}
		out += renderTable([]string{"To", "PLI", "FIR", "NACK", "RR"}, rows)
	}
	return out
}

func discoveryView(servers []discovery.Server) string {
	if len(servers) == 0 {
		return mutedStyle.Render("no signaling servers found")
	}
	rows := make([][]string, 0, len(servers))
	for _, s := range servers {
		rows = append(rows, []string{s.Instance, s.URL()})
	}
	return renderTable([]string{"Instance", "URL"}, rows)
}
