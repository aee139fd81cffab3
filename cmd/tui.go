// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/bidistat/pkg/bidib"
)

// statsSource is the part of the transport the monitor reads
type statsSource interface {
	Statistics() bidib.Statistics
	Nodes() *bidib.NodeTable
}

// TUI model
type model struct {
	connInfo      string
	statsInterval int
	showAll       bool
	source        statsSource
	stats         bidib.Statistics
	nodes         table.Model
	nodeCount     int
	errorLog      []busEvent
	maxLogEntries int
	width         int
	height        int
	quitting      bool
}

// Messages
type tickMsg time.Time
type busEventMsg busEvent

// formatUptime formats uptime in milliseconds to human-friendly string
func formatUptime(ms uint64) string {
	if ms == 0 {
		return "0 seconds"
	}

	seconds := ms / 1000
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24
	months := days / 30
	years := months / 12

	seconds %= 60
	minutes %= 60
	hours %= 24
	days %= 30
	months %= 12

	parts := []string{}
	if years > 0 {
		if years == 1 {
			parts = append(parts, "1 year")
		} else {
			parts = append(parts, fmt.Sprintf("%d years", years))
		}
	}
	if months > 0 {
		if months == 1 {
			parts = append(parts, "1 month")
		} else {
			parts = append(parts, fmt.Sprintf("%d months", months))
		}
	}
	if days > 0 {
		if days == 1 {
			parts = append(parts, "1 day")
		} else {
			parts = append(parts, fmt.Sprintf("%d days", days))
		}
	}
	if hours > 0 {
		if hours == 1 {
			parts = append(parts, "1 hour")
		} else {
			parts = append(parts, fmt.Sprintf("%d hours", hours))
		}
	}
	if minutes > 0 {
		if minutes == 1 {
			parts = append(parts, "1 minute")
		} else {
			parts = append(parts, fmt.Sprintf("%d minutes", minutes))
		}
	}
	if seconds > 0 || len(parts) == 0 {
		if seconds == 1 {
			parts = append(parts, "1 second")
		} else {
			parts = append(parts, fmt.Sprintf("%d seconds", seconds))
		}
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

func newNodeTable() table.Model {
	columns := []table.Column{
		{Title: "Node", Width: 12},
		{Title: "Stall", Width: 6},
		{Title: "Reserved", Width: 9},
		{Title: "Pending", Width: 8},
		{Title: "Queued", Width: 7},
		{Title: "TX/RX seq", Width: 10},
		{Title: "Affected", Width: 24},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithHeight(6),
		table.WithFocused(true),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	t.SetStyles(styles)
	return t
}

// nodeRows converts node snapshots into table rows
func nodeRows(nodes []bidib.NodeSnapshot) []table.Row {
	rows := make([]table.Row, 0, len(nodes))
	for _, n := range nodes {
		stall := ""
		if n.Stalled {
			stall = "STALL"
		}
		affected := make([]string, 0, len(n.StallAffected))
		for _, a := range n.StallAffected {
			affected = append(affected, a.String())
		}
		rows = append(rows, table.Row{
			n.Address.String(),
			stall,
			fmt.Sprintf("%d", n.ResponseBytes),
			fmt.Sprintf("%d", n.Pending),
			fmt.Sprintf("%d", n.Queued),
			fmt.Sprintf("%d/%d", n.SendSeq, n.ReceiveSeq),
			strings.Join(affected, " "),
		})
	}
	return rows
}

func initialModel(connInfo string, statsInterval int, showAll bool, source statsSource) model {
	return model{
		connInfo:      connInfo,
		statsInterval: statsInterval,
		showAll:       showAll,
		source:        source,
		nodes:         newNodeTable(),
		errorLog:      make([]busEvent, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.nodes, cmd = m.nodes.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.refresh()
		return m, tickCmd()

	case busEventMsg:
		if msg.isError || m.showAll {
			m.addLogEntry(busEvent(msg))
		}
	}

	return m, nil
}

// refresh pulls statistics and the node table from the transport
func (m *model) refresh() {
	if m.source == nil {
		return
	}
	m.stats = m.source.Statistics()
	snaps := m.source.Nodes().Snapshot()
	m.nodeCount = len(snaps)
	m.nodes.SetRows(nodeRows(snaps))
}

func (m *model) addLogEntry(e busEvent) {
	m.errorLog = append(m.errorLog, e)

	// Keep only last N entries
	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

func (m model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("BIDISTAT - BUS MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Mode: %s | Up: %s | Press 'q' to quit",
		m.connInfo, func() string {
			if m.showAll {
				return "All events"
			}
			return "Errors only"
		}(), formatUptime(uint64(m.stats.Duration.Milliseconds())))))
	s.WriteString("\n\n")

	// Statistics
	var validPercent float64
	if m.stats.TotalPackets > 0 {
		validPercent = float64(m.stats.ValidPackets) * 100.0 / float64(m.stats.TotalPackets)
	}
	totalErrors := m.stats.TotalErrors()

	statsContent := strings.Builder{}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Packets:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.TotalPackets)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%d (%.1f%%)", m.stats.ValidPackets, validPercent)),
		statsLabelStyle.Render("Errors:"), func() string {
			if totalErrors > 0 {
				return errorStyle.Render(fmt.Sprintf("%d", totalErrors))
			}
			return statsValueStyle.Render("0")
		}(),
	))

	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Messages in:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.MessagesIn)),
		statsLabelStyle.Render("out:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.MessagesOut)),
		statsLabelStyle.Render("Deferred:"), warningStyle.Render(fmt.Sprintf("%d", m.stats.Deferred)),
	))

	if totalErrors > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s   %s %s\n",
			statsLabelStyle.Render("CRC:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.CRCErrors)),
			statsLabelStyle.Render("Decode:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.DecodeErrors)),
			statsLabelStyle.Render("Sequence:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.SequenceErrors)),
			statsLabelStyle.Render("Timeouts:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.ResponseTimeouts)),
		))
	}

	if m.stats.ValidationErrors > 0 || m.stats.QueueDrops > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			statsLabelStyle.Render("Anomalous:"), warningStyle.Render(fmt.Sprintf("%d", m.stats.ValidationErrors)),
			statsLabelStyle.Render("Queue drops:"), warningStyle.Render(fmt.Sprintf("%d", m.stats.QueueDrops)),
		))
	}

	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s",
		statsLabelStyle.Render("Packet Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f pkts/s", m.stats.PacketRate)),
		statsLabelStyle.Render("Error Rate:"), func() string {
			if m.stats.ErrorRate > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f err/s", m.stats.ErrorRate))
			}
			return statsValueStyle.Render(fmt.Sprintf("%.1f err/s", m.stats.ErrorRate))
		}(),
	))

	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	// Node table
	s.WriteString(statsLabelStyle.Render(fmt.Sprintf("Nodes (%d):", m.nodeCount)))
	s.WriteString("\n")
	s.WriteString(boxStyle.Render(m.nodes.View()))
	s.WriteString("\n\n")

	// Event log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	// Calculate how many log entries we can show
	logHeight := m.height - 24 // Reserve space for header, stats and nodes
	if logHeight < 5 {
		logHeight = 5
	}

	logContent := strings.Builder{}
	startIdx := len(m.errorLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.errorLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.errorLog); i++ {
			entry := m.errorLog[i]
			timestamp := entry.timestamp.Format("01/02/06 15:04:05.000")
			text := entry.addr.String() + " " + entry.message
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+text),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+text),
				))
			}
		}
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}
