package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"rural-triage/server/internal/agents"
	"rural-triage/server/internal/branch"
	"rural-triage/server/internal/model"
)

const (
	emergencyMessage = "⚠️ This case requires immediate medical attention. Please escalate without delay."
	completeMessage  = "✅ Case processing complete. See agent cards above."
)

var (
	bannerLow = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("28")).
			Padding(0, 1)

	bannerMedium = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("16")).
			Background(lipgloss.Color("220")).
			Padding(0, 1)

	emergencyBox = lipgloss.NewStyle().
			BorderStyle(lipgloss.ThickBorder()).
			BorderForeground(lipgloss.Color("196")).
			Padding(0, 1)

	emergencyTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))

	cardStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	promptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	statusDone    = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusIdle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	noticeInfo    = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	noticeWarning = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	noticeError   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

func styleForStatus(s agents.Status) lipgloss.Style {
	switch s {
	case agents.StatusRunning:
		return statusRunning
	case agents.StatusDone:
		return statusDone
	case agents.StatusFailed:
		return statusFailed
	default:
		return statusIdle
	}
}

func styleForNotice(level model.NoticeLevel) lipgloss.Style {
	switch level {
	case model.NoticeError:
		return noticeError
	case model.NoticeWarning:
		return noticeWarning
	default:
		return noticeInfo
	}
}

// renderProgress is the one-line view of an agent change while the channel is open.
func renderProgress(a agents.Agent) string {
	return fmt.Sprintf("%s %s", styleForStatus(a.Status).Render("["+string(a.Status)+"]"), a.Title)
}

// renderBoard draws the visible agent cards. A suppressed board draws nothing.
func renderBoard(snap agents.Snapshot) string {
	if snap.Suppressed {
		return ""
	}
	var cards []string
	for _, a := range snap.Agents {
		if !a.Visible {
			continue
		}
		head := headerStyle.Render(a.Title) + " " + styleForStatus(a.Status).Render(string(a.Status))
		if a.Subtitle != "" {
			head += "\n" + helpStyle.Render(a.Subtitle)
		}
		body := strings.TrimSpace(a.Output)
		if body != "" {
			head += "\n\n" + body
		}
		cards = append(cards, cardStyle.Render(head))
	}
	return lipgloss.JoinVertical(lipgloss.Left, cards...)
}

// renderDecision draws the presentation for a finalized case.
func renderDecision(d *branch.Decision, board agents.Snapshot) string {
	if d == nil {
		return ""
	}
	switch d.Mode {
	case model.ModeEmergency:
		body := emergencyTitle.Render("🚨 "+d.Banner) + "\n\n"
		if s := d.Summary.Render(); s != "" {
			body += s + "\n\n"
		}
		body += emergencyTitle.Render(emergencyMessage)
		return emergencyBox.Render(body)

	case model.ModeSpecialistPanel:
		parts := []string{bannerMedium.Render(d.Banner)}
		if len(d.Specialists) > 0 {
			parts = append(parts, headerStyle.Render("Specialists")+"\n"+bulletList(d.Specialists))
		}
		parts = append(parts, renderBoard(board), completeMessage)
		return lipgloss.JoinVertical(lipgloss.Left, parts...)

	default:
		return lipgloss.JoinVertical(lipgloss.Left, bannerLow.Render(d.Banner), renderBoard(board), completeMessage)
	}
}

func renderNotice(n *model.Notice) string {
	if n == nil {
		return ""
	}
	return styleForNotice(n.Level).Render(n.Message)
}

func renderPrompt(q string) string {
	return promptStyle.Render("❓ " + q)
}

func bulletList(items []string) string {
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = "• " + it
	}
	return strings.Join(lines, "\n")
}
