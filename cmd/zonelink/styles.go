package main

import (
	"fmt"
	"strings"
	"time"

	"zonelink/pkg/config"
	"zonelink/pkg/replication"
	"zonelink/pkg/utils"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6")
	secondaryColor = lipgloss.Color("#8BE9FD")
	accentColor    = lipgloss.Color("#50FA7B")
	warningColor   = lipgloss.Color("#FFB86C")
	dangerColor    = lipgloss.Color("#FF5555")
	mutedColor     = lipgloss.Color("#6272A4")
	bgLightColor   = lipgloss.Color("#44475A")
	fgColor        = lipgloss.Color("#F8F8F2")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(fgColor)
)

func createPanel(title, content string) string {
	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), content))
}

func newTable() *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle
		})
}

func statusText(ok bool, good, bad string) string {
	if ok {
		return lipgloss.NewStyle().Foreground(accentColor).Render(good)
	}
	return lipgloss.NewStyle().Foreground(dangerColor).Render(bad)
}

// renderPeers lists the configured peer zones and their endpoints
func renderPeers(cfg *config.Config) string {
	if len(cfg.Peers) == 0 {
		return createPanel("PEER ZONES", mutedStyle.Render("no peers configured"))
	}

	t := newTable()
	t.Headers("ZONE", "ENDPOINTS", "TRANSPORTS", "STATUS")
	for _, p := range cfg.Peers {
		endpoints := mutedStyle.Render("none")
		if len(p.Endpoints) > 0 {
			endpoints = strings.Join(p.Endpoints, "\n")
		}
		t.Row(p.Zone, endpoints, strings.Join(schemes(p.Endpoints), ", "),
			statusText(len(p.Endpoints) > 0, "READY", "NO ENDPOINTS"))
	}

	header := fmt.Sprintf("local zone %s", lipgloss.NewStyle().Bold(true).Foreground(fgColor).Render(cfg.Zone))
	return createPanel("PEER ZONES", lipgloss.JoinVertical(lipgloss.Left, header, t.Render()))
}

func schemes(endpoints []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, ep := range endpoints {
		scheme, _, ok := strings.Cut(ep, "://")
		if !ok || seen[scheme] {
			continue
		}
		seen[scheme] = true
		out = append(out, scheme)
	}
	return out
}

// renderResults summarizes a replication batch
func renderResults(title string, results []replication.Result) string {
	t := newTable()
	t.Headers("OBJECT", "SIZE", "ATTEMPTS", "DURATION", "RESULT")

	var failed int
	var total int64
	for _, res := range results {
		result := statusText(true, "OK", "")
		if res.Err != nil {
			failed++
			result = statusText(false, "", res.Err.Error())
		} else {
			total += res.Size
		}
		t.Row(res.Object.String(), utils.FormatSize(res.Size), fmt.Sprintf("%d", res.Attempts),
			res.Duration.Round(time.Millisecond).String(), result)
	}

	summaryColor := accentColor
	if failed > 0 {
		summaryColor = warningColor
	}
	summary := lipgloss.NewStyle().Foreground(summaryColor).Render(
		fmt.Sprintf("%d/%d objects, %s transferred", len(results)-failed, len(results), utils.FormatSize(total)))
	return createPanel(title, lipgloss.JoinVertical(lipgloss.Left, t.Render(), summary))
}
