// Package report renders the queue stats dump for the terminal.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/gravixrdp/yt-automation/internal/models"
	"github.com/gravixrdp/yt-automation/internal/quota"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

const maxErrorWidth = 60

// Input is everything the stats dump shows
type Input struct {
	Stats    *models.QueueStats
	Jobs     []*models.UploadJob // recent jobs, optional
	Pools    []quota.PoolStatus  // optional
	Location *time.Location      // display timezone, UTC when nil
}

// Render returns the stats dump as styled panels
func Render(in Input) string {
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}

	header := titleStyle.Render("Upload queue") + "  " +
		mutedStyle.Render("generated "+in.Stats.GeneratedAt.In(loc).Format("2006-01-02 15:04 MST"))

	blocks := []string{header, panelStyle.Render(queuePanel(in.Stats))}
	if len(in.Pools) > 0 {
		blocks = append(blocks, panelStyle.Render(quotaPanel(in.Pools)))
	}
	if len(in.Jobs) > 0 {
		blocks = append(blocks, panelStyle.Render(jobsPanel(in.Jobs, loc)))
	}
	if len(in.Stats.Cleanup) > 0 {
		blocks = append(blocks, panelStyle.Render(cleanupPanel(in.Stats.Cleanup, loc)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, blocks...)
}

func queuePanel(s *models.QueueStats) string {
	lines := []string{titleStyle.Render("Jobs")}
	for _, st := range models.AllJobStatuses {
		lines = append(lines, kv(string(st), statusStyle(st).Render(fmt.Sprint(s.Count(st)))))
	}
	lines = append(lines, kv("TOTAL", fmt.Sprint(s.Total)), "")
	lines = append(lines, titleStyle.Render("Uploaded today")+" "+fmt.Sprint(s.UploadedToday))

	dests := make([]string, 0, len(s.PerDestToday))
	for d := range s.PerDestToday {
		dests = append(dests, d)
	}
	sort.Strings(dests)
	for _, d := range dests {
		lines = append(lines, "  "+kv(d, fmt.Sprint(s.PerDestToday[d])))
	}
	return strings.Join(lines, "\n")
}

func quotaPanel(pools []quota.PoolStatus) string {
	lines := []string{titleStyle.Render("Quota pools")}
	for _, p := range pools {
		style := okStyle
		if p.Remaining <= 0 {
			style = errorStyle
		}
		lines = append(lines, kv(p.Pool, fmt.Sprintf("%d/%d used, %s left", p.Used, p.Budget, style.Render(fmt.Sprint(p.Remaining)))))
	}
	return strings.Join(lines, "\n")
}

func jobsPanel(jobs []*models.UploadJob, loc *time.Location) string {
	lines := []string{titleStyle.Render("Recent jobs")}
	for _, j := range jobs {
		line := fmt.Sprintf("#%d %s/%d -> %s %s retries=%d",
			j.ID, j.SourceCollection, j.SourcePosition, orDash(j.DestinationID),
			statusStyle(j.Status).Render(string(j.Status)), j.RetryCount)
		if j.NextAttemptAfter != nil && j.Status == models.StatusQueued {
			line += mutedStyle.Render(" next " + j.NextAttemptAfter.In(loc).Format("01-02 15:04"))
		}
		if j.LastError != "" {
			line += " " + errorStyle.Render(truncateRunes(j.LastError, maxErrorWidth))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func cleanupPanel(jobs []*models.DestinationCleanupJob, loc *time.Location) string {
	lines := []string{titleStyle.Render("Destination cleanup")}
	for _, j := range jobs {
		line := fmt.Sprintf("%s %s attempt=%d rows=%d mappings=%d canceled=%d",
			j.DestinationID, statusStyle(j.Status).Render(string(j.Status)), j.AttemptCount,
			j.RowsClearedTotal, j.MappingsDisabledTotal, j.QueueCanceledTotal)
		if j.NextAttemptAfter != nil && j.Status == models.StatusQueued {
			line += mutedStyle.Render(" next " + j.NextAttemptAfter.In(loc).Format("01-02 15:04"))
		}
		if j.LastError != "" {
			line += " " + errorStyle.Render(truncateRunes(j.LastError, maxErrorWidth))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func statusStyle(s models.JobStatus) lipgloss.Style {
	switch s {
	case models.StatusCompleted:
		return okStyle
	case models.StatusFailed:
		return errorStyle
	default:
		return lipgloss.NewStyle()
	}
}

func kv(k, v string) string {
	return fmt.Sprintf("%-12s %s", k+":", v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
