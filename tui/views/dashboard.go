package views

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"tui/db"
	"tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type dashboardDataMsg struct {
	runs   []db.ScrapeRun
	totals db.Totals
	health *db.Health
}

type logTailMsg struct {
	lines   []string
	modTime time.Time
}

type Dashboard struct {
	db            *db.Client
	width, height int
	runs          []db.ScrapeRun
	totals        db.Totals
	health        *db.Health
	statusPath    string
	logLines      []string
	logPath       string
	logScroll     int // 0 = newest
	logViewport   int
	logBuffer     int
	logModTime    time.Time
}

func NewDashboard(dbClient *db.Client, statusPath, logPath string) Dashboard {
	if logPath == "" {
		logPath = "daemon.log"
	}
	return Dashboard{
		db:          dbClient,
		statusPath:  statusPath,
		logPath:     logPath,
		logViewport: 20,
		logBuffer:   200,
	}
}

func (d Dashboard) Init() tea.Cmd {
	return tea.Batch(d.Refresh(), d.RefreshLog())
}

func (d Dashboard) Refresh() tea.Cmd {
	return func() tea.Msg {
		runs, _ := d.db.GetRecentRuns(10)
		totals, _ := d.db.GetTotals()
		health, _ := db.ReadHealth(d.statusPath)
		return dashboardDataMsg{runs, totals, health}
	}
}

func (d Dashboard) RefreshLog() tea.Cmd {
	return func() tea.Msg {
		lines, modTime := readLastLines(d.logPath, d.logBuffer)
		return logTailMsg{lines, modTime}
	}
}

func readLastLines(path string, n int) ([]string, time.Time) {
	info, err := os.Stat(path)
	if err != nil {
		return []string{"(no log file)"}, time.Time{}
	}

	f, err := os.Open(path)
	if err != nil {
		return []string{"(no log file)"}, time.Time{}
	}
	defer f.Close()

	var all []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		all = append(all, scanner.Text())
	}
	if len(all) == 0 {
		return []string{"(empty log)"}, info.ModTime()
	}

	start := len(all) - n
	if start < 0 {
		start = 0
	}
	return all[start:], info.ModTime()
}

func (d Dashboard) SetSize(w, h int) Dashboard {
	d.width = w
	d.height = h
	return d
}

func (d Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case dashboardDataMsg:
		d.runs = msg.runs
		d.totals = msg.totals
		d.health = msg.health
	case logTailMsg:
		d.logLines = msg.lines
		d.logModTime = msg.modTime
	case tea.KeyMsg:
		maxScroll := len(d.logLines) - d.logViewport
		if maxScroll < 0 {
			maxScroll = 0
		}
		switch msg.String() {
		case "up", "k":
			d.logScroll = min(d.logScroll+1, maxScroll)
		case "down", "j":
			d.logScroll = max(d.logScroll-1, 0)
		case "pgup":
			d.logScroll = min(d.logScroll+10, maxScroll)
		case "pgdown":
			d.logScroll = max(d.logScroll-10, 0)
		case "home":
			d.logScroll = maxScroll
		case "end":
			d.logScroll = 0
		}
	}
	return d, nil
}

func (d Dashboard) View() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		styles.Title.Render("Dashboard"),
		lipgloss.JoinHorizontal(lipgloss.Top, d.renderHealthCard(), d.renderStatCards()),
		"",
		styles.Title.Render("Recent Runs"),
		d.renderRunsTable(),
		"",
		d.renderLogTail(),
	)
}

func (d Dashboard) renderHealthCard() string {
	if d.health == nil {
		return styles.HealthCardBorder.Width(30).Render(
			lipgloss.JoinVertical(lipgloss.Left,
				styles.StatValue.Render("health"),
				styles.Muted.Render("(no status file)")))
	}
	h := d.health

	lastRun := "never"
	if h.LastRun != nil {
		lastRun = relativeTime(*h.LastRun)
	}
	lines := []string{
		stateStyle(h.State).Render("● " + strings.ToUpper(h.State)),
		styles.StatLabel.Render(fmt.Sprintf("Last run: %s", lastRun)),
		styles.StatLabel.Render(fmt.Sprintf("Fail streak: %d", h.ConsecutiveFailures)),
		styles.StatLabel.Render(fmt.Sprintf("Error rate: %.0f%%", h.ErrorRate*100)),
		styles.StatLabel.Render(fmt.Sprintf("Avg: %.1f new / %s", h.Stats.AvgNewPerRun, h.Stats.AvgDuration.Round(time.Second))),
	}
	if h.LastError != "" {
		lines = append(lines, styles.StatusError.Render(truncate(h.LastError, 28)))
	}
	return styles.HealthCardBorder.Width(30).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func stateStyle(state string) lipgloss.Style {
	switch state {
	case "healthy":
		return styles.StatusSuccess
	case "degraded", "starting":
		return styles.StatusPending
	case "critical", "stopped":
		return styles.StatusError
	}
	return styles.Muted
}

func (d Dashboard) renderStatCards() string {
	cards := []string{
		renderStatCard("Runs", fmt.Sprintf("%d", d.totals.Runs)),
		renderStatCard("Failed", fmt.Sprintf("%d", d.totals.Failed)),
		renderStatCard("New", fmt.Sprintf("%d", d.totals.NewRecords)),
		renderStatCard("Dupes", fmt.Sprintf("%d", d.totals.Duplicates)),
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, cards...)
}

func renderStatCard(label, value string) string {
	content := lipgloss.JoinVertical(lipgloss.Center,
		styles.StatValue.Render(value),
		styles.StatLabel.Render(label),
	)
	return styles.CardBorder.Width(14).Render(content)
}

func (d Dashboard) renderRunsTable() string {
	if len(d.runs) == 0 {
		return styles.Muted.Render("No runs yet")
	}

	header := fmt.Sprintf("%-10s %-10s %-9s %6s %6s %6s %6s  %s",
		"Run", "Status", "Started", "Items", "Fail", "New", "Dupes", "Error")
	rows := styles.TableHeader.Render(header) + "\n"

	for _, r := range d.runs {
		statusStyle := styles.StatusPending
		switch r.Status {
		case "completed":
			statusStyle = styles.StatusSuccess
		case "failed":
			statusStyle = styles.StatusError
		}
		row := fmt.Sprintf("%-10s %s %-9s %6d %6d %6d %6d  %s",
			truncate(r.RunID, 10),
			statusStyle.Render(fmt.Sprintf("%-10s", r.Status)),
			r.StartedAt.Local().Format("15:04:05"),
			r.ItemsSeen,
			r.ItemFailures,
			r.ListingsNew,
			r.Duplicates,
			truncate(r.Error, max(d.width-70, 10)),
		)
		rows += row + "\n"
	}
	return rows
}

func (d Dashboard) renderLogTail() string {
	width := max(d.width-4, 20)
	if len(d.logLines) == 0 {
		return styles.LogBox.Width(width).Render(styles.Muted.Render("(waiting for logs...)"))
	}

	total := len(d.logLines)
	endIdx := total - d.logScroll
	startIdx := max(endIdx-d.logViewport, 0)

	var lines []string
	for _, line := range d.logLines[startIdx:endIdx] {
		lines = append(lines, styleLogLine(line, width-4))
	}

	// a log untouched for a while usually means the daemon is down
	indicator := styles.StatusSuccess.Render(" ● LIVE ")
	if d.logScroll > 0 {
		indicator = styles.StatusPending.Render(fmt.Sprintf(" ↑%d ", d.logScroll))
	} else if !d.logModTime.IsZero() && time.Since(d.logModTime) > 15*time.Minute {
		indicator = styles.StatusError.Render(" ● STALE ")
	}

	header := styles.Title.Render("Daemon Log") + indicator +
		styles.Muted.Render(fmt.Sprintf("[%d-%d/%d]", startIdx+1, endIdx, total))
	return styles.LogBox.Width(width).Render(header + "\n" + strings.Join(lines, "\n"))
}

type logEntry struct {
	TS    string `json:"ts"`
	Level string `json:"level"`
	Msg   string `json:"msg"`
	RunID string `json:"run_id"`
	Error string `json:"error"`
}

// styleLogLine renders one JSON log line from the daemon. Lines that are
// not JSON are shown as-is.
func styleLogLine(line string, maxWidth int) string {
	var e logEntry
	if err := json.Unmarshal([]byte(line), &e); err != nil || e.Msg == "" {
		return truncate(line, maxWidth)
	}

	ts := e.TS
	if t, err := time.Parse("2006-01-02T15:04:05.000Z0700", e.TS); err == nil {
		ts = t.Local().Format("15:04:05")
	}
	text := e.Msg
	if e.RunID != "" {
		text += " run=" + truncate(e.RunID, 8)
	}
	if e.Error != "" {
		text += " err=" + e.Error
	}
	text = truncate(text, maxWidth-16)

	level := fmt.Sprintf("%-5s", strings.ToUpper(e.Level))
	return styles.LogTimestamp.Render(ts) + " " + levelStyle(e.Level).Render(level) + " " + text
}

func levelStyle(level string) lipgloss.Style {
	switch strings.ToLower(level) {
	case "debug":
		return styles.Muted
	case "info":
		return styles.LogInfo
	case "warn":
		return styles.StatusPending
	case "error", "dpanic", "panic", "fatal":
		return styles.StatusError
	}
	return lipgloss.NewStyle()
}

func relativeTime(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 1 {
		return "…"
	}
	return string(r[:max-1]) + "…"
}
