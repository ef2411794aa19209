package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/labforge/labforge/internal/endpoint"
	"github.com/labforge/labforge/internal/lab"
	"github.com/labforge/labforge/internal/watchdog"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// mark is how one outcome is drawn in reports.
type mark struct {
	icon  string
	color string
}

var marks = map[string]mark{
	"pass":    {icon: "✓", color: "42"},
	"warn":    {icon: "!", color: "214"},
	"fail":    {icon: "✗", color: "203"},
	"unknown": {icon: "?", color: "250"},
}

// palette paints report text. A disabled palette returns text untouched, so
// plain output never depends on the detected terminal profile.
type palette struct {
	enabled  bool
	renderer *lipgloss.Renderer
}

func newPalette(color bool) palette {
	r := lipgloss.NewRenderer(io.Discard)
	r.SetColorProfile(termenv.ANSI256)
	return palette{enabled: color, renderer: r}
}

func (p palette) paint(text, fg string, bold bool) string {
	if !p.enabled || text == "" {
		return text
	}
	return p.renderer.NewStyle().Foreground(lipgloss.Color(fg)).Bold(bold).Render(text)
}

func (p palette) title(text string) string { return p.paint(text, "81", true) }

func (p palette) muted(text string) string { return p.paint(text, "246", false) }

func (p palette) outcome(status, text string) string {
	m := marks[status]
	return p.paint(text, m.color, true)
}

type startupHeader struct {
	Title  string
	Fields []startupField
}

type startupField struct {
	Key   string
	Value string
}

func renderStartupHeader(h startupHeader, color bool) string {
	p := newPalette(color)
	title := strings.TrimSpace(h.Title)
	if title == "" {
		title = "labforge"
	}

	var out strings.Builder
	fmt.Fprintf(&out, "\n%s %s\n", p.paint("🧪", "220", true), p.title(title))
	for _, field := range h.Fields {
		key, value := strings.TrimSpace(field.Key), strings.TrimSpace(field.Value)
		if key == "" || value == "" {
			continue
		}
		fmt.Fprintf(&out, "   %s\n", p.paint(key+": "+value, "252", false))
	}
	out.WriteByte('\n')
	return out.String()
}

func writeStartupHeader(w io.Writer, h startupHeader, color bool) error {
	if w == nil {
		return nil
	}
	_, err := io.WriteString(w, renderStartupHeader(h, color))
	return err
}

// labView is the JSON shape of a lab. Owner ids are included because the
// operator asked for them; logs never carry them.
type labView struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id"`
	Status          lab.Status `json:"status"`
	Runtime         string     `json:"runtime"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	ResourceRef     string     `json:"resource_ref,omitempty"`
	NetworkLeaseRef string     `json:"network_lease_ref,omitempty"`
	StopReason      string     `json:"stop_reason,omitempty"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	DestroyAttempts int        `json:"destroy_attempts,omitempty"`
	Parked          bool       `json:"parked,omitempty"`
}

func newLabView(l lab.Lab) labView {
	return labView{
		ID:              l.ID,
		OwnerID:         l.OwnerID,
		Status:          l.Status,
		Runtime:         string(l.RuntimeKind),
		CreatedAt:       l.CreatedAt,
		UpdatedAt:       l.UpdatedAt,
		StartedAt:       l.StartedAt,
		EndedAt:         l.EndedAt,
		ExpiresAt:       l.ExpiresAt,
		ResourceRef:     l.ResourceRef,
		NetworkLeaseRef: l.NetworkLeaseRef,
		StopReason:      l.StopReason,
		FailureReason:   l.FailureReason,
		LastError:       l.LastError,
		DestroyAttempts: l.DestroyAttempts,
		Parked:          l.Parked,
	}
}

func renderLab(l lab.Lab) string {
	var out strings.Builder
	fields := []startupField{
		{Key: "id", Value: l.ID},
		{Key: "owner", Value: l.OwnerID},
		{Key: "status", Value: string(l.Status)},
		{Key: "runtime", Value: string(l.RuntimeKind)},
		{Key: "created", Value: l.CreatedAt.Format(time.RFC3339)},
		{Key: "updated", Value: l.UpdatedAt.Format(time.RFC3339)},
		{Key: "expires", Value: formatTime(l.ExpiresAt)},
		{Key: "ended", Value: formatTime(l.EndedAt)},
		{Key: "resource", Value: l.ResourceRef},
		{Key: "lease", Value: l.NetworkLeaseRef},
		{Key: "stop reason", Value: l.StopReason},
		{Key: "failure", Value: l.FailureReason},
		{Key: "last error", Value: l.LastError},
	}
	if l.Parked {
		fields = append(fields, startupField{Key: "parked", Value: "yes"})
	}
	for _, f := range fields {
		if strings.TrimSpace(f.Value) == "" {
			continue
		}
		fmt.Fprintf(&out, "%s: %s\n", f.Key, f.Value)
	}
	return out.String()
}

func renderLabTable(labs []lab.Lab, now time.Time) string {
	if len(labs) == 0 {
		return "no labs\n"
	}
	var out strings.Builder
	tw := tabwriter.NewWriter(&out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tRUNTIME\tIN STATUS\tRESOURCE")
	for _, l := range labs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			l.ID, l.Status, l.RuntimeKind, l.Age(now).Truncate(time.Second), dashIfEmpty(l.ResourceRef))
	}
	_ = tw.Flush()
	return out.String()
}

func renderDoctorReport(checks []doctorCheck, color bool) string {
	p := newPalette(color)
	counts := map[string]int{}

	var out strings.Builder
	fmt.Fprintln(&out, p.title("doctor report"))
	for _, check := range checks {
		status := normalizeDoctorStatus(check.Status)
		counts[status]++
		block := p.outcome(status, fmt.Sprintf("%s [%s]", marks[status].icon, status))
		fmt.Fprintf(&out, "%s %s: %s\n", block,
			orDefault(check.Name, "unnamed_check"), orDefault(check.Message, "(no message)"))
	}
	fmt.Fprintln(&out, p.muted(fmt.Sprintf("summary: %d pass, %d warn, %d fail",
		counts["pass"], counts["warn"], counts["fail"])))
	return out.String()
}

func renderWatchdogReport(r watchdog.Report, color bool) string {
	p := newPalette(color)
	title := "watchdog report"
	if r.DryRun {
		title += " (dry run)"
	}

	var out strings.Builder
	fmt.Fprintln(&out, p.title(title))
	line := func(status string, ids []string) {
		for _, id := range ids {
			fmt.Fprintf(&out, "%s %s\n", p.outcome(status, marks[status].icon), id)
		}
	}
	if r.DryRun {
		line("unknown", r.Candidates)
	} else {
		line("pass", r.Finished)
		line("fail", r.Failed)
		line("warn", r.Skipped)
	}
	fmt.Fprintln(&out, p.muted(fmt.Sprintf("summary: %d candidates, %d finished, %d failed, %d skipped",
		len(r.Candidates), len(r.Finished), len(r.Failed), len(r.Skipped))))
	return out.String()
}

func normalizeDoctorStatus(raw string) string {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "pass", "ok", "success":
		return "pass"
	case "warn", "warning":
		return "warn"
	case "fail", "failed", "error":
		return "fail"
	}
	return "unknown"
}

func isTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

func shouldShowStartupHeader(stderr *os.File) bool {
	return isTerminal(stderr)
}

// shouldUseANSI honours NO_COLOR and CLICOLOR=0 first, then CLICOLOR_FORCE,
// then falls back to whether f is a terminal.
func shouldUseANSI(f *os.File) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok || strings.TrimSpace(os.Getenv("CLICOLOR")) == "0" {
		return false
	}
	if force := strings.TrimSpace(os.Getenv("CLICOLOR_FORCE")); force != "" {
		n, err := strconv.Atoi(force)
		return err != nil || n != 0
	}
	return isTerminal(f)
}

var logLevelColors = map[log.Level]string{
	log.DebugLevel: "45",
	log.InfoLevel:  "48",
	log.WarnLevel:  "214",
	log.ErrorLevel: "203",
}

func applyPolishedLoggerStyles(logger *log.Logger, color bool) {
	if logger == nil || !color {
		return
	}
	styles := log.DefaultStyles()
	styles.Message = styles.Message.Foreground(lipgloss.Color("252"))
	styles.Key = styles.Key.Bold(true).Foreground(lipgloss.Color("75"))
	styles.Value = styles.Value.Foreground(lipgloss.Color("255"))
	styles.Separator = styles.Separator.Foreground(lipgloss.Color("240"))
	for level, fg := range logLevelColors {
		styles.Levels[level] = styles.Levels[level].Bold(true).Foreground(lipgloss.Color(fg))
	}
	logger.SetStyles(styles)
}

func endpointDisplay(ep endpoint.Endpoint) string {
	if ep.Scheme == "unix" {
		return "unix://" + ep.Address
	}
	return orDefault(ep.BaseURL, ep.Address)
}

func effectiveLogLevel(rawLevel string) string {
	return orDefault(strings.ToLower(rawLevel), "info")
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func dashIfEmpty(s string) string {
	return orDefault(s, "-")
}

func orDefault(s, fallback string) string {
	if s = strings.TrimSpace(s); s == "" {
		return fallback
	}
	return s
}
