// Package ui renders terminal output for the intel CLI.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/compintel/profilesync/internal/cache"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func init() {
	if _, ok := os.LookupEnv("NO_COLOR"); ok || !IsTerminal(os.Stdout) {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// RenderAccent renders s in the accent color.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass renders s as a success marker.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders s as a warning marker.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders s as an error marker.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderMuted renders s dimmed.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RecordTable renders records as a table with one row per company.
func RecordTable(records []cache.Record) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers("ID", "NAME", "PRODUCTS", "CLIENTS", "UPDATED").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	for _, r := range records {
		name := r.Name()
		if r.IsSupplemental {
			name += " *"
		}
		t.Row(r.ID, name, fmt.Sprint(len(r.Products)), optionalSummary(r.Clients()), r.LastUpdatedDisplay)
	}
	return t.Render()
}

// PrintRecord writes the full profile of one company.
func PrintRecord(w io.Writer, r cache.Record) {
	fmt.Fprintf(w, "\n%s %s\n", RenderAccent(r.Name()), RenderMuted("("+r.ID+")"))
	if r.IsSupplemental {
		fmt.Fprintf(w, "   %s\n", RenderWarn("supplemental"))
	}
	fmt.Fprintf(w, "   Updated: %s\n", r.LastUpdatedDisplay)

	if about := r.Text("about"); about != "" {
		fmt.Fprintf(w, "\n%s\n", about)
	}

	if len(r.Products) > 0 {
		fmt.Fprintf(w, "\n%s\n", headerStyle.Render("Products"))
		for _, p := range r.Products {
			title := p.Title
			if title == "" {
				title = p.Name
			}
			fmt.Fprintf(w, "   • %s", title)
			if p.URL != "" {
				fmt.Fprintf(w, " %s", RenderMuted(p.URL))
			}
			fmt.Fprintln(w)
			if len(p.Features) > 0 {
				fmt.Fprintf(w, "     Features: %s\n", strings.Join(p.Features, ", "))
			}
			if len(p.UseCases) > 0 {
				fmt.Fprintf(w, "     Use cases: %s\n", strings.Join(p.UseCases, ", "))
			}
		}
	}

	sections := []struct {
		title string
		value cache.Optional
	}{
		{"Clients", r.Clients()},
		{"Blogs", r.Blogs()},
		{"LinkedIn posts", r.LinkedInPosts()},
		{"LinkedIn jobs", r.LinkedInJobs()},
	}
	for _, s := range sections {
		fmt.Fprintf(w, "\n%s %s\n", headerStyle.Render(s.title), RenderMuted(optionalSummary(s.value)))
		for _, item := range s.value.Items {
			fmt.Fprintf(w, "   • %s\n", itemText(item))
		}
	}
	fmt.Fprintln(w)
}

func optionalSummary(o cache.Optional) string {
	switch o.Kind {
	case cache.List:
		return fmt.Sprint(o.Len())
	case cache.Placeholder:
		return o.Text
	default:
		return "-"
	}
}

// itemText picks a readable label for a list item. Structured items show
// their title, name or url, in that order.
func itemText(item any) string {
	m, ok := item.(map[string]any)
	if !ok {
		return fmt.Sprint(item)
	}
	for _, key := range []string{"title", "name", "url"} {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return fmt.Sprint(item)
}
