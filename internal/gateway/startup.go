package gateway

import (
	"fmt"
	"os"
	"strings"

	"github.com/giantswarm/mcp-gateway/internal/upstream"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// startupErrMaxLen bounds how much of a connect failure's error string
// reaches the summary table's STATUS column.
const startupErrMaxLen = 60

// PrintStartupSummary renders a table of every configured upstream's
// connect outcome, grounded on the teacher's internal/formatting
// TableFormatter conventions (rounded-style table, FgHiCyan headers, a
// colored totals line). Used by `serve --debug` (SPEC_FULL.md's
// supplemented "startup summary logging" feature).
func PrintStartupSummary(results []upstream.ConnectResult) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		text.FgHiCyan.Sprint("UPSTREAM"),
		text.FgHiCyan.Sprint("TRANSPORT"),
		text.FgHiCyan.Sprint("STATUS"),
		text.FgHiCyan.Sprint("TOOLS"),
		text.FgHiCyan.Sprint("RESOURCES"),
		text.FgHiCyan.Sprint("PROMPTS"),
	})

	connected := 0
	for _, r := range results {
		if r.Upstream != nil {
			connected++
			t.AppendRow(table.Row{
				text.FgHiCyan.Sprint(r.Name),
				string(r.Upstream.Transport),
				text.FgGreen.Sprint("connected"),
				len(r.Upstream.Catalog().Tools),
				len(r.Upstream.Catalog().Resources),
				len(r.Upstream.Catalog().Prompts),
			})
			continue
		}
		t.AppendRow(table.Row{
			text.FgHiCyan.Sprint(r.Name),
			"-",
			text.FgRed.Sprint("failed: " + trimErr(r.Err)),
			"-", "-", "-",
		})
	}
	t.Render()

	fmt.Printf("%s %d/%d upstreams connected\n",
		text.FgHiBlue.Sprint("Total:"), connected, len(results))
}

// trimErr collapses a connect failure onto a single line short enough for
// the table's STATUS column.
func trimErr(err error) string {
	if err == nil {
		return "unknown error"
	}
	msg := strings.Join(strings.Fields(err.Error()), " ")
	runes := []rune(msg)
	if len(runes) > startupErrMaxLen {
		return string(runes[:startupErrMaxLen-3]) + "..."
	}
	return msg
}
