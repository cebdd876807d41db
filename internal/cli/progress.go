package cli

import (
	"fmt"
	"os"
	"strings"
)

// ─── Progress bar ───────────────────────────────────────────────────────────
// Renders the status/percentage callback used by ingest and load:
// [====>.........] 42% | computing-kv

const barWidth = 30

type progressBar struct{}

func newProgressBar() *progressBar {
	return &progressBar{}
}

// callback is compatible with Manager.Ingest/Workspace.OpenOrBuild's
// progress signature. pct arrives as a 0..1 fraction, the scale every
// producer reports, and is shown as a percentage.
func (p *progressBar) callback(status string, pct float64) {
	pct *= 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	filled := int(pct / 100 * float64(barWidth))
	if filled > barWidth {
		filled = barWidth
	}
	empty := barWidth - filled

	var bar string
	switch {
	case filled == barWidth:
		bar = strings.Repeat("=", filled)
	case filled > 0:
		bar = strings.Repeat("=", filled-1) + ">" + strings.Repeat(".", empty)
	default:
		bar = strings.Repeat(".", barWidth)
	}

	clearLine()
	fmt.Fprintf(os.Stderr, "  [%s] %3.0f%% | %s", bar, pct, status)
}

func clearLine() {
	fmt.Fprintf(os.Stderr, "\r\033[K")
}
