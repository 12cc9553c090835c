// Package report accumulates the outcome of one run into a deliverable report.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/dokzlo13/osmwatch/internal/diff"
	"github.com/dokzlo13/osmwatch/internal/element"
)

// Attribution is appended to every report body.
const Attribution = "Data © OpenStreetMap contributors, available under the Open Database License (ODbL).\nhttps://www.openstreetmap.org/copyright"

// Report is the finalized outcome of one run
type Report struct {
	RunID   string
	Title   string
	Start   time.Time
	End     time.Time
	Subject string
	Body    string
	// Lines holds one entry per new or changed entity, in processing order.
	Lines          []string
	Attachment     []byte
	AttachmentName string

	New       int
	Changed   int
	Unchanged int
	Skipped   int
}

// Empty reports whether nothing new or changed was found.
func (r *Report) Empty() bool {
	return len(r.Lines) == 0
}

// Aggregator collects per-entity findings for one run. Not safe for
// concurrent use; a run processes entities sequentially.
type Aggregator struct {
	runID string
	title string
	start time.Time

	lines []string
	diffs strings.Builder

	unchanged int
	skipped   int
	new       int
	changed   int
}

// NewAggregator starts a report for one run
func NewAggregator(runID, title string, start time.Time) *Aggregator {
	return &Aggregator{runID: runID, title: title, start: start}
}

// RecordNew adds a line for an entity seen for the first time.
func (a *Aggregator) RecordNew(rec diff.Record) {
	a.new++
	a.lines = append(a.lines, "NEW "+rec.Key.Describe())
	a.attach(rec)
}

// RecordChanged adds a line for an entity whose content differs from history.
func (a *Aggregator) RecordChanged(rec diff.Record) {
	a.changed++
	line := "CHANGED " + rec.Key.Describe()
	if rec.Key.Type() == element.KeyElement {
		line += " (" + rec.Summary() + ")"
	}
	a.lines = append(a.lines, line)
	a.attach(rec)
}

// RecordUnchanged counts an entity that matched history. It adds no line.
func (a *Aggregator) RecordUnchanged(element.Key) {
	a.unchanged++
}

// RecordSkipped counts an entity that could not be fetched or committed.
func (a *Aggregator) RecordSkipped(element.Key) {
	a.skipped++
}

func (a *Aggregator) attach(rec diff.Record) {
	if rec.Diff == "" {
		return
	}
	fmt.Fprintf(&a.diffs, "Index: %s\n%s\n", rec.Key.Filename(), strings.Repeat("=", 67))
	a.diffs.WriteString(rec.Diff)
	if !strings.HasSuffix(rec.Diff, "\n") {
		a.diffs.WriteByte('\n')
	}
}

// Finalize builds the report. It can be called at any point and always
// returns a report, even when nothing changed.
func (a *Aggregator) Finalize(end time.Time) *Report {
	r := &Report{
		RunID:     a.runID,
		Title:     a.title,
		Start:     a.start,
		End:       end,
		Lines:     append([]string(nil), a.lines...),
		New:       a.new,
		Changed:   a.changed,
		Unchanged: a.unchanged,
		Skipped:   a.skipped,
	}
	r.Subject = subject(a.title, len(a.lines))

	var b strings.Builder
	fmt.Fprintf(&b, "%s\nRun started %s\n\n", a.title, a.start.Format(time.RFC1123Z))
	if len(a.lines) == 0 {
		b.WriteString("No changes.\n")
	}
	for _, line := range a.lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "\nRun finished %s\n", end.Format(time.RFC1123Z))
	if a.skipped > 0 {
		fmt.Fprintf(&b, "%d element(s) could not be fetched or stored and were skipped; see the run log (run %s).\n", a.skipped, a.runID)
	}
	b.WriteString("\n-- \n")
	b.WriteString(Attribution)
	b.WriteByte('\n')
	r.Body = b.String()

	if a.diffs.Len() > 0 {
		r.Attachment = []byte(a.diffs.String())
		r.AttachmentName = fmt.Sprintf("%s-%s.diff",
			strings.Join(strings.Fields(a.title), ""), a.start.Format("20060102-150405"))
	}
	return r
}

func subject(title string, n int) string {
	switch n {
	case 0:
		return fmt.Sprintf("[osmwatch] %s: no changes", title)
	case 1:
		return fmt.Sprintf("[osmwatch] %s: 1 change", title)
	default:
		return fmt.Sprintf("[osmwatch] %s: %d changes", title, n)
	}
}
