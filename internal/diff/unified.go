package diff

import (
	"fmt"
	"strings"

	difflib "github.com/pmezard/go-difflib/difflib"
)

// Options controls patch generation behavior.
type Options struct {
	// MaxBytes is a guardrail on input size (old+new). When exceeded,
	// a placeholder patch is returned. 0 means "no limit".
	MaxBytes int

	// Context is the number of context lines in unified hunks.
	// If 0, default to 3.
	Context int

	// Width is the total line width of side-by-side output.
	// If 0, default to 100.
	Width int
}

func (o Options) context() int {
	if o.Context <= 0 {
		return 3
	}
	return o.Context
}

func (o Options) width() int {
	if o.Width <= 0 {
		return 100
	}
	return o.Width
}

// Unified produces a classic unified patch for a↦b.
func Unified(aName, bName string, a, b []byte, opt Options) string {
	if opt.MaxBytes > 0 && len(a)+len(b) > opt.MaxBytes {
		return omitted(aName, bName)
	}
	u := difflib.UnifiedDiff{
		A:        splitLinesKeepNL(string(a)),
		B:        splitLinesKeepNL(string(b)),
		FromFile: aName,
		ToFile:   bName,
		Context:  opt.context(),
	}
	s, err := difflib.GetUnifiedDiffString(u)
	if err != nil || s == "" {
		return omitted(aName, bName)
	}
	return ensureNL(s)
}

// Added produces a patch that adds the entire content b (no old version).
func Added(bName string, b []byte, opt Options) string {
	return Unified("/dev/null", bName, nil, b, opt)
}

// SideBySide renders a two-column comparison in the manner of `diff -y`:
// '|' marks changed lines, '<' removed ones and '>' added ones. Only the
// changed lines are printed.
func SideBySide(a, b []byte, opt Options) string {
	if opt.MaxBytes > 0 && len(a)+len(b) > opt.MaxBytes {
		return "# side-by-side diff omitted (oversize)\n"
	}
	left := splitLines(string(a))
	right := splitLines(string(b))
	col := (opt.width() - 3) / 2

	var sb strings.Builder
	row := func(l, mark, r string) {
		fmt.Fprintf(&sb, "%-*s %s %s\n", col, truncate(l, col), mark, r)
	}

	m := difflib.NewMatcher(left, right)
	for _, op := range m.GetOpCodes() {
		switch op.Tag {
		case 'r':
			n := max(op.I2-op.I1, op.J2-op.J1)
			for k := 0; k < n; k++ {
				i, j := op.I1+k, op.J1+k
				switch {
				case i < op.I2 && j < op.J2:
					row(left[i], "|", right[j])
				case i < op.I2:
					row(left[i], "<", "")
				default:
					row("", ">", right[j])
				}
			}
		case 'd':
			for i := op.I1; i < op.I2; i++ {
				row(left[i], "<", "")
			}
		case 'i':
			for j := op.J1; j < op.J2; j++ {
				row("", ">", right[j])
			}
		}
	}
	return sb.String()
}

// ChangedLines returns the lines removed from a and added in b, in that
// order within each changed region. It does not depend on MaxBytes, so
// oversize versions can still be classified.
func ChangedLines(a, b []byte) []string {
	left := splitLines(string(a))
	right := splitLines(string(b))

	// Trim the common head and tail; snapshots usually differ in a few lines.
	head := 0
	for head < len(left) && head < len(right) && left[head] == right[head] {
		head++
	}
	tail := 0
	for tail < len(left)-head && tail < len(right)-head &&
		left[len(left)-1-tail] == right[len(right)-1-tail] {
		tail++
	}
	left = left[head : len(left)-tail]
	right = right[head : len(right)-tail]

	var out []string
	m := difflib.NewMatcher(left, right)
	for _, op := range m.GetOpCodes() {
		if op.Tag == 'e' {
			continue
		}
		out = append(out, left[op.I1:op.I2]...)
		out = append(out, right[op.J1:op.J2]...)
	}
	return out
}

// splitLinesKeepNL splits into lines and keeps newline characters,
// which produces better unified hunks.
func splitLinesKeepNL(s string) []string {
	if s == "" {
		return []string{}
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return []string{}
	}
	return strings.Split(s, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func ensureNL(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

// omitted returns a compact placeholder when size limits are exceeded.
func omitted(aName, bName string) string {
	return fmt.Sprintf("--- %s\n+++ %s\n@@\n# diff omitted (oversize)\n", aName, bName)
}
