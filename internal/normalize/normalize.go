// Package normalize strips volatile fields from Overpass responses so that
// re-fetching an unchanged element yields byte-identical output.
package normalize

import (
	"bytes"
	"regexp"
)

// volatileLine matches whole lines carrying the base-retrieval timestamps
// or the generator identifier. Everything else is kept verbatim.
var volatileLine = regexp.MustCompile(`^\s*"(timestamp_osm_base|timestamp_areas_base|generator)"\s*:`)

// Snapshot removes volatile lines from a raw snapshot. It never reorders,
// reindents or otherwise touches the remaining bytes.
func Snapshot(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	for len(raw) > 0 {
		line := raw
		if i := bytes.IndexByte(raw, '\n'); i >= 0 {
			line = raw[:i+1]
		}
		raw = raw[len(line):]
		if volatileLine.Match(line) {
			continue
		}
		out = append(out, line...)
	}
	return out
}

// Equal reports whether two normalized snapshots are the same. The
// comparison is byte-level, not JSON-aware.
func Equal(a, b []byte) bool {
	return bytes.Equal(a, b)
}
