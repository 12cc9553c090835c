// Package definition parses monitoring definitions.
//
// A definition is a text file whose first line is a free-text title. The
// remaining lines are either literal element ids (one per line) or a single
// Overpass query submitted verbatim.
package definition

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dokzlo13/osmwatch/internal/element"
)

// ErrEmptyDefinition is returned when a definition has no title line.
var ErrEmptyDefinition = errors.New("monitoring definition is empty")

// Method selects how the id set is obtained
type Method string

const (
	MethodIDs   Method = "ids"
	MethodQuery Method = "query"
)

// ParseMethod validates a method name.
func ParseMethod(s string) (Method, error) {
	switch Method(strings.ToLower(strings.TrimSpace(s))) {
	case MethodIDs, "list":
		return MethodIDs, nil
	case MethodQuery:
		return MethodQuery, nil
	}
	return "", fmt.Errorf("unknown id retrieval method %q (want ids or query)", s)
}

// Definition is a parsed monitoring definition.
type Definition struct {
	Title  string
	Kind   element.Kind
	Method Method

	// IDs is set for MethodIDs, in file order.
	IDs []int64
	// Query is set for MethodQuery.
	Query string
}

// Load reads and parses a definition file.
func Load(path string, kind element.Kind, method Method) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition: %w", err)
	}
	def, err := Parse(string(data), kind, method)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Parse parses definition text.
func Parse(text string, kind element.Kind, method Method) (*Definition, error) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	title, rest, _ := strings.Cut(text, "\n")
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyDefinition
	}

	def := &Definition{Title: title, Kind: kind, Method: method}

	switch method {
	case MethodIDs:
		for n, line := range strings.Split(rest, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			id, err := strconv.ParseInt(line, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid element id %q", n+2, line)
			}
			def.IDs = append(def.IDs, id)
		}
	case MethodQuery:
		def.Query = strings.TrimSpace(rest)
		if def.Query == "" {
			return nil, fmt.Errorf("query definition %q has no query", title)
		}
	default:
		return nil, fmt.Errorf("unknown id retrieval method %q", method)
	}

	return def, nil
}
