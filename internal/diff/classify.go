// Package diff compares snapshot versions and classifies what changed.
//
// Classification is deliberately textual: each added or removed line of the
// unified diff is matched against a per-kind table of (pattern, label)
// rules, and every rule with at least one matching line contributes its
// label. A change touching none of the patterns is still a change; it just
// has no category.
package diff

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/dokzlo13/osmwatch/internal/element"
)

// Tag is the classification of one processed entity
type Tag string

const (
	TagNew       Tag = "new"
	TagChanged   Tag = "changed"
	TagUnchanged Tag = "unchanged"
)

// Rule maps matching diff lines to a change category.
type Rule struct {
	Pattern *regexp.Regexp
	Label   string
}

// Category is a fired rule together with the number of diff lines it matched.
type Category struct {
	Label string
	Lines int
}

// Record is the outcome of comparing one entity.
type Record struct {
	Key        element.Key
	Tag        Tag
	Categories []Category
	// Diff is the raw textual diff (unified for elements, side-by-side for id lists).
	Diff string
}

// Summary joins the category labels in rule order.
func (r Record) Summary() string {
	if r.Key.Type() == element.KeyIDList {
		if r.Tag == TagNew {
			return "monitored id list created"
		}
		return "monitored id list changed"
	}
	if len(r.Categories) == 0 {
		if r.Tag == TagChanged {
			return "other changes"
		}
		return ""
	}
	labels := make([]string, len(r.Categories))
	for i, c := range r.Categories {
		labels[i] = c.Label
	}
	return strings.Join(labels, ", ")
}

// tagLine matches a key/value pair nested one level below the element,
// which in Overpass JSON output is where tags live.
const tagLine = `^ {4}"[^"]+":\s*"`

// DefaultRules is the built-in classification table for Overpass JSON output.
func DefaultRules() map[element.Kind][]Rule {
	return map[element.Kind][]Rule{
		element.KindNode: {
			{regexp.MustCompile(`^\s*"lat":`), "latitude changed"},
			{regexp.MustCompile(`^\s*"lon":`), "longitude changed"},
			{regexp.MustCompile(tagLine), "tags changed"},
		},
		element.KindWay: {
			{regexp.MustCompile(`^ {4}-?\d+,?\s*$`), "node references changed"},
			{regexp.MustCompile(tagLine), "tags changed"},
		},
		element.KindRelation: {
			{regexp.MustCompile(`^\s*"ref":`), "members changed"},
			{regexp.MustCompile(tagLine), "tags changed"},
			{regexp.MustCompile(`^\s*"role":`), "roles changed"},
		},
	}
}

// Classifier holds the rule table. It is safe for concurrent use.
type Classifier struct {
	mu    sync.RWMutex
	rules map[element.Kind][]Rule
	opt   Options
}

// NewClassifier creates a classifier with the default rule table.
func NewClassifier(opt Options) *Classifier {
	return &Classifier{rules: DefaultRules(), opt: opt}
}

// AddRule appends a rule for kind. Rules added later report after the
// built-in ones.
func (c *Classifier) AddRule(kind element.Kind, pattern, label string) error {
	if label == "" {
		return fmt.Errorf("rule label must not be empty")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid rule pattern %q: %w", pattern, err)
	}
	c.mu.Lock()
	c.rules[kind] = append(c.rules[kind], Rule{Pattern: re, Label: label})
	c.mu.Unlock()
	return nil
}

// Rules returns a copy of the rules for kind.
func (c *Classifier) Rules(kind element.Kind) []Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Rule(nil), c.rules[kind]...)
}

// Classify compares two versions of a key that are known to differ.
func (c *Classifier) Classify(key element.Key, old, new []byte) Record {
	rec := Record{Key: key, Tag: TagChanged}

	if key.Type() == element.KeyIDList {
		rec.Diff = SideBySide(old, new, c.opt)
		return rec
	}

	name := key.Filename()
	rec.Diff = Unified("a/"+name, "b/"+name, old, new, c.opt)
	rec.Categories = c.categorize(key.Kind(), ChangedLines(old, new))
	return rec
}

// Added builds the record for a key seen for the first time.
func (c *Classifier) Added(key element.Key, content []byte) Record {
	name := key.Filename()
	if key.Type() == element.KeyIDList {
		return Record{Key: key, Tag: TagNew, Diff: SideBySide(nil, content, c.opt)}
	}
	return Record{Key: key, Tag: TagNew, Diff: Added("b/"+name, content, c.opt)}
}

func (c *Classifier) categorize(kind element.Kind, lines []string) []Category {
	rules := c.Rules(kind)
	var out []Category
	for _, r := range rules {
		n := 0
		for _, line := range lines {
			if r.Pattern.MatchString(line) {
				n++
			}
		}
		if n > 0 {
			out = append(out, Category{Label: r.Label, Lines: n})
		}
	}
	return out
}
