// Package element defines the identities tracked by the history store.
package element

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is an OSM element kind
type Kind string

const (
	KindNode     Kind = "node"
	KindWay      Kind = "way"
	KindRelation Kind = "relation"
)

// Kinds lists all supported element kinds in a stable order.
var Kinds = []Kind{KindNode, KindWay, KindRelation}

// ParseKind accepts the singular kind name, case-insensitive.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindNode:
		return KindNode, nil
	case KindWay:
		return KindWay, nil
	case KindRelation:
		return KindRelation, nil
	}
	return "", fmt.Errorf("unknown element kind %q (want node, way or relation)", s)
}

// Identity is an element kind plus its numeric OSM id.
type Identity struct {
	Kind Kind
	ID   int64
}

// String returns "node 123".
func (i Identity) String() string {
	return fmt.Sprintf("%s %d", i.Kind, i.ID)
}

// BrowseURL points to the element on openstreetmap.org.
func (i Identity) BrowseURL() string {
	return fmt.Sprintf("https://www.openstreetmap.org/%s/%d", i.Kind, i.ID)
}

// KeyType discriminates the Key union.
type KeyType int

const (
	KeyElement KeyType = iota
	KeyIDList
)

// Key is the name under which history is tracked: either a single element
// or a monitored id list artifact. Use Element or IDList to construct one.
type Key struct {
	typ      KeyType
	identity Identity
	name     string
}

// Element returns the history key for one element.
func Element(id Identity) Key {
	return Key{typ: KeyElement, identity: id}
}

// IDList returns the history key for the id list of a monitoring definition.
// The title is stored without spaces, and characters that cannot appear in
// a file name are replaced with '_'.
func IDList(title string) Key {
	name := strings.Map(func(r rune) rune {
		if r < 0x20 || strings.ContainsRune(`/\*:?"<>|`, r) {
			return '_'
		}
		return r
	}, strings.Join(strings.Fields(title), ""))
	return Key{typ: KeyIDList, name: name}
}

// Type returns which variant the key holds.
func (k Key) Type() KeyType { return k.typ }

// Identity returns the element identity; ok is false for id list keys.
func (k Key) Identity() (Identity, bool) {
	return k.identity, k.typ == KeyElement
}

// Kind returns the element kind, or "" for id list keys.
func (k Key) Kind() Kind {
	if k.typ != KeyElement {
		return ""
	}
	return k.identity.Kind
}

// Filename is the working tree file holding the current version.
func (k Key) Filename() string {
	switch k.typ {
	case KeyElement:
		return fmt.Sprintf("%s-%d.json", k.identity.Kind, k.identity.ID)
	default:
		return "ids-" + k.name + ".txt"
	}
}

// String is the filename without extension, used in logs and on the CLI.
func (k Key) String() string {
	name := k.Filename()
	return name[:strings.LastIndexByte(name, '.')]
}

// CommitMessage describes an accepted change for the commit log.
func (k Key) CommitMessage(initial bool) string {
	version := "new version"
	if initial {
		version = "initial version"
	}
	switch k.typ {
	case KeyElement:
		return fmt.Sprintf("%s: %s", k.identity, version)
	default:
		return fmt.Sprintf("monitored id list %s: %s", k.name, version)
	}
}

// Describe is the human-readable reference used in report lines.
func (k Key) Describe() string {
	switch k.typ {
	case KeyElement:
		return fmt.Sprintf("%s (%s)", k.identity, k.identity.BrowseURL())
	default:
		return fmt.Sprintf("monitored id list %q", k.name)
	}
}

// ParseKey is the inverse of Key.String: "node-42" or "ids-Title".
func ParseKey(s string) (Key, error) {
	s = strings.TrimSuffix(strings.TrimSuffix(s, ".json"), ".txt")
	if name, ok := strings.CutPrefix(s, "ids-"); ok {
		if name == "" {
			return Key{}, fmt.Errorf("empty id list name in %q", s)
		}
		return Key{typ: KeyIDList, name: name}, nil
	}
	kindStr, idStr, ok := strings.Cut(s, "-")
	if !ok {
		return Key{}, fmt.Errorf("invalid key %q (want <kind>-<id> or ids-<title>)", s)
	}
	kind, err := ParseKind(kindStr)
	if err != nil {
		return Key{}, err
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("invalid element id in %q: %w", s, err)
	}
	return Element(Identity{Kind: kind, ID: id}), nil
}
