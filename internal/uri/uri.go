// Package uri implements the drasi:// resource URI scheme used to name
// query-collection and entry resources on the MCP surface.
package uri

import (
	"fmt"
	"net/url"
	"strings"
)

// Kind distinguishes the two resource shapes this scheme names.
type Kind int

const (
	// Query identifies a query-collection resource: drasi://{reaction}/queries/{queryId}.
	Query Kind = iota
	// Entry identifies a single materialised row: drasi://{reaction}/entries/{queryId}/{entryKey}.
	Entry
)

const scheme = "drasi"

// URI is a parsed drasi:// resource identifier.
type URI struct {
	Kind         Kind
	ReactionName string
	QueryID      string
	EntryKey     string // only set when Kind == Entry
}

// QueryURI builds a query-collection URI.
func QueryURI(reactionName, queryID string) URI {
	return URI{Kind: Query, ReactionName: reactionName, QueryID: queryID}
}

// EntryURI builds an entry URI. entryKey is stored unescaped; String()
// escapes it on output.
func EntryURI(reactionName, queryID, entryKey string) URI {
	return URI{Kind: Entry, ReactionName: reactionName, QueryID: queryID, EntryKey: entryKey}
}

// String renders the URI, escaping the entryKey segment so that slashes or
// other reserved characters in the key are preserved verbatim once decoded.
func (u URI) String() string {
	switch u.Kind {
	case Query:
		return fmt.Sprintf("%s://%s/queries/%s", scheme, u.ReactionName, u.QueryID)
	case Entry:
		return fmt.Sprintf("%s://%s/entries/%s/%s", scheme, u.ReactionName, u.QueryID, escapeKey(u.EntryKey))
	default:
		return ""
	}
}

// escapeKey escapes a single path segment without touching '/' semantics
// of surrounding segments — it percent-encodes the key as one opaque
// segment, including any literal slashes it contains, per spec: "the
// entryKey segment must be URL-escaped; keys may contain slashes and are
// preserved verbatim after escaping."
func escapeKey(key string) string {
	return url.PathEscape(key)
}

func unescapeKey(seg string) (string, error) {
	return url.PathUnescape(seg)
}

// Parse parses a drasi:// URI produced by QueryURI/EntryURI.String().
func Parse(raw string) (URI, error) {
	rest, ok := strings.CutPrefix(raw, scheme+"://")
	if !ok {
		return URI{}, fmt.Errorf("uri: unsupported scheme in %q", raw)
	}

	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return URI{}, fmt.Errorf("uri: malformed uri %q", raw)
	}
	reactionName, path := parts[0], parts[1]

	if qid, ok := strings.CutPrefix(path, "queries/"); ok {
		if qid == "" || strings.Contains(qid, "/") {
			return URI{}, fmt.Errorf("uri: malformed query uri %q", raw)
		}
		return QueryURI(reactionName, qid), nil
	}

	if tail, ok := strings.CutPrefix(path, "entries/"); ok {
		segs := strings.SplitN(tail, "/", 2)
		if len(segs) != 2 || segs[0] == "" || segs[1] == "" {
			return URI{}, fmt.Errorf("uri: malformed entry uri %q", raw)
		}
		key, err := unescapeKey(segs[1])
		if err != nil {
			return URI{}, fmt.Errorf("uri: invalid entry key escaping in %q: %w", raw, err)
		}
		return EntryURI(reactionName, segs[0], key), nil
	}

	return URI{}, fmt.Errorf("uri: unrecognised resource path in %q", raw)
}
