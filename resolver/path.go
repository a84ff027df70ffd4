package resolver

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

type segKind int

const (
	segIdent segKind = iota
	segIndex
)

type pathSegment struct {
	kind segKind
	key  string // segIdent, or quoted-bracket key
	idx  int    // segIndex
}

// parsePathSegments splits a scanned path token ("a.b[0]['k-1']") into
// its dotted/bracket segments. The first segment is always an
// identifier, since the grammar requires a path to start with one.
func parsePathSegments(path string) []pathSegment {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	var segs []pathSegment
	i := 0
	n := len(path)

	// leading identifier
	start := i
	for i < n && isIdentChar(path[i]) {
		i++
	}
	if i == start {
		return nil
	}
	segs = append(segs, pathSegment{kind: segIdent, key: path[start:i]})

	for i < n {
		switch path[i] {
		case '.':
			i++
			start := i
			for i < n && isIdentChar(path[i]) {
				i++
			}
			if i == start {
				return segs
			}
			segs = append(segs, pathSegment{kind: segIdent, key: path[start:i]})
		case '[':
			i++
			if i < n && (path[i] == '\'' || path[i] == '"') {
				quote := path[i]
				i++
				var b strings.Builder
				for i < n && path[i] != quote {
					if path[i] == '\\' && i+1 < n {
						i++
					}
					b.WriteByte(path[i])
					i++
				}
				if i < n && path[i] == quote {
					i++
				}
				if i < n && path[i] == ']' {
					i++
				}
				segs = append(segs, pathSegment{kind: segIdent, key: b.String()})
			} else {
				start := i
				for i < n && path[i] != ']' {
					i++
				}
				idx, err := strconv.Atoi(path[start:i])
				if i < n {
					i++ // skip ']'
				}
				if err != nil {
					return segs
				}
				segs = append(segs, pathSegment{kind: segIndex, idx: idx})
			}
		default:
			return segs
		}
	}
	return segs
}

// gjsonSpecial holds gjson's path-syntax special characters (§4.1
// grounding: structural field access is delegated to gjson rather than
// hand-rolled map/slice walking).
const gjsonSpecial = ".|#@*?\\"

func segmentsToGJSONPath(segs []pathSegment) string {
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		if s.kind == segIndex {
			parts = append(parts, strconv.Itoa(s.idx))
			continue
		}
		parts = append(parts, escapeGJSONKey(s.key))
	}
	return strings.Join(parts, ".")
}

func escapeGJSONKey(key string) string {
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		if strings.IndexByte(gjsonSpecial, key[i]) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteByte(key[i])
	}
	return b.String()
}

// lookupSegments traverses root along segs. found=false means the path
// does not exist (missing key, out-of-bounds index, or traversal
// through a non-container/null) — distinct from a path that resolves
// to an explicit JSON null (found=true, value=nil). Traversal never
// executes host code or reflects into Go structs: gjson.GetBytes walks
// decoded JSON text, so keys like "__proto__" or "constructor" are
// ordinary (absent) map lookups (§4.1 Safety).
func lookupSegments(root interface{}, segs []pathSegment) (interface{}, bool) {
	if len(segs) == 0 {
		return root, true
	}
	b, err := json.Marshal(root)
	if err != nil {
		return nil, false
	}
	gp := segmentsToGJSONPath(segs)
	res := gjson.GetBytes(b, gp)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}
