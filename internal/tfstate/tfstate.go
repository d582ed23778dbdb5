// Package tfstate parses a Terraform state v4 document into an arena of
// nodes referenced by integer index rather than by pointer, per the
// module's cyclic-reference redesign note: matchers walk indices, not
// pointer chains, so a malformed or adversarially-constructed state
// document cannot make evaluation loop forever.
package tfstate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the shape of a node's value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

// Node is one value in the arena. Composite nodes (KindList, KindMap) refer
// to their children by index into the owning Arena's Nodes slice, never by
// pointer, so the representation stays valid even if a document were
// constructed with a cycle.
type Node struct {
	Kind   Kind
	Bool   bool
	Number float64
	String string
	List   []int          // indices into Arena.Nodes
	Map    map[string]int // indices into Arena.Nodes
}

// Arena owns every node produced while parsing one document.
type Arena struct {
	Nodes []Node
}

func (a *Arena) add(n Node) int {
	a.Nodes = append(a.Nodes, n)
	return len(a.Nodes) - 1
}

// Build parses an arbitrary JSON value into the arena, returning the root
// node's index.
func (a *Arena) Build(raw any) int {
	switch v := raw.(type) {
	case nil:
		return a.add(Node{Kind: KindNull})
	case bool:
		return a.add(Node{Kind: KindBool, Bool: v})
	case float64:
		return a.add(Node{Kind: KindNumber, Number: v})
	case json.Number:
		f, _ := v.Float64()
		return a.add(Node{Kind: KindNumber, Number: f})
	case string:
		return a.add(Node{Kind: KindString, String: v})
	case []any:
		idx := a.add(Node{Kind: KindList})
		items := make([]int, 0, len(v))
		for _, elem := range v {
			items = append(items, a.Build(elem))
		}
		a.Nodes[idx].List = items
		return idx
	case map[string]any:
		idx := a.add(Node{Kind: KindMap})
		m := make(map[string]int, len(v))
		for key, elem := range v {
			m[key] = a.Build(elem)
		}
		a.Nodes[idx].Map = m
		return idx
	default:
		return a.add(Node{Kind: KindNull})
	}
}

// Value is a read view of one node, letting callers decode it into a native
// Go value without re-walking the arena by hand.
func (a *Arena) Value(idx int) (any, bool) {
	if idx < 0 || idx >= len(a.Nodes) {
		return nil, false
	}
	n := a.Nodes[idx]
	switch n.Kind {
	case KindNull:
		return nil, true
	case KindBool:
		return n.Bool, true
	case KindNumber:
		return n.Number, true
	case KindString:
		return n.String, true
	case KindList:
		out := make([]any, 0, len(n.List))
		for _, childIdx := range n.List {
			v, _ := a.Value(childIdx)
			out = append(out, v)
		}
		return out, true
	case KindMap:
		out := make(map[string]any, len(n.Map))
		for k, childIdx := range n.Map {
			v, _ := a.Value(childIdx)
			out[k] = v
		}
		return out, true
	default:
		return nil, false
	}
}

// Get walks a dot-notation path from idx, where a numeric segment indexes
// into a list and any other segment looks up a map key. A leading "values."
// segment is stripped, matching Terraform state's common attribute-path
// convention. Returns (value, false) if any segment in the path misses.
func (a *Arena) Get(idx int, path string) (any, bool) {
	path = strings.TrimPrefix(path, "values.")
	if path == "" {
		return a.Value(idx)
	}
	segments := strings.Split(path, ".")
	cur := idx
	for _, seg := range segments {
		if cur < 0 || cur >= len(a.Nodes) {
			return nil, false
		}
		node := a.Nodes[cur]
		if n, err := strconv.Atoi(seg); err == nil {
			if node.Kind != KindList || n < 0 || n >= len(node.List) {
				return nil, false
			}
			cur = node.List[n]
			continue
		}
		if node.Kind != KindMap {
			return nil, false
		}
		next, ok := node.Map[seg]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return a.Value(cur)
}

// ManagedResource is one "mode": "managed" resource instance flattened out
// of the state document's resources list.
type ManagedResource struct {
	Type         string
	Name         string
	Provider     string
	AttributesIdx int // index into the owning Document's Arena
	Dependencies []string
}

// Document is a parsed Terraform state v4 document.
type Document struct {
	Arena     Arena
	Resources []ManagedResource
}

// Parse parses raw Terraform state v4 JSON bytes.
func Parse(raw []byte) (*Document, error) {
	var stateDoc struct {
		Resources []struct {
			Mode      string `json:"mode"`
			Type      string `json:"type"`
			Name      string `json:"name"`
			Provider  string `json:"provider"`
			Instances []struct {
				Attributes   map[string]any `json:"attributes"`
				Dependencies []string       `json:"dependencies"`
			} `json:"instances"`
		} `json:"resources"`
	}
	if err := json.Unmarshal(raw, &stateDoc); err != nil {
		return nil, fmt.Errorf("parse terraform state: %w", err)
	}

	doc := &Document{}
	for _, res := range stateDoc.Resources {
		if res.Mode != "managed" {
			continue
		}
		for _, inst := range res.Instances {
			idx := doc.Arena.Build(inst.Attributes)
			doc.Resources = append(doc.Resources, ManagedResource{
				Type:          res.Type,
				Name:          res.Name,
				Provider:      res.Provider,
				AttributesIdx: idx,
				Dependencies:  inst.Dependencies,
			})
		}
	}
	return doc, nil
}

// ResourcesByType returns every managed resource of the given type.
func (d *Document) ResourcesByType(resourceType string) []ManagedResource {
	var out []ManagedResource
	for _, r := range d.Resources {
		if r.Type == resourceType {
			out = append(out, r)
		}
	}
	return out
}

// Attribute resolves a dot-notation attribute path against one resource.
func (d *Document) Attribute(r ManagedResource, path string) (any, bool) {
	return d.Arena.Get(r.AttributesIdx, path)
}
