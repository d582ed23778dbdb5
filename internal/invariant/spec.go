package invariant

import (
	"encoding/json"
	"fmt"

	"github.com/alphacore-validation/sandbox-engine/internal/tfstate"
)

// Spec is the wire shape of a single invariant inside a submission
// manifest: an ID unique within the manifest, a Kind tag, and a
// kind-specific parameter object. DecodeSpecs resolves Spec into the
// concrete Invariant it names; there is no sixth variant a caller can
// smuggle in, since decodeByKind only recognizes the five Kind
// constants.
type Spec struct {
	ID     string          `json:"id"`
	Kind   Kind            `json:"kind"`
	Params json.RawMessage `json:"params"`
}

// DecodeSpecs resolves a manifest's invariant list into concrete
// Invariant values. It fails closed: an unknown Kind, a duplicate ID,
// or a Params document that doesn't unmarshal into its Kind's shape
// rejects the whole manifest rather than silently dropping one
// invariant from the set a submitter expects to be scored against.
func DecodeSpecs(specs []Spec) ([]Invariant, error) {
	seen := make(map[string]bool, len(specs))
	out := make([]Invariant, 0, len(specs))
	for idx, spec := range specs {
		if spec.ID == "" {
			return nil, fmt.Errorf("invariant[%d]: missing id", idx)
		}
		if seen[spec.ID] {
			return nil, fmt.Errorf("invariant[%d]: duplicate id %q", idx, spec.ID)
		}
		seen[spec.ID] = true

		inv, err := decodeByKind(spec)
		if err != nil {
			return nil, fmt.Errorf("invariant[%d]: %w", idx, err)
		}
		out = append(out, namedInvariant{id: spec.ID, inner: inv})
	}
	return out, nil
}

// namedInvariant pairs a decoded Invariant with the manifest id that named
// it, without requiring the five concrete variants to carry an id field of
// their own. It satisfies idProvider so Evaluate can recover the id for
// each Outcome.
type namedInvariant struct {
	id    string
	inner Invariant
}

func (n namedInvariant) Kind() Kind       { return n.inner.Kind() }
func (n namedInvariant) Describe() string { return n.inner.Describe() }
func (n namedInvariant) ID() string       { return n.id }

func (n namedInvariant) evaluate(doc *tfstate.Document) Match { return n.inner.evaluate(doc) }

func decodeByKind(spec Spec) (Invariant, error) {
	switch spec.Kind {
	case KindResourceExistsByName:
		var v ResourceExistsByName
		if err := json.Unmarshal(spec.Params, &v); err != nil {
			return nil, err
		}
		return v, nil
	case KindResourceAttributeEquals:
		var v ResourceAttributeEquals
		if err := json.Unmarshal(spec.Params, &v); err != nil {
			return nil, err
		}
		return v, nil
	case KindFirewallRuleAllows:
		var v FirewallRuleAllows
		if err := json.Unmarshal(spec.Params, &v); err != nil {
			return nil, err
		}
		return v, nil
	case KindAccessBindingGrants:
		var v AccessBindingGrants
		if err := json.Unmarshal(spec.Params, &v); err != nil {
			return nil, err
		}
		return v, nil
	case KindCollectionContainsElement:
		var v CollectionContainsElement
		if err := json.Unmarshal(spec.Params, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown invariant kind %q", spec.Kind)
	}
}
