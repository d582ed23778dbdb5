// Package invariant implements the closed, five-variant tagged union of
// machine-checkable invariants and the no-short-circuit, fail-closed
// evaluator that scores a Terraform state document against them.
//
// The parameter schema for each variant is fixed by its Go struct — callers
// cannot construct an invariant kind outside the five below, resolving the
// spec's open question about invariant parameter shape.
package invariant

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alphacore-validation/sandbox-engine/internal/tfstate"
)

// Kind tags which of the five variants an Invariant value is.
type Kind string

const (
	KindResourceExistsByName      Kind = "resource-exists-by-name"
	KindResourceAttributeEquals   Kind = "resource-attribute-equals"
	KindFirewallRuleAllows        Kind = "firewall-rule-allows"
	KindAccessBindingGrants       Kind = "access-binding-grants"
	KindCollectionContainsElement Kind = "collection-contains-element"
)

// Invariant is implemented by exactly five concrete types below. Evaluate
// never panics outward: any internal failure is recovered by the Evaluator
// and recorded as a failed match with reason "exception".
type Invariant interface {
	Kind() Kind
	// Describe renders a short human-readable label for logs/results.
	Describe() string
	evaluate(doc *tfstate.Document) Match
}

// Match is the per-invariant outcome: whether it passed, what value(s) it
// actually observed (even on failure, for audit purposes), and why it
// failed when it did.
type Match struct {
	Passed bool
	Actual any
	Reason string
}

// ResourceExistsByName passes if any managed resource of ResourceType with
// the given Name exists in the state document.
type ResourceExistsByName struct {
	ResourceType string `json:"resource_type"`
	Name         string `json:"name"`
}

func (ResourceExistsByName) Kind() Kind { return KindResourceExistsByName }

func (i ResourceExistsByName) Describe() string {
	return fmt.Sprintf("resource-exists-by-name(%s, name=%s)", i.ResourceType, i.Name)
}

func (i ResourceExistsByName) evaluate(doc *tfstate.Document) Match {
	var names []string
	for _, r := range doc.ResourcesByType(i.ResourceType) {
		name, _ := doc.Attribute(r, "name")
		nameStr := asString(name)
		names = append(names, nameStr)
		if nameStr == i.Name {
			return Match{Passed: true, Actual: names}
		}
	}
	return Match{Passed: false, Actual: names, Reason: fmt.Sprintf("no %s named %q found", i.ResourceType, i.Name)}
}

// ResourceAttributeEquals passes if any matching resource instance has
// Attribute equal (or reference-equivalent, see matchesRef) to Expected.
// ResourceName, if non-empty, additionally constrains which instance of
// ResourceType is considered.
type ResourceAttributeEquals struct {
	ResourceType string `json:"resource_type"`
	ResourceName string `json:"resource_name,omitempty"`
	Attribute    string `json:"attribute"`
	Expected     any    `json:"expected"`
}

func (ResourceAttributeEquals) Kind() Kind { return KindResourceAttributeEquals }

func (i ResourceAttributeEquals) Describe() string {
	return fmt.Sprintf("resource-attribute-equals(%s, %s=%v)", i.ResourceType, i.Attribute, i.Expected)
}

func (i ResourceAttributeEquals) evaluate(doc *tfstate.Document) Match {
	candidates := doc.ResourcesByType(i.ResourceType)
	if len(candidates) == 0 {
		return Match{Passed: false, Reason: fmt.Sprintf("no resources of type %s found", i.ResourceType)}
	}

	var observed []any
	for _, r := range candidates {
		if i.ResourceName != "" {
			name, _ := doc.Attribute(r, "name")
			if asString(name) != i.ResourceName {
				continue
			}
		}
		actual, _ := doc.Attribute(r, i.Attribute)
		observed = append(observed, actual)
		if attributeMatches(i.Attribute, actual, i.Expected) {
			return Match{Passed: true, Actual: actual}
		}
	}
	return Match{
		Passed: false,
		Actual: observed,
		Reason: fmt.Sprintf("no matching %s instance has %s == %v", i.ResourceType, i.Attribute, i.Expected),
	}
}

// FirewallRuleAllows passes if a google_compute_firewall-shaped resource
// has an allow block matching Protocol and, when Port is non-empty, Port.
type FirewallRuleAllows struct {
	ResourceType string `json:"resource_type,omitempty"` // defaults to "google_compute_firewall" when empty
	Protocol     string `json:"protocol"`
	Port         string `json:"port,omitempty"`
}

func (FirewallRuleAllows) Kind() Kind { return KindFirewallRuleAllows }

func (i FirewallRuleAllows) Describe() string {
	if i.Port == "" {
		return fmt.Sprintf("firewall-rule-allows(%s)", i.Protocol)
	}
	return fmt.Sprintf("firewall-rule-allows(%s/%s)", i.Protocol, i.Port)
}

func (i FirewallRuleAllows) resourceType() string {
	if i.ResourceType != "" {
		return i.ResourceType
	}
	return "google_compute_firewall"
}

func (i FirewallRuleAllows) evaluate(doc *tfstate.Document) Match {
	resources := doc.ResourcesByType(i.resourceType())
	if len(resources) == 0 {
		return Match{Passed: false, Reason: fmt.Sprintf("no resources of type %s found", i.resourceType())}
	}

	var allBlocks []any
	for _, r := range resources {
		blocksRaw, _ := doc.Attribute(r, "allow")
		blocks, _ := blocksRaw.([]any)
		allBlocks = append(allBlocks, blocks...)
		for _, blockRaw := range blocks {
			block, _ := blockRaw.(map[string]any)
			if block == nil {
				continue
			}
			proto := asString(block["protocol"])
			if !strings.EqualFold(proto, i.Protocol) {
				continue
			}
			if i.Port == "" {
				return Match{Passed: true, Actual: block}
			}
			ports, _ := block["ports"].([]any)
			for _, p := range ports {
				if asString(p) == i.Port {
					return Match{Passed: true, Actual: block}
				}
			}
		}
	}
	desc := i.Protocol
	if i.Port != "" {
		desc = i.Protocol + "/" + i.Port
	}
	return Match{Passed: false, Actual: allBlocks, Reason: fmt.Sprintf("no allow block permits %s", desc)}
}

// AccessBindingGrants passes if an IAM-member-shaped resource grants Role to
// Principal. The member comparison is a case-insensitive substring match,
// since Terraform state commonly expands short principal identifiers into
// fully-qualified emails or resource names.
type AccessBindingGrants struct {
	ResourceType string `json:"resource_type"`
	Principal    string `json:"principal"`
	Role         string `json:"role"`
}

func (AccessBindingGrants) Kind() Kind { return KindAccessBindingGrants }

func (i AccessBindingGrants) Describe() string {
	return fmt.Sprintf("access-binding-grants(%s, principal=%s, role=%s)", i.ResourceType, i.Principal, i.Role)
}

func (i AccessBindingGrants) evaluate(doc *tfstate.Document) Match {
	resources := doc.ResourcesByType(i.ResourceType)
	if len(resources) == 0 {
		return Match{Passed: false, Reason: fmt.Sprintf("no resources of type %s found", i.ResourceType)}
	}

	var observed []map[string]any
	for _, r := range resources {
		role, _ := doc.Attribute(r, "role")
		member, _ := doc.Attribute(r, "member")
		observed = append(observed, map[string]any{"role": role, "member": member})

		if !strings.EqualFold(asString(role), i.Role) {
			continue
		}
		if strings.Contains(strings.ToLower(asString(member)), strings.ToLower(i.Principal)) {
			return Match{Passed: true, Actual: map[string]any{"role": role, "member": member}}
		}
	}
	return Match{
		Passed: false,
		Actual: observed,
		Reason: fmt.Sprintf("no %s binding grants role %s to a member containing %q", i.ResourceType, i.Role, i.Principal),
	}
}

// CollectionContainsElement passes if Attribute (a list-shaped attribute)
// contains Element, compared order-insensitively as a set of stringified
// values — list attributes such as DNS record sets are not guaranteed to
// preserve submission order in state.
type CollectionContainsElement struct {
	ResourceType string `json:"resource_type"`
	ResourceName string `json:"resource_name,omitempty"`
	Attribute    string `json:"attribute"`
	Element      any    `json:"element"`
}

func (CollectionContainsElement) Kind() Kind { return KindCollectionContainsElement }

func (i CollectionContainsElement) Describe() string {
	return fmt.Sprintf("collection-contains-element(%s, %s contains %v)", i.ResourceType, i.Attribute, i.Element)
}

func (i CollectionContainsElement) evaluate(doc *tfstate.Document) Match {
	candidates := doc.ResourcesByType(i.ResourceType)
	if len(candidates) == 0 {
		return Match{Passed: false, Reason: fmt.Sprintf("no resources of type %s found", i.ResourceType)}
	}

	var observed []any
	for _, r := range candidates {
		if i.ResourceName != "" {
			name, _ := doc.Attribute(r, "name")
			if asString(name) != i.ResourceName {
				continue
			}
		}
		actual, _ := doc.Attribute(r, i.Attribute)
		observed = append(observed, actual)
		if collectionContains(actual, i.Element) {
			return Match{Passed: true, Actual: actual}
		}
	}
	return Match{
		Passed: false,
		Actual: observed,
		Reason: fmt.Sprintf("no matching %s instance has %v in %s", i.ResourceType, i.Element, i.Attribute),
	}
}

func attributeMatches(path string, actual, expected any) bool {
	switch path[strings.LastIndex(path, ".")+1:] {
	case "network", "subnetwork", "secret", "service_account_id":
		return matchesRef(actual, expected)
	}
	return equalLoose(actual, expected)
}

// matchesRef accepts either an exact match or a self_link-style suffix
// match, since Terraform state commonly expands short resource names into
// fully-qualified URLs (e.g. "default" vs
// ".../global/networks/default").
func matchesRef(actual, expected any) bool {
	a, e := asString(actual), asString(expected)
	if a == "" || e == "" {
		return equalLoose(actual, expected)
	}
	if a == e {
		return true
	}
	return strings.HasSuffix(a, "/"+e) || strings.Contains(a, "/"+e+"/")
}

func collectionContains(collection, element any) bool {
	items, ok := collection.([]any)
	if !ok {
		return false
	}
	target := stringify(element)
	for _, item := range items {
		if stringify(item) == target {
			return true
		}
	}
	return false
}

func equalLoose(a, b any) bool {
	return stringify(a) == stringify(b)
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
