package invariant

import (
	"testing"

	"github.com/alphacore-validation/sandbox-engine/internal/tfstate"
)

const sampleState = `{
  "resources": [
    {
      "mode": "managed",
      "type": "google_compute_firewall",
      "name": "allow_ssh",
      "provider": "google",
      "instances": [
        {
          "attributes": {
            "name": "allow-ssh",
            "network": "projects/p/global/networks/default",
            "allow": [{"protocol": "tcp", "ports": ["22", "443"]}]
          },
          "dependencies": []
        }
      ]
    },
    {
      "mode": "managed",
      "type": "google_project_iam_member",
      "name": "binding",
      "provider": "google",
      "instances": [
        {
          "attributes": {
            "role": "roles/viewer",
            "member": "serviceAccount:deploy-bot@my-project.iam.gserviceaccount.com"
          },
          "dependencies": []
        }
      ]
    },
    {
      "mode": "managed",
      "type": "google_dns_record_set",
      "name": "mx",
      "provider": "google",
      "instances": [
        {
          "attributes": {
            "name": "mail",
            "rrdatas": ["10 mail1.example.com.", "20 mail2.example.com."]
          },
          "dependencies": []
        }
      ]
    }
  ]
}`

func mustParse(t *testing.T) *tfstate.Document {
	t.Helper()
	doc, err := tfstate.Parse([]byte(sampleState))
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return doc
}

func TestResourceExistsByNamePassesAndFails(t *testing.T) {
	doc := mustParse(t)

	pass := evaluateOne(doc, ResourceExistsByName{ResourceType: "google_compute_firewall", Name: "allow-ssh"})
	if !pass.Match.Passed {
		t.Fatalf("expected pass, got %+v", pass.Match)
	}

	fail := evaluateOne(doc, ResourceExistsByName{ResourceType: "google_compute_firewall", Name: "nonexistent"})
	if fail.Match.Passed {
		t.Fatal("expected failure for unknown name")
	}
}

func TestResourceAttributeEqualsAcceptsSelfLinkSuffix(t *testing.T) {
	doc := mustParse(t)
	inv := ResourceAttributeEquals{
		ResourceType: "google_compute_firewall",
		Attribute:    "network",
		Expected:     "default",
	}
	m := evaluateOne(doc, inv)
	if !m.Match.Passed {
		t.Fatalf("expected suffix match on self_link-shaped attribute, got %+v", m.Match)
	}
}

func TestFirewallRuleAllowsMatchesProtocolAndPort(t *testing.T) {
	doc := mustParse(t)

	pass := evaluateOne(doc, FirewallRuleAllows{Protocol: "tcp", Port: "22"})
	if !pass.Match.Passed {
		t.Fatalf("expected pass, got %+v", pass.Match)
	}

	fail := evaluateOne(doc, FirewallRuleAllows{Protocol: "tcp", Port: "3389"})
	if fail.Match.Passed {
		t.Fatal("expected failure for unlisted port")
	}

	anyPort := evaluateOne(doc, FirewallRuleAllows{Protocol: "tcp"})
	if !anyPort.Match.Passed {
		t.Fatal("expected pass when no port is specified")
	}
}

func TestAccessBindingGrantsUsesCaseInsensitiveSubstring(t *testing.T) {
	doc := mustParse(t)
	inv := AccessBindingGrants{
		ResourceType: "google_project_iam_member",
		Principal:    "deploy-bot",
		Role:         "roles/viewer",
	}
	m := evaluateOne(doc, inv)
	if !m.Match.Passed {
		t.Fatalf("expected substring principal match, got %+v", m.Match)
	}

	missing := evaluateOne(doc, AccessBindingGrants{
		ResourceType: "google_project_iam_member",
		Principal:    "someone-else",
		Role:         "roles/viewer",
	})
	if missing.Match.Passed {
		t.Fatal("expected failure for unmatched principal")
	}
}

func TestCollectionContainsElementIgnoresOrder(t *testing.T) {
	doc := mustParse(t)
	inv := CollectionContainsElement{
		ResourceType: "google_dns_record_set",
		Attribute:    "rrdatas",
		Element:      "20 mail2.example.com.",
	}
	m := evaluateOne(doc, inv)
	if !m.Match.Passed {
		t.Fatalf("expected element match regardless of position, got %+v", m.Match)
	}
}

func TestEvaluateDoesNotShortCircuitOnFailure(t *testing.T) {
	doc := mustParse(t)
	invariants := []Invariant{
		ResourceExistsByName{ResourceType: "google_compute_firewall", Name: "nonexistent"},
		FirewallRuleAllows{Protocol: "tcp", Port: "22"},
		AccessBindingGrants{ResourceType: "google_project_iam_member", Principal: "deploy-bot", Role: "roles/viewer"},
	}

	result := Evaluate(doc, invariants)
	if result.Total != 3 {
		t.Fatalf("expected all 3 invariants attempted, got %d", result.Total)
	}
	if len(result.Outcomes) != 3 {
		t.Fatalf("expected an outcome recorded for every invariant, got %d", len(result.Outcomes))
	}
	if result.Passed != 2 {
		t.Fatalf("expected 2 passes despite the first invariant failing, got %d", result.Passed)
	}
}

func TestEvaluateFailsClosedOnEmptySet(t *testing.T) {
	doc := mustParse(t)
	result := Evaluate(doc, nil)
	if result.Total != 0 {
		t.Fatalf("expected Total 0, got %d", result.Total)
	}
	if result.Score() != 0 {
		t.Fatalf("expected fail-closed score of 0 for an empty invariant set, got %v", result.Score())
	}
}

// panickingInvariant is used only to exercise matcher-panic isolation; it
// is not part of the closed five-variant union exposed to callers.
type panickingInvariant struct{}

func (panickingInvariant) Kind() Kind       { return KindResourceExistsByName }
func (panickingInvariant) Describe() string { return "panickingInvariant" }
func (panickingInvariant) evaluate(*tfstate.Document) Match {
	panic("simulated matcher failure")
}

func TestEvaluateIsolatesMatcherPanics(t *testing.T) {
	doc := mustParse(t)
	invariants := []Invariant{
		panickingInvariant{},
		FirewallRuleAllows{Protocol: "tcp", Port: "22"},
	}

	result := Evaluate(doc, invariants)
	if result.Total != 2 {
		t.Fatalf("expected both invariants attempted, got %d", result.Total)
	}
	if result.Passed != 1 {
		t.Fatalf("expected the panicking invariant to fail without aborting the rest, got %d passes", result.Passed)
	}
	if result.Outcomes[0].Match.Passed {
		t.Fatal("expected panicking invariant to record as a failure")
	}
	if result.Outcomes[0].Match.Reason != "exception" {
		t.Fatalf("expected reason %q, got %q", "exception", result.Outcomes[0].Match.Reason)
	}
}
