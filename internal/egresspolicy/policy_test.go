package egresspolicy

import "testing"

func TestCompileRejectsMissingVersion(t *testing.T) {
	if _, err := Compile(rawPolicy{}); err == nil {
		t.Fatal("expected error for missing version")
	}
}

func TestCompileRejectsNonDenyDefault(t *testing.T) {
	raw := rawPolicy{Version: 1}
	raw.Egress.Default = "allow"
	if _, err := Compile(raw); err == nil {
		t.Fatal("expected error for non-deny default")
	}
}

func TestCompileDedupesAndSortsPorts(t *testing.T) {
	raw := rawPolicy{Version: 1}
	raw.Egress.Default = "deny"
	raw.Egress.Allow = []rawAllowRule{
		{Host: "Googleapis.com", Ports: []int{443, 80, 443}},
	}
	compiled, err := Compile(raw)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(compiled.Allow) != 1 {
		t.Fatalf("expected 1 allow rule, got %d", len(compiled.Allow))
	}
	rule := compiled.Allow[0]
	if rule.Host != "googleapis.com" {
		t.Fatalf("expected lowercased host, got %q", rule.Host)
	}
	if len(rule.Ports) != 2 || rule.Ports[0] != 80 || rule.Ports[1] != 443 {
		t.Fatalf("expected deduped sorted ports [80 443], got %v", rule.Ports)
	}
}

func TestAllowsLooksUpHostAndPort(t *testing.T) {
	raw := rawPolicy{Version: 1}
	raw.Egress.Default = "deny"
	raw.Egress.Allow = []rawAllowRule{{Host: "compute.googleapis.com", Ports: []int{443}}}
	compiled, err := Compile(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !compiled.Allows("COMPUTE.GOOGLEAPIS.COM", 443) {
		t.Fatal("expected case-insensitive match")
	}
	if compiled.Allows("example.com", 443) {
		t.Fatal("expected no match for unlisted host")
	}
}

func TestCompileIsDeterministicallyHashed(t *testing.T) {
	raw := rawPolicy{Version: 1}
	raw.Egress.Default = "deny"
	raw.Egress.Allow = []rawAllowRule{{Host: "a.example.com", Ports: []int{443}}}

	first, err := Compile(raw)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Compile(raw)
	if err != nil {
		t.Fatal(err)
	}
	if first.Hash != second.Hash {
		t.Fatalf("expected stable hash, got %q and %q", first.Hash, second.Hash)
	}
}
