package answer

import "testing"

func TestBuildAnswerNoClaimsYieldsNoticeAndNoEvidence(t *testing.T) {
	o := NewOrchestrator(Policy{RequireCitations: true})
	ans := o.BuildAnswer(nil, map[string]bool{"s1": true})

	if ans.State != StateNoEvidence {
		t.Fatalf("state = %q, want no_evidence", ans.State)
	}
	if ans.Notice == "" {
		t.Fatal("expected a notice when claims are empty")
	}
	if !ans.Policy.RequireCitations {
		t.Fatal("expected the policy to be echoed back on the answer")
	}
}

func TestBuildAnswerDowngradesWhenCitationsRequiredButMissing(t *testing.T) {
	o := NewOrchestrator(Policy{RequireCitations: true})
	claims := []Claim{{Text: "uncited claim", Citations: nil}}
	ans := o.BuildAnswer(claims, map[string]bool{"s1": true})

	if ans.State != StateNoEvidence {
		t.Fatalf("state = %q, want no_evidence", ans.State)
	}
	if ans.Notice == "" {
		t.Fatal("expected a notice explaining the citation failure")
	}
	if len(ans.Claims) != 0 {
		t.Fatalf("expected claims to be withheld, got %v", ans.Claims)
	}
}

func TestBuildAnswerOKWhenCitedAndNoConflicts(t *testing.T) {
	o := NewOrchestrator(Policy{RequireCitations: true})
	claims := []Claim{{Subject: "device", Value: "on", Text: "device is on", Citations: []Citation{{SpanID: "s1"}}}}
	ans := o.BuildAnswer(claims, map[string]bool{"s1": true})

	if ans.State != StateOK {
		t.Fatalf("state = %q, want ok", ans.State)
	}
	if len(ans.Conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %v", ans.Conflicts)
	}
}

func TestBuildAnswerPartialOnConflict(t *testing.T) {
	o := NewOrchestrator(Policy{RequireCitations: false})
	claims := []Claim{
		{Subject: "device", Value: "on", Text: "device is on", Citations: []Citation{{SpanID: "s1"}}},
		{Subject: "device", Value: "off", Text: "device is off", Citations: []Citation{{SpanID: "s2"}}},
	}
	ans := o.BuildAnswer(claims, map[string]bool{"s1": true, "s2": true})

	if ans.State != StatePartial {
		t.Fatalf("state = %q, want partial", ans.State)
	}
	if len(ans.Conflicts) != 1 {
		t.Fatalf("len(conflicts) = %d, want 1", len(ans.Conflicts))
	}
}
