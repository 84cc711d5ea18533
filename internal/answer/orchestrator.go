package answer

// State is the top-level health of an answer, returned alongside claims
// so a caller never has to infer trustworthiness from claim count alone.
type State string

const (
	StateOK         State = "ok"
	StatePartial    State = "partial"
	StateNoEvidence State = "no_evidence"
	StateDegraded   State = "degraded"
	StateError      State = "error"
)

// Policy controls how strictly an answer must be grounded in evidence.
type Policy struct {
	RequireCitations bool `json:"require_citations"`
}

// Answer is the `answer` object returned by the query operation: claims
// with citations, any detected conflicts between them, the policy that
// was applied, and a human-readable notice when there is nothing (or
// nothing trustworthy) to show.
type Answer struct {
	State     State      `json:"state"`
	Claims    []Claim    `json:"claims"`
	Conflicts []Conflict `json:"conflicts"`
	Policy    Policy     `json:"policy"`
	Notice    string     `json:"notice,omitempty"`
}

// Orchestrator builds an Answer from extracted claims, enforcing the
// citation policy and flagging same-subject conflicts rather than
// silently picking one claim over another.
type Orchestrator struct {
	policy Policy
}

// NewOrchestrator returns an Orchestrator applying the given policy to
// every answer it builds.
func NewOrchestrator(policy Policy) *Orchestrator {
	return &Orchestrator{policy: policy}
}

// BuildAnswer verifies claims against spanIDs under the configured
// policy, detects conflicts among the surviving claims, and assembles the
// resulting Answer. An empty claims set, or a citation-policy violation,
// downgrades the answer to no_evidence with an explanatory notice rather
// than erroring the query out entirely — the caller still gets a
// well-formed response.
func (o *Orchestrator) BuildAnswer(claims []Claim, spanIDs map[string]bool) Answer {
	if len(claims) == 0 {
		return Answer{
			State:     StateNoEvidence,
			Claims:    []Claim{},
			Conflicts: []Conflict{},
			Policy:    o.policy,
			Notice:    "no claims could be extracted for this query",
		}
	}

	if o.policy.RequireCitations {
		if err := VerifyClaims(claims, spanIDs); err != nil {
			return Answer{
				State:     StateNoEvidence,
				Claims:    []Claim{},
				Conflicts: []Conflict{},
				Policy:    o.policy,
				Notice:    err.Error(),
			}
		}
	}

	conflicts := DetectConflicts(claims)
	state := StateOK
	if len(conflicts) > 0 {
		state = StatePartial
	}
	return Answer{
		State:     state,
		Claims:    claims,
		Conflicts: conflicts,
		Policy:    o.policy,
	}
}
