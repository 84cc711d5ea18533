package answer

import "sort"

// Conflict reports that two or more claims disagree on the value of the
// same subject within the answer (e.g. two OCR extractions of a window
// title taken moments apart).
type Conflict struct {
	Subject string   `json:"subject"`
	Values  []string `json:"values"`
}

// DetectConflicts groups claims by subject and reports every subject with
// more than one distinct value, values sorted for a deterministic report.
func DetectConflicts(claims []Claim) []Conflict {
	grouped := make(map[string]map[string]bool)
	var subjectOrder []string
	for _, claim := range claims {
		if claim.Subject == "" || claim.Value == "" {
			continue
		}
		values, ok := grouped[claim.Subject]
		if !ok {
			values = make(map[string]bool)
			grouped[claim.Subject] = values
			subjectOrder = append(subjectOrder, claim.Subject)
		}
		values[claim.Value] = true
	}

	var conflicts []Conflict
	for _, subject := range subjectOrder {
		values := grouped[subject]
		if len(values) <= 1 {
			continue
		}
		vals := make([]string, 0, len(values))
		for v := range values {
			vals = append(vals, v)
		}
		sort.Strings(vals)
		conflicts = append(conflicts, Conflict{Subject: subject, Values: vals})
	}
	return conflicts
}
