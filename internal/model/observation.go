package model

import "time"

// SourceInternalScan identifies observations synthesized from stored entities
// during a duplicate scan.
const SourceInternalScan = "internal-duplicate-scan"

// Observation is one inbound fact set about a real-world person or company
// from one source at one point in time. It is evidence and is never mutated
// after ingestion.
type Observation struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	Source      string            `json:"source"`
	Tier        TrustTier         `json:"tier"`
	Raw         map[string]string `json:"raw"`
	RetrievedAt time.Time         `json:"retrieved_at"`
}

// FieldProvenance carries the original confidence and verified flag of a
// value that is being re-observed, e.g. a subordinate entity's field during a
// duplicate merge.
type FieldProvenance struct {
	Confidence int  `json:"confidence"`
	Verified   bool `json:"verified"`
}

// Normalized is an Observation after canonicalization. Missing or malformed
// attributes are absent from Fields.
type Normalized struct {
	ObservationID      string                       `json:"observation_id"`
	TenantID           string                       `json:"tenant_id"`
	Source             string                       `json:"source"`
	Tier               TrustTier                    `json:"tier"`
	Fields             map[FieldKey]string          `json:"fields"`
	Tags               []string                     `json:"tags,omitempty"`
	LowConfidencePhone bool                         `json:"low_confidence_phone,omitempty"`
	Provenance         map[FieldKey]FieldProvenance `json:"provenance,omitempty"`
	Country            string                       `json:"country,omitempty"`
}

// Get returns the normalized value for k, or "".
func (n *Normalized) Get(k FieldKey) string {
	if n.Fields == nil {
		return ""
	}
	return n.Fields[k]
}

// Emails returns the distinct normalized email values in field order.
func (n *Normalized) Emails() []string {
	var out []string
	seen := map[string]bool{}
	for _, k := range EmailFields {
		if v := n.Get(k); v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// Empty reports whether the observation lacks every identifying field: no
// email, no LinkedIn URL and no name.
func (n *Normalized) Empty() bool {
	if len(n.Emails()) > 0 {
		return false
	}
	if n.Get(FieldLinkedInURL) != "" {
		return false
	}
	return n.Get(FieldFullName) == "" && n.Get(FieldFirstName) == "" && n.Get(FieldLastName) == ""
}

// Ambiguous reports whether the normalizer flagged any value as uncertain.
func (n *Normalized) Ambiguous() bool {
	return n.LowConfidencePhone
}
