package goal

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Proposal is the document the hub writes to proposals_dir when a
// contemplating cycle (spec.md §4.7) produces candidate goals instead of
// submitting them directly. No ecosystem XML library appears anywhere in
// the pack's dependency surface, so this stays on encoding/xml — see
// DESIGN.md.
type Proposal struct {
	XMLName     xml.Name       `xml:"proposal"`
	ID          string         `xml:"id,attr"`
	GeneratedAt int64          `xml:"generated_at,attr"`
	Summary     string         `xml:"summary"`
	Candidates  []ProposedGoal `xml:"candidate_goal"`
}

// ProposedGoal is one candidate goal surfaced by a contemplating cycle,
// pending an operator or a subsequent autonomous submission.
type ProposedGoal struct {
	Title           string `xml:"title"`
	Description     string `xml:"description"`
	SuccessCriteria string `xml:"success_criteria"`
	Rationale       string `xml:"rationale"`
}

// WriteProposal renders p and writes it to dir/<id>.xml, creating dir if
// necessary.
func WriteProposal(dir string, p Proposal) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create proposals dir: %w", err)
	}
	data, err := xml.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode proposal %s: %w", p.ID, err)
	}
	path := filepath.Join(dir, p.ID+".xml")
	if err := os.WriteFile(path, append([]byte(xml.Header), data...), 0o644); err != nil {
		return "", fmt.Errorf("write proposal %s: %w", p.ID, err)
	}
	return path, nil
}

// ReadProposal round-trips a previously written proposal document back into
// memory — AgentCom requires only round-trip stability of this format, not
// a stable on-disk schema across versions (spec.md §6).
func ReadProposal(path string) (Proposal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Proposal{}, fmt.Errorf("read proposal %s: %w", path, err)
	}
	var p Proposal
	if err := xml.Unmarshal(data, &p); err != nil {
		return Proposal{}, fmt.Errorf("decode proposal %s: %w", path, err)
	}
	return p, nil
}

// NewProposalID derives a stable, filesystem-safe proposal id from the hub
// clock at contemplation time.
func NewProposalID(at time.Time) string {
	return fmt.Sprintf("proposal-%d", at.UnixMilli())
}
