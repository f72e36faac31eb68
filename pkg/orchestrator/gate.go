package orchestrator

import (
	"strings"

	"github.com/jllopis/synod/pkg/team"
)

// MergeVerdicts is the critic gate: approval is the AND of every verdict,
// fixes are the ordered union without duplicates, risk is the maximum and
// notes are joined. With no verdicts at all nothing is approved.
func MergeVerdicts(verdicts ...team.Verdict) team.Verdict {
	if len(verdicts) == 0 {
		return team.Verdict{Approved: false, Risk: 1, Notes: "no critic verdicts"}
	}
	merged := team.Verdict{Approved: true}
	seen := make(map[string]bool)
	var notes []string
	for _, v := range verdicts {
		merged.Approved = merged.Approved && v.Approved
		for _, fix := range v.Fixes {
			key := strings.TrimSpace(fix)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			merged.Fixes = append(merged.Fixes, key)
		}
		if v.Risk > merged.Risk {
			merged.Risk = v.Risk
		}
		if n := strings.TrimSpace(v.Notes); n != "" {
			notes = append(notes, n)
		}
	}
	merged.Notes = strings.Join(notes, "\n")
	return merged
}

// Judge is the oracle: it picks the winner between candidate outputs by an
// explicit score, then quality, then text length. Ties go to the earlier
// candidate. Degraded, skipped and merged outputs only win when nothing else
// ran. It returns -1 when there are no candidates.
func Judge(outputs ...team.Output) int {
	best := -1
	for i, out := range outputs {
		if best < 0 {
			best = i
			continue
		}
		if better(out, outputs[best]) {
			best = i
		}
	}
	return best
}

func better(a, b team.Output) bool {
	if ra, rb := ranOK(a), ranOK(b); ra != rb {
		return ra
	}
	sa, okA := a.Number("score")
	sb, okB := b.Number("score")
	if okA && okB && sa != sb {
		return sa > sb
	}
	if okA != okB {
		return okA
	}
	qa, okA := a.Number("quality")
	qb, okB := b.Number("quality")
	if okA && okB && qa != qb {
		return qa > qb
	}
	if okA != okB {
		return okA
	}
	return len(a.Text()) > len(b.Text())
}

func ranOK(o team.Output) bool {
	return o != nil && !o.Degraded() && !o.Skipped() && !o.Merged()
}
