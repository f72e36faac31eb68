package team

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Output is what a team run produces. Well-known keys: text, score,
// quality, cost, verdict, citations, degraded, error.
type Output map[string]any

// Text returns the text of the output.
func (o Output) Text() string {
	for _, key := range []string{"text", "content", "output"} {
		if s, ok := o[key].(string); ok {
			return s
		}
	}
	return ""
}

// Verdict returns the critic verdict carried by the output.
func (o Output) Verdict() (Verdict, bool) {
	switch v := o["verdict"].(type) {
	case Verdict:
		return v, true
	case *Verdict:
		if v != nil {
			return *v, true
		}
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return Verdict{}, false
		}
		var out Verdict
		if err := json.Unmarshal(data, &out); err != nil {
			return Verdict{}, false
		}
		return out, true
	}
	return Verdict{}, false
}

// Degraded reports whether the output stands in for a failed run.
func (o Output) Degraded() bool {
	d, _ := o["degraded"].(bool)
	return d
}

// Merged reports whether the output is the short-circuit of a merged team.
func (o Output) Merged() bool {
	m, _ := o["merged"].(bool)
	return m
}

// Number returns the first numeric value among keys.
func (o Output) Number(keys ...string) (float64, bool) {
	for _, key := range keys {
		switch n := o[key].(type) {
		case float64:
			return n, true
		case float32:
			return float64(n), true
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// DegradedOutput stands in for a team whose run failed.
func DegradedOutput(teamID string, err error) Output {
	return Output{
		"team":     teamID,
		"degraded": true,
		"error":    err.Error(),
		"text":     fmt.Sprintf("[degraded] %s could not complete: %v", teamID, err),
	}
}

// MergedOutput is returned instead of running a merged team.
func MergedOutput(teamID string) Output {
	return Output{"team": teamID, "merged": true, "text": ""}
}

// SkippedOutput records a scheduling slot the team did not run in.
func SkippedOutput(teamID, reason string) Output {
	return Output{"team": teamID, "skipped": true, "reason": reason, "text": ""}
}

// Skipped reports whether the team was not scheduled.
func (o Output) Skipped() bool {
	s, _ := o["skipped"].(bool)
	return s
}

var (
	scoreLine  = regexp.MustCompile(`(?im)^\s*(?:score|quality)\s*[:=]\s*([0-9]*\.?[0-9]+)`)
	riskLine   = regexp.MustCompile(`(?im)^\s*risk\s*[:=]\s*([0-9]*\.?[0-9]+)`)
	fixLine    = regexp.MustCompile(`(?im)^\s*(?:fix|-\s*fix)\s*[:=]\s*(.+)$`)
	approvedRe = regexp.MustCompile(`(?im)^\s*approved\s*[:=]\s*(\w+)`)
)

// parseScore reads a "score: 0.7" line. Values above 1 are read as
// percentages.
func parseScore(text string) (float64, bool) {
	m := scoreLine.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	if f > 1 {
		f /= 100
	}
	return clamp01(f), true
}

// parseVerdict reads a critic answer. A JSON object with the verdict fields
// wins; otherwise "approved:", "fix:" and "risk:" lines are read, and a
// review that says it rejects is not approved.
func parseVerdict(text string) Verdict {
	if v, ok := jsonVerdict(text); ok {
		return v
	}
	v := Verdict{Approved: true, Notes: strings.TrimSpace(text)}
	if m := approvedRe.FindStringSubmatch(text); m != nil {
		switch strings.ToLower(m[1]) {
		case "no", "false", "rejected", "n":
			v.Approved = false
		}
	} else {
		lower := strings.ToLower(text)
		if strings.Contains(lower, "reject") || strings.Contains(lower, "not approved") {
			v.Approved = false
		}
	}
	for _, m := range fixLine.FindAllStringSubmatch(text, -1) {
		if fix := strings.TrimSpace(m[1]); fix != "" {
			v.Fixes = append(v.Fixes, fix)
		}
	}
	if m := riskLine.FindStringSubmatch(text); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			v.Risk = clamp01(f)
		}
	}
	return v
}

func jsonVerdict(text string) (Verdict, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Verdict{}, false
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return Verdict{}, false
	}
	if _, ok := raw["approved"]; !ok {
		return Verdict{}, false
	}
	var v Verdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return Verdict{}, false
	}
	v.Risk = clamp01(v.Risk)
	return v, true
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
