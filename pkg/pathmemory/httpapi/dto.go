package httpapi

import "github.com/jllopis/synod/pkg/pathmemory"

// MetricsBody mirrors pathmemory.Metrics on the wire.
type MetricsBody struct {
	Novelty float64 `json:"novelty,omitempty"`
	Growth  float64 `json:"growth,omitempty"`
	Cost    float64 `json:"cost,omitempty"`
}

// OutcomeBody mirrors pathmemory.Outcome on the wire.
type OutcomeBody struct {
	Result string  `json:"result,omitempty" enum:"pass,fail"`
	Score  float64 `json:"score,omitempty"`
}

// SignatureBody is the PathSignature JSON document.
type SignatureBody struct {
	Hash         string      `json:"hash,omitempty" doc:"Ignored on record; recomputed by the server"`
	Steps        []string    `json:"steps" example:"[\"test_defenses\"]"`
	ToolsUsed    []string    `json:"tools_used,omitempty"`
	KeyDecisions []string    `json:"key_decisions,omitempty"`
	Metrics      MetricsBody `json:"metrics,omitempty"`
	Outcome      OutcomeBody `json:"outcome,omitempty"`
	Scope        string      `json:"scope,omitempty"`
	Citations    []string    `json:"citations,omitempty"`
}

// RecordRequest is the body of POST /paths/record.
type RecordRequest struct {
	Actor     string        `json:"actor,omitempty" doc:"Must match the authenticated principal when set"`
	Target    string        `json:"target" example:"project"`
	Kind      string        `json:"kind" enum:"positive,negative,local"`
	Signature SignatureBody `json:"signature"`
}

// QueryRequest is the body of POST /paths/query.
type QueryRequest struct {
	Actor     string        `json:"actor,omitempty"`
	Target    string        `json:"target" example:"project"`
	Kind      string        `json:"kind" enum:"positive,negative,local"`
	Signature SignatureBody `json:"signature"`
	Threshold float64       `json:"threshold,omitempty" minimum:"0" maximum:"1"`
}

// MatchBody is one query hit.
type MatchBody struct {
	Similarity float64       `json:"similarity"`
	Signature  SignatureBody `json:"signature"`
}

// QueryResponse is the body returned by POST /paths/query.
type QueryResponse struct {
	Matches []MatchBody `json:"matches"`
}

// PutValueRequest is the body of POST /{principal}/{scope}.
type PutValueRequest struct {
	Key   string `json:"key" minLength:"1"`
	Value string `json:"value"`
}

// ValueResponse is returned by GET /{principal}/{scope}/{key}.
type ValueResponse struct {
	Principal string `json:"principal"`
	Scope     string `json:"scope"`
	Key       string `json:"key"`
	Value     string `json:"value"`
}

// HashResponse is returned by GET /{principal}/{scope}/hash.
type HashResponse struct {
	Principal string `json:"principal"`
	Scope     string `json:"scope"`
	Hash      string `json:"hash"`
}

// ToSignature converts the wire form to the domain type.
func (b SignatureBody) ToSignature() pathmemory.Signature {
	return pathmemory.Signature{
		Hash:         b.Hash,
		Steps:        b.Steps,
		ToolsUsed:    b.ToolsUsed,
		KeyDecisions: b.KeyDecisions,
		Metrics: pathmemory.Metrics{
			Novelty: b.Metrics.Novelty,
			Growth:  b.Metrics.Growth,
			Cost:    b.Metrics.Cost,
		},
		Outcome: pathmemory.Outcome{
			Result: pathmemory.Result(b.Outcome.Result),
			Score:  b.Outcome.Score,
		},
		Scope:     b.Scope,
		Citations: b.Citations,
	}
}

// FromSignature converts a domain signature to its wire form.
func FromSignature(s pathmemory.Signature) SignatureBody {
	steps := s.Steps
	if steps == nil {
		steps = []string{}
	}
	return SignatureBody{
		Hash:         s.Hash,
		Steps:        steps,
		ToolsUsed:    s.ToolsUsed,
		KeyDecisions: s.KeyDecisions,
		Metrics:      MetricsBody{Novelty: s.Metrics.Novelty, Growth: s.Metrics.Growth, Cost: s.Metrics.Cost},
		Outcome:      OutcomeBody{Result: string(s.Outcome.Result), Score: s.Outcome.Score},
		Scope:        s.Scope,
		Citations:    s.Citations,
	}
}
