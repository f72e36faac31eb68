package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// BackendScripted names responses produced by Scripted.
const BackendScripted = "scripted"

// Scripted returns a pre-defined sequence of responses. When the script
// runs out it falls back to Fallback, or fails when there is none.
type Scripted struct {
	mu        sync.Mutex
	responses []string
	Err       error
	Fallback  func(req Request) string
	// Calls counts Generate invocations.
	Calls int
}

// NewScripted creates a scripted backend.
func NewScripted(responses ...string) *Scripted {
	return &Scripted{responses: responses}
}

// NewEcho returns a scripted backend that never runs out: every request is
// answered with a deterministic summary of its prompt.
func NewEcho() *Scripted {
	return &Scripted{Fallback: func(req Request) string {
		prompt := strings.Join(strings.Fields(req.Prompt), " ")
		if len(prompt) > 160 {
			prompt = prompt[:160]
		}
		return fmt.Sprintf("considered: %s", prompt)
	}}
}

// Generate pops the next scripted response or returns the configured error.
func (s *Scripted) Generate(_ context.Context, req Request) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++

	if s.Err != nil {
		return Response{}, s.Err
	}
	var content string
	switch {
	case len(s.responses) > 0:
		content = s.responses[0]
		s.responses = s.responses[1:]
	case s.Fallback != nil:
		content = s.Fallback(req)
	default:
		return Response{}, errors.New("scripted: no more responses available")
	}
	return Response{
		Content: content,
		Tokens:  len(strings.Fields(req.System)) + len(strings.Fields(req.Prompt)) + len(strings.Fields(content)),
		Backend: BackendScripted,
	}, nil
}

// Add appends a response to the queue.
func (s *Scripted) Add(response string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, response)
}
