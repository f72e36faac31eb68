// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package hitl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jllopis/synod/pkg/errors"
	"github.com/jllopis/synod/pkg/resilience"
)

var errNoModal = errors.New(errors.CodeApprovalDenied, "no approval modal configured", nil)

// Request is what a modal is asked to decide on.
type Request struct {
	Op     string
	Reason string
	User   string
}

// Modal asks a human to approve a request.
type Modal interface {
	Approve(ctx context.Context, req Request) (bool, error)
}

// ModalFunc adapts a synchronous function to Modal.
type ModalFunc func(ctx context.Context, req Request) (bool, error)

// Approve calls f.
func (f ModalFunc) Approve(ctx context.Context, req Request) (bool, error) {
	return f(ctx, req)
}

// Decision is delivered by an AwaitModal.
type Decision struct {
	Approved bool
	Err      error
}

// AwaitModal adapts a function that answers later, through a channel, to
// Modal. Approve blocks until the decision arrives or ctx is done. A channel
// closed without a value counts as a denial.
type AwaitModal func(ctx context.Context, req Request) <-chan Decision

// Approve waits for the decision.
func (f AwaitModal) Approve(ctx context.Context, req Request) (bool, error) {
	ch := f(ctx, req)
	if ch == nil {
		return false, errNoModal
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case d, ok := <-ch:
		if !ok {
			return false, nil
		}
		return d.Approved, d.Err
	}
}

// StaticModal returns the same answer every time.
type StaticModal struct {
	Approved bool
}

// Approve returns m.Approved.
func (m StaticModal) Approve(context.Context, Request) (bool, error) {
	return m.Approved, nil
}

// WithTimeout bounds modal with d. A modal that does not answer in time is
// reported as a timeout error, which RequestApproval records as a denial.
func WithTimeout(modal Modal, d time.Duration) Modal {
	return ModalFunc(func(ctx context.Context, req Request) (bool, error) {
		return resilience.WithTimeoutResult(ctx, resilience.TimeoutConfig{Duration: d}, func(ctx context.Context) (bool, error) {
			return modal.Approve(ctx, req)
		})
	})
}

// ConsoleModal prompts for approval on a terminal.
type ConsoleModal struct {
	in     *bufio.Reader
	out    io.Writer
	prompt string
}

// ConsoleOption configures a ConsoleModal.
type ConsoleOption func(*ConsoleModal)

// NewConsoleModal creates a modal reading from stdin and writing to stdout.
func NewConsoleModal(opts ...ConsoleOption) *ConsoleModal {
	m := &ConsoleModal{
		in:     bufio.NewReader(os.Stdin),
		out:    os.Stdout,
		prompt: "Approve? [y/N]: ",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithInput sets the input reader.
func WithInput(r io.Reader) ConsoleOption {
	return func(m *ConsoleModal) {
		if r != nil {
			m.in = bufio.NewReader(r)
		}
	}
}

// WithOutput sets the output writer.
func WithOutput(w io.Writer) ConsoleOption {
	return func(m *ConsoleModal) {
		if w != nil {
			m.out = w
		}
	}
}

// WithPrompt sets the prompt string.
func WithPrompt(prompt string) ConsoleOption {
	return func(m *ConsoleModal) {
		if strings.TrimSpace(prompt) != "" {
			m.prompt = prompt
		}
	}
}

// Approve prints the request and reads one line. Only answers starting
// with "y" approve.
func (m *ConsoleModal) Approve(ctx context.Context, req Request) (bool, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "approval required"
	}
	_, _ = fmt.Fprintf(m.out, "\nApproval required for %q", req.Op)
	if req.User != "" {
		_, _ = fmt.Fprintf(m.out, " requested by %s", req.User)
	}
	_, _ = fmt.Fprintf(m.out, "\nReason: %s\n", reason)
	_, _ = fmt.Fprint(m.out, m.prompt)

	responseCh := make(chan string, 1)
	go func() {
		line, _ := m.in.ReadString('\n')
		responseCh <- line
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case line := <-responseCh:
		answer := strings.ToLower(strings.TrimSpace(line))
		return strings.HasPrefix(answer, "y"), nil
	}
}

// ModalFromConfig maps the hitl.modal setting to a modal: "approve" and
// "deny" are static, anything else prompts on the console.
func ModalFromConfig(name string) Modal {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "approve", "allow", "yes":
		return StaticModal{Approved: true}
	case "deny", "reject", "no":
		return StaticModal{Approved: false}
	default:
		return NewConsoleModal()
	}
}
