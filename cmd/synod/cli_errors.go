// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements the synod CLI.
package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jllopis/synod/pkg/errors"
)

// CLIError wraps SynodError with a hint for the operator.
type CLIError struct {
	*errors.SynodError
	Hint string
}

func (e *CLIError) Error() string {
	if e.SynodError == nil {
		return "unknown error"
	}
	msg := e.SynodError.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// explain attaches a hint derived from the error code.
func explain(err error) *CLIError {
	se := errors.AsSynodError(err)
	hint := ""
	switch se.Code {
	case errors.CodeUnauthorized:
		hint = "check the --user role in security.roles or the actor scope"
	case errors.CodeApprovalDenied:
		hint = "the operation needs a human approval; set hitl.modal or approve at the prompt"
	case errors.CodeGuardrail:
		hint = "retry with different parameters (another team, round or --override)"
	case errors.CodeNotFound:
		hint = "check the id; run 'synod audit list' to find recent runs"
	case errors.CodeInvalidInput:
		hint = "run 'synod help' for usage information"
	case errors.CodeStorage:
		hint = "check the memory and audit paths in your configuration"
	case errors.CodeTimeout:
		hint = "the operation timed out; try again or raise the timeout"
	}
	return &CLIError{SynodError: se, Hint: hint}
}

// printError writes err to w as text or as a JSON envelope.
func printError(w io.Writer, err error, asJSON bool) {
	e := explain(err)
	if asJSON {
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{
			"code":    e.Code,
			"message": e.Message,
			"cause":   causeOf(e.SynodError),
			"hint":    e.Hint,
		}})
		return
	}
	fmt.Fprintf(w, "Error [%s]: %s\n", formatCode(e.Code), e.SynodError.Error())
	if e.Hint != "" {
		fmt.Fprintf(w, "  Hint: %s\n", e.Hint)
	}
}

func causeOf(se *errors.SynodError) string {
	if se.Err == nil {
		return ""
	}
	return se.Err.Error()
}

func formatCode(code errors.ErrorCode) string {
	switch code {
	case errors.CodeInternal:
		return "Internal Error"
	case errors.CodeInvalidInput:
		return "Invalid Input"
	case errors.CodeNotFound:
		return "Not Found"
	case errors.CodeUnauthorized:
		return "Unauthorized"
	case errors.CodeApprovalDenied:
		return "Approval Denied"
	case errors.CodeGuardrail:
		return "Guardrail"
	case errors.CodeTeamExecution:
		return "Team Failure"
	case errors.CodeStorage:
		return "Storage Error"
	case errors.CodeTimeout:
		return "Timeout"
	default:
		return string(code)
	}
}
