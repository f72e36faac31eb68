// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry wires slog, OpenTelemetry tracing and the governance
// metrics shared by the orchestration components.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys used on spans, metrics and log records.
const (
	AttrTraceID = "trace_id"
	AttrSpanID  = "span_id"

	AttrRunID    = "synod.run.id"
	AttrPhase    = "synod.phase"
	AttrTeam     = "synod.team"
	AttrTeamKind = "synod.team.kind"
	AttrActor    = "synod.actor"
	AttrScope    = "synod.scope"

	AttrTool     = "synod.tool.name"
	AttrRiskTier = "synod.tool.risk_tier"
	AttrDecision = "synod.decision"
	AttrReason   = "synod.reason"

	AttrEventType = "synod.event.type"
)

// PhaseAttributes describes a workflow phase execution.
func PhaseAttributes(runID, phase string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrRunID, runID),
		attribute.String(AttrPhase, phase),
	}
}

// TeamAttributes describes a single team run inside a phase.
func TeamAttributes(runID, phase, team string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrRunID, runID),
		attribute.String(AttrPhase, phase),
		attribute.String(AttrTeam, team),
	}
}

// ToolAttributes describes a tool execution attempt.
func ToolAttributes(tool, riskTier, actor string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrTool, tool),
		attribute.String(AttrRiskTier, riskTier),
		attribute.String(AttrActor, actor),
	}
}
