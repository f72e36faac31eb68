package eventbus

// Lifecycle event types published by synod components.
const (
	TypeTeamSpawned   = "team.spawned"
	TypeTeamPaused    = "team.paused"
	TypeTeamRestarted = "team.restarted"
	TypeTeamMerged    = "team.merged"
	TypeTeamPruned    = "team.pruned"
	TypeTeamRestored  = "team.restored"
	TypeTeamDegraded  = "team.degraded"

	TypePhaseStarted   = "orchestrator.phase_started"
	TypePhaseCompleted = "orchestrator.phase_completed"
	TypePhaseSkipped   = "orchestrator.phase_skipped"
	TypeRunHalted      = "orchestrator.halted"
	TypeRunCompleted   = "orchestrator.completed"
	TypePruneSuggested = "orchestrator.prune_suggested"
	TypeFindings       = "orchestrator.findings"

	TypeToolExecuted      = "tool.executed"
	TypeToolDenied        = "tool.denied"
	TypeApprovalRequested = "hitl.approval_requested"
	TypeApprovalDecided   = "hitl.approval_decided"

	TypePathRecorded = "memory.path_recorded"
)
