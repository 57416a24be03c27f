//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

import "strings"

// Reserved node names.
const (
	// Start is the virtual node whose edges select the first active nodes.
	Start = "__start__"
	// End is the virtual node that terminates a run.
	End = "__end__"
)

// Reserved channels used in pending writes. They never reach a snapshot.
const (
	// ChannelInterrupt records an interrupted task and its payload.
	ChannelInterrupt = "__interrupt__"
	// ChannelError records a failed or cancelled task.
	ChannelError = "__error__"
	// ChannelRoute records that a task completed and how it routes.
	ChannelRoute = "__route__"
)

// Metadata tag keys written by the scheduler.
const (
	TagInterrupt      = "interrupt"
	TagError          = "error"
	TagStatus         = "status"
	TagReason         = "reason"
	TagResumeAction   = "resume_action"
	TagBaseCheckpoint = "base_checkpoint_id"
	TagUpdatedKeys    = "updated_keys"
)

// Tag values.
const (
	InterruptPhaseBefore   = "before"
	InterruptPhaseAfter    = "after"
	InterruptPhaseInline   = "inline"
	InterruptPhaseExternal = "external"

	StatusFailed        = "failed"
	ReasonUserCancelled = "user_cancelled"
)

// NamespaceSeparator joins parent and child checkpoint namespaces.
const NamespaceSeparator = "|"

func isReservedName(name string) bool {
	return strings.HasPrefix(name, Start) || strings.HasPrefix(name, End)
}

// joinPrefix starts the names of the barrier channels behind join edges.
const joinPrefix = "__join__:"

func isReservedChannel(name string) bool {
	return name == ChannelInterrupt || name == ChannelError || name == ChannelRoute || isJoinChannel(name)
}

func isJoinChannel(name string) bool {
	return strings.HasPrefix(name, joinPrefix)
}

// publicValues returns a copy of values without the join barriers.
func publicValues(values State) State {
	out := values.Clone()
	for k := range out {
		if isJoinChannel(k) {
			delete(out, k)
		}
	}
	return out
}

func publicVersions(versions map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(versions))
	for k, v := range versions {
		if !isJoinChannel(k) {
			out[k] = v
		}
	}
	return out
}

func childNamespace(parent, node string) string {
	if parent == "" {
		return node
	}
	return parent + NamespaceSeparator + node
}
