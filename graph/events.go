//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

import "time"

// StreamMode selects a kind of stream event.
type StreamMode string

// Stream modes.
const (
	// StreamModeValues emits the full snapshot after every checkpoint.
	StreamModeValues StreamMode = "values"
	// StreamModeUpdates emits the writes of every node.
	StreamModeUpdates StreamMode = "updates"
	// StreamModeMessages emits message chunks written by node bodies.
	StreamModeMessages StreamMode = "messages"
	// StreamModeCustom emits arbitrary payloads written by node bodies.
	StreamModeCustom StreamMode = "custom"
	// StreamModeDebug emits task and checkpoint events.
	StreamModeDebug StreamMode = "debug"
	// StreamModeResult carries the outcome of the run. It is always the last
	// event of a stream and is never dropped.
	StreamModeResult StreamMode = "result"
)

// AllStreamModes lists every selectable mode.
var AllStreamModes = []StreamMode{
	StreamModeValues, StreamModeUpdates, StreamModeMessages, StreamModeCustom, StreamModeDebug,
}

// bulk reports whether events of the mode are dropped first under pressure.
func (m StreamMode) bulk() bool {
	switch m {
	case StreamModeValues, StreamModeUpdates, StreamModeDebug:
		return true
	}
	return false
}

// StreamEvent is one item of a run stream.
type StreamEvent struct {
	Mode      StreamMode
	Step      int
	Node      string
	Channel   string
	Namespace string
	Payload   any
	Timestamp time.Time

	// Result and Err are set on the StreamModeResult event only.
	Result *Result
	Err    error
}

// Debug event types carried in StreamModeDebug payloads.
const (
	DebugTypeTask       = "task"
	DebugTypeTaskResult = "task_result"
	DebugTypeCheckpoint = "checkpoint"
)

// DebugPayload is the payload of a debug event.
type DebugPayload struct {
	Type         string
	TaskID       string
	Attempt      int
	Error        string
	CheckpointID string
	Source       CheckpointSource
	Next         []string
}
