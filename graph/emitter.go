//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"time"
)

// Custom event types written by the EventEmitter helpers.
const (
	CustomEventProgress = "progress"
	CustomEventText     = "text"
)

// CustomEvent is the payload of a StreamModeCustom event.
type CustomEvent struct {
	EventType string  `json:"event_type"`
	Progress  float64 `json:"progress,omitempty"`
	Message   string  `json:"message,omitempty"`
	Payload   any     `json:"payload,omitempty"`
}

// EventEmitter lets node bodies publish events to the run stream. Emitting
// never blocks: events are dropped when the stream buffer is full.
type EventEmitter interface {
	// EmitMessage sends a message chunk, such as a model token, on the
	// messages stream.
	EmitMessage(chunk any) error

	// EmitCustom sends a payload on the custom stream.
	EmitCustom(eventType string, payload any) error

	// EmitProgress sends a progress update clamped to [0, 100].
	EmitProgress(progress float64, message string) error

	// EmitText sends intermediate text on the custom stream.
	EmitText(text string) error
}

type eventEmitter struct {
	sink      eventSink
	nodeID    string
	namespace string
	step      int
}

func newEventEmitter(sink eventSink, nodeID, namespace string, step int) EventEmitter {
	if sink == nil {
		return noopEmitter{}
	}
	if _, ok := sink.(noopSink); ok {
		return noopEmitter{}
	}
	return &eventEmitter{sink: sink, nodeID: nodeID, namespace: namespace, step: step}
}

func (e *eventEmitter) send(mode StreamMode, payload any) error {
	e.sink.emit(&StreamEvent{
		Mode:      mode,
		Step:      e.step,
		Node:      e.nodeID,
		Namespace: e.namespace,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	return nil
}

// EmitMessage implements EventEmitter.
func (e *eventEmitter) EmitMessage(chunk any) error {
	return e.send(StreamModeMessages, chunk)
}

// EmitCustom implements EventEmitter.
func (e *eventEmitter) EmitCustom(eventType string, payload any) error {
	return e.send(StreamModeCustom, CustomEvent{EventType: eventType, Payload: payload})
}

// EmitProgress implements EventEmitter.
func (e *eventEmitter) EmitProgress(progress float64, message string) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	return e.send(StreamModeCustom, CustomEvent{
		EventType: CustomEventProgress,
		Progress:  progress,
		Message:   message,
	})
}

// EmitText implements EventEmitter.
func (e *eventEmitter) EmitText(text string) error {
	return e.send(StreamModeCustom, CustomEvent{EventType: CustomEventText, Message: text})
}

// noopEmitter ignores every call. Nodes get it outside streaming runs.
type noopEmitter struct{}

func (noopEmitter) EmitMessage(any) error              { return nil }
func (noopEmitter) EmitCustom(string, any) error       { return nil }
func (noopEmitter) EmitProgress(float64, string) error { return nil }
func (noopEmitter) EmitText(string) error              { return nil }

// GetEventEmitter returns the emitter of the running node, or a no-op
// emitter when ctx does not belong to a node invocation.
func GetEventEmitter(ctx context.Context) EventEmitter {
	rt, ok := RuntimeFromContext(ctx)
	if !ok || rt.emitter == nil {
		return noopEmitter{}
	}
	return rt.emitter
}
