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
	"fmt"

	"github.com/google/uuid"
)

// Message keys understood by MessagesReducer.
const (
	MessageKeyID      = "id"
	MessageKeyRole    = "role"
	MessageKeyContent = "content"
	MessageKeyType    = "type"

	// messageTypeRemove marks a removal instead of a message.
	messageTypeRemove = "remove"
)

// RemoveAllMessagesID is the id of a removal that clears the history.
const RemoveAllMessagesID = "__remove_all__"

// NewMessage returns a message with a fresh id.
func NewMessage(role, content string) map[string]any {
	return map[string]any{
		MessageKeyID:      uuid.NewString(),
		MessageKeyRole:    role,
		MessageKeyContent: content,
	}
}

// RemoveMessage returns a write that deletes the message with id.
func RemoveMessage(id string) map[string]any {
	return map[string]any{MessageKeyID: id, MessageKeyType: messageTypeRemove}
}

// RemoveAllMessages returns a write that drops every earlier message. The
// messages written after it in the same update are kept.
func RemoveAllMessages() map[string]any {
	return RemoveMessage(RemoveAllMessagesID)
}

// MessagesReducer merges message lists by id. An update may be one message
// or a list. Messages without an id get one. A message whose id is already
// present replaces it in place, others are appended. Removals delete by id
// and fail when the id is unknown.
func MessagesReducer(existing, update any) (any, error) {
	var left []map[string]any
	if existing != nil {
		list, ok := toList(existing)
		if !ok {
			return nil, fmt.Errorf("%w: messages in %T", ErrReducerInput, existing)
		}
		for _, item := range list {
			m, err := asMessage(item)
			if err != nil {
				return nil, err
			}
			left = append(left, m)
		}
	}
	items, ok := toList(update)
	if !ok {
		items = []any{update}
	}
	right := make([]map[string]any, 0, len(items))
	for _, item := range items {
		m, err := asMessage(item)
		if err != nil {
			return nil, err
		}
		right = append(right, m)
	}

	for i := len(right) - 1; i >= 0; i-- {
		if isRemoval(right[i]) && right[i][MessageKeyID] == RemoveAllMessagesID {
			left, right = nil, right[i+1:]
			break
		}
	}

	merged := make([]map[string]any, 0, len(left)+len(right))
	index := make(map[string]int, len(left)+len(right))
	for _, m := range left {
		if isRemoval(m) {
			continue
		}
		index[messageID(m)] = len(merged)
		merged = append(merged, m)
	}
	removed := make(map[string]bool)
	for _, m := range right {
		id := messageID(m)
		if isRemoval(m) {
			if _, ok := index[id]; !ok {
				return nil, fmt.Errorf("%w: remove unknown message %q", ErrReducerInput, id)
			}
			removed[id] = true
			continue
		}
		if i, ok := index[id]; ok {
			delete(removed, id)
			merged[i] = m
			continue
		}
		index[id] = len(merged)
		merged = append(merged, m)
	}

	out := make([]any, 0, len(merged))
	for _, m := range merged {
		if !removed[messageID(m)] {
			out = append(out, m)
		}
	}
	return out, nil
}

// asMessage copies a message and gives it an id when it has none.
func asMessage(v any) (map[string]any, error) {
	var src map[string]any
	switch m := v.(type) {
	case map[string]any:
		src = m
	case State:
		src = m
	default:
		return nil, fmt.Errorf("%w: message of type %T", ErrReducerInput, v)
	}
	out := make(map[string]any, len(src)+1)
	for k, val := range src {
		out[k] = val
	}
	if id, _ := out[MessageKeyID].(string); id == "" {
		out[MessageKeyID] = uuid.NewString()
	}
	return out, nil
}

func messageID(m map[string]any) string {
	id, _ := m[MessageKeyID].(string)
	return id
}

func isRemoval(m map[string]any) bool {
	t, _ := m[MessageKeyType].(string)
	return t == messageTypeRemove
}
