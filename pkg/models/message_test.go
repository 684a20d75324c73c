package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMessage_Republished(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want bool
	}{
		{"no metadata", Message{}, false},
		{"marker true", Message{Metadata: map[string]any{MetadataKeyRepublished: true}}, true},
		{"marker false", Message{Metadata: map[string]any{MetadataKeyRepublished: false}}, false},
		{"marker wrong type", Message{Metadata: map[string]any{MetadataKeyRepublished: "yes"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.Republished())
		})
	}
}

func TestMessage_AddressedTo(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want bool
	}{
		{"broadcast", Message{Receiver: ReceiverBroadcast}, true},
		{"empty receiver", Message{}, true},
		{"direct", Message{Receiver: "worker"}, true},
		{"topic-addressed", Message{Topic: "ISSUE_OPENED", Receiver: "ISSUE_OPENED"}, true},
		{"other agent", Message{Receiver: "validator"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.AddressedTo("worker"))
		})
	}
}

func TestMessage_Time(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	msg := Message{Timestamp: now.UnixMilli()}
	assert.True(t, msg.Time().Equal(now))
}

func TestMessage_AsMap(t *testing.T) {
	msg := Message{
		ID:        "m1",
		Timestamp: 42,
		ClusterID: "c1",
		Topic:     "T",
		Sender:    "s",
		Receiver:  ReceiverBroadcast,
		Content:   Content{Text: "hello", Data: map[string]any{"k": "v"}},
		Metadata:  map[string]any{MetadataKeySource: SourceText},
	}
	m := msg.AsMap()
	assert.Equal(t, "m1", m["id"])
	assert.Equal(t, "T", m["topic"])
	content := m["content"].(map[string]any)
	assert.Equal(t, "hello", content["text"])
	assert.Equal(t, "v", content["data"].(map[string]any)["k"])
	assert.Equal(t, SourceText, m["metadata"].(map[string]any)[MetadataKeySource])

	bare := Message{ID: "m2", Topic: "T", Sender: "s", Receiver: "r"}
	m = bare.AsMap()
	assert.NotContains(t, m, "metadata")
	assert.Empty(t, m["content"].(map[string]any))
}

func TestContent_IsEmpty(t *testing.T) {
	assert.True(t, Content{}.IsEmpty())
	assert.False(t, Content{Text: "x"}.IsEmpty())
	assert.False(t, Content{Data: map[string]any{"k": 1}}.IsEmpty())
}

func TestClusterState_IsTerminal(t *testing.T) {
	assert.False(t, ClusterStateRunning.IsTerminal())
	assert.True(t, ClusterStateStopped.IsTerminal())
	assert.True(t, ClusterStateFailed.IsTerminal())
	assert.True(t, ClusterStateCompleted.IsTerminal())
}
