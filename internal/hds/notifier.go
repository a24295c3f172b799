package hds

import (
	"sort"

	"quilt-bridge/internal/protowire"
)

// Subscribe request types, in the app's enum order.
const (
	SubscribeAppend = 0
	SubscribeRemove = 1
)

// EncodeSubscribeRequest builds a NotifierService.Subscribe request:
// repeated 1: topic (string), 2: type (enum). Topics are sorted so the
// encoding is deterministic.
func EncodeSubscribeRequest(reqType int, topics []string) []byte {
	sorted := make([]string, len(topics))
	copy(sorted, topics)
	sort.Strings(sorted)

	var msg []byte
	for _, topic := range sorted {
		msg = protowire.AppendString(msg, 1, topic)
	}
	msg = protowire.AppendVarint(msg, 2, uint64(reqType))
	return msg
}

// PublishEvent is one event for NotifierService.Publish. A nil payload is
// omitted, which is how client heartbeats are sent.
type PublishEvent struct {
	Topic   string
	Payload []byte
}

// EncodePublishRequest builds a NotifierService.Publish request:
// repeated 1: event { 1: topic, 2: payload }.
func EncodePublishRequest(events []PublishEvent) []byte {
	var msg []byte
	for _, ev := range events {
		var inner []byte
		inner = protowire.AppendString(inner, 1, ev.Topic)
		if ev.Payload != nil {
			inner = protowire.AppendBytes(inner, 2, ev.Payload)
		}
		msg = protowire.AppendBytes(msg, 1, inner)
	}
	return msg
}

// HeartbeatTopic returns the client heartbeat topic for a system.
func HeartbeatTopic(systemID string) string {
	return "system/" + systemID + "/client_heartbeat"
}

// ShouldRefresh reports whether a SubscribeResponse payload carries actual
// notifier or system events. The first response on a fresh stream is an
// empty event and must not trigger a refresh. Undecodable payloads count
// as refresh-worthy.
func ShouldRefresh(payload []byte) bool {
	top, err := protowire.Decode(payload)
	if err != nil {
		return true
	}
	event := protowire.First(top, 1, protowire.TypeBytes)
	if event == nil || len(event.Bytes) == 0 {
		return false
	}

	eventMsg, err := protowire.Decode(event.Bytes)
	if err != nil {
		return true
	}
	if len(protowire.All(eventMsg, 1, protowire.TypeBytes)) > 0 {
		return true
	}
	if len(protowire.All(eventMsg, 3, protowire.TypeBytes)) > 0 {
		return true
	}
	return false
}
