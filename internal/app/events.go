package app

import (
	"encoding/json"
	"log"

	"relay/api/internal/store"
)

// RequestKind names an inbound request. Each kind has exactly one handler.
type RequestKind string

const (
	KindSubscribe       RequestKind = "subscribe"
	KindUnsubscribe     RequestKind = "unsubscribe"
	KindCreateWorkspace RequestKind = "create-workspace"
	KindDeleteWorkspace RequestKind = "delete-workspace"
	KindCreateDocument  RequestKind = "create-document"
	KindDeleteDocument  RequestKind = "delete-document"
	KindOpenDocument    RequestKind = "open-document"
	KindCreateEntry     RequestKind = "create-entry"
	KindDeleteEntry     RequestKind = "delete-entry"
	KindChangeEntry     RequestKind = "change-entry"
	KindMoveEntry       RequestKind = "move-entry"
	KindPatch           RequestKind = "patch"
)

var RequestKinds = []RequestKind{
	KindSubscribe,
	KindUnsubscribe,
	KindCreateWorkspace,
	KindDeleteWorkspace,
	KindCreateDocument,
	KindDeleteDocument,
	KindOpenDocument,
	KindCreateEntry,
	KindDeleteEntry,
	KindChangeEntry,
	KindMoveEntry,
	KindPatch,
}

// Outbound event names.
const (
	EventWorkspaces       = "workspaces"
	EventDocuments        = "documents"
	EventEntries          = "entries"
	EventPatch            = "patch"
	EventMessage          = "message"
	EventWorkspaceDeleted = "workspace-deleted"
	EventAck              = "ack"
)

type workspaceRequest struct {
	WorkspaceID string `json:"workspaceId"`
}

type documentRequest struct {
	WorkspaceID string `json:"workspaceId"`
	DocumentID  string `json:"documentId"`
}

type entryRequest struct {
	WorkspaceID string          `json:"workspaceId"`
	DocumentID  string          `json:"documentId"`
	EntryID     string          `json:"entryId"`
	Entry       *store.Entry    `json:"entry"`
	Direction   store.Direction `json:"direction"`
	MutationID  string          `json:"mutationId"`
}

type patchRequest struct {
	WorkspaceID string `json:"workspaceId"`
	PatchID     string `json:"patchId"`
}

type documentsPayload struct {
	WorkspaceID string   `json:"workspaceId"`
	Documents   []string `json:"documents"`
}

type entriesPayload struct {
	WorkspaceID string        `json:"workspaceId"`
	DocumentID  string        `json:"documentId"`
	Entries     []store.Entry `json:"entries"`
}

type workspaceDeletedPayload struct {
	WorkspaceID string `json:"workspaceId"`
}

// inboundFrame is what a socket client sends. AckID is echoed on the ack when present.
type inboundFrame struct {
	Event RequestKind     `json:"event"`
	AckID *int64          `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data"`
}

type outboundFrame struct {
	Event string `json:"event"`
	AckID *int64 `json:"ackId,omitempty"`
	Data  any    `json:"data"`
}

func encodeFrame(event string, data any) []byte {
	return encodeOutbound(outboundFrame{Event: event, Data: data})
}

func encodeAck(ackID *int64, ack AckResult) []byte {
	return encodeOutbound(outboundFrame{Event: EventAck, AckID: ackID, Data: ack})
}

func encodeOutbound(frame outboundFrame) []byte {
	buf, err := json.Marshal(frame)
	if err != nil {
		log.Printf("encode %s frame: %v", frame.Event, err)
		return nil
	}
	return buf
}
