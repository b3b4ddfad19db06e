package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"relay/api/internal/config"
	"relay/api/internal/dedup"
	"relay/api/internal/room"
	"relay/api/internal/store"
	"relay/api/internal/util"
)

const dedupTimeout = 2 * time.Second

// Transport delivers encoded frames to live connections. Implementations must
// not block: a frame for an unknown or departed connection is dropped.
type Transport interface {
	SendTo(connID string, frame []byte)
	BroadcastAll(frame []byte)
}

type nopTransport struct{}

func (nopTransport) SendTo(string, []byte) {}
func (nopTransport) BroadcastAll([]byte)   {}

// Service owns the workspace tree, room memberships and the dedup window.
// Every operation runs to completion under a single lock, so no request can
// observe another request's partial mutation.
type Service struct {
	cfg config.Config

	mu        sync.Mutex
	store     *store.MemoryStore
	rooms     *room.Registry
	dedup     dedup.Cache
	transport Transport
}

func New(cfg config.Config, cache dedup.Cache) *Service {
	if cache == nil {
		cache = dedup.NewMemoryCache(cfg.DedupCapacity)
	}
	return &Service{
		cfg:       cfg,
		store:     store.NewMemoryStore(),
		rooms:     room.NewRegistry(),
		dedup:     cache,
		transport: nopTransport{},
	}
}

func (s *Service) setTransport(transport Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = transport
}

type request struct {
	ConnID  string
	Payload json.RawMessage
}

type handler func(s *Service, ctx context.Context, req request) (string, error)

var handlers = map[RequestKind]handler{
	KindSubscribe:       (*Service).subscribe,
	KindUnsubscribe:     (*Service).unsubscribe,
	KindCreateWorkspace: (*Service).createWorkspace,
	KindDeleteWorkspace: (*Service).deleteWorkspace,
	KindCreateDocument:  (*Service).createDocument,
	KindDeleteDocument:  (*Service).deleteDocument,
	KindOpenDocument:    (*Service).openDocument,
	KindCreateEntry:     (*Service).createEntry,
	KindDeleteEntry:     (*Service).deleteEntry,
	KindChangeEntry:     (*Service).changeEntry,
	KindMoveEntry:       (*Service).moveEntry,
	KindPatch:           (*Service).patch,
}

// Handle validates and applies one request from connID and returns the
// acknowledgement for the requester. Failures never mutate state or broadcast.
func (s *Service) Handle(ctx context.Context, connID string, kind RequestKind, payload json.RawMessage) (ack AckResult) {
	h, ok := handlers[kind]
	if !ok {
		return ackFromError(validationError(fmt.Sprintf("Unknown request %q", kind)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("%s from %s panicked: %v", kind, connID, r)
			ack = ackFromError(fmt.Errorf("panic: %v", r))
		}
	}()

	message, err := h(s, ctx, request{ConnID: connID, Payload: payload})
	if err != nil {
		if !isDomainError(err) {
			log.Printf("%s from %s failed: %v", kind, connID, err)
		}
		return ackFromError(err)
	}
	return AckResult{Success: true, Message: message}
}

// Connect greets a new connection with the current workspace list.
func (s *Service) Connect(_ context.Context, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Printf("client %s connected", connID)
	s.sendTo(connID, EventWorkspaces, s.store.ListWorkspaces())
	s.broadcastAll(EventMessage, fmt.Sprintf("Client %s connected", connID))
}

// Disconnect releases every room membership held by connID.
func (s *Service) Disconnect(_ context.Context, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := s.rooms.LeaveAll(connID)
	log.Printf("client %s disconnected, left %d room(s)", connID, len(rooms))
	s.broadcastAll(EventMessage, fmt.Sprintf("Client %s disconnected", connID))
}

// PublishPatch relays a patch submitted outside a socket session to every
// member of the workspace room. It reports whether the patch id was already
// published, in which case nothing is sent.
func (s *Service) PublishPatch(ctx context.Context, workspaceID, patchID string, payload json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkMutation(ctx, patchID); err != nil {
		if isDomainError(err) {
			log.Printf("skipping duplicate patch %s", patchID)
			return true, nil
		}
		return false, err
	}
	if err := s.recordMutation(ctx, patchID); err != nil {
		return false, err
	}
	if members := s.rooms.Members(workspaceID); len(members) > 0 {
		log.Printf("pushing patch %s to %d subscriber(s)", patchID, len(members))
	}
	s.broadcastTo(workspaceID, "", EventPatch, payload)
	return false, nil
}

func (s *Service) Workspaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.ListWorkspaces()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.dedup.Ping(ctx)
}

func (s *Service) subscribe(_ context.Context, req request) (string, error) {
	var body workspaceRequest
	if err := decodePayload(req.Payload, &body); err != nil {
		return "", err
	}
	if body.WorkspaceID == "" {
		return "", validationError("workspaceId is required")
	}
	if err := s.requireWorkspace(body.WorkspaceID); err != nil {
		return "", err
	}

	joined := s.rooms.Join(req.ConnID, body.WorkspaceID)
	s.sendTo(req.ConnID, EventDocuments, s.documentsPayload(body.WorkspaceID))
	if joined {
		log.Printf("adding client %s to %s", req.ConnID, body.WorkspaceID)
		s.broadcastTo(body.WorkspaceID, req.ConnID, EventMessage, fmt.Sprintf("Added client %s to %s", req.ConnID, body.WorkspaceID))
	}
	return fmt.Sprintf("Subscribed to %s", body.WorkspaceID), nil
}

func (s *Service) unsubscribe(_ context.Context, req request) (string, error) {
	var body workspaceRequest
	if err := decodePayload(req.Payload, &body); err != nil {
		return "", err
	}
	if body.WorkspaceID == "" {
		return "", validationError("workspaceId is required")
	}
	if s.rooms.Leave(req.ConnID, body.WorkspaceID) {
		log.Printf("removing client %s from %s", req.ConnID, body.WorkspaceID)
	}
	return fmt.Sprintf("Unsubscribed from %s", body.WorkspaceID), nil
}

func (s *Service) createWorkspace(_ context.Context, req request) (string, error) {
	var body workspaceRequest
	if err := decodePayload(req.Payload, &body); err != nil {
		return "", err
	}
	if body.WorkspaceID == "" {
		return "", validationError("workspaceId is required")
	}
	if s.store.WorkspaceExists(body.WorkspaceID) {
		return "", conflictError("workspace", body.WorkspaceID)
	}

	s.store.CreateWorkspace(body.WorkspaceID)
	s.broadcastAll(EventWorkspaces, s.store.ListWorkspaces())
	return fmt.Sprintf("Created workspace %s", body.WorkspaceID), nil
}

func (s *Service) deleteWorkspace(_ context.Context, req request) (string, error) {
	var body workspaceRequest
	if err := decodePayload(req.Payload, &body); err != nil {
		return "", err
	}
	if body.WorkspaceID == "" {
		return "", validationError("workspaceId is required")
	}
	if err := s.requireWorkspace(body.WorkspaceID); err != nil {
		return "", err
	}

	log.Printf("deleting workspace %s", body.WorkspaceID)
	s.store.DeleteWorkspace(body.WorkspaceID)
	notice := encodeFrame(EventWorkspaceDeleted, workspaceDeletedPayload{WorkspaceID: body.WorkspaceID})
	for _, connID := range s.rooms.Close(body.WorkspaceID) {
		s.deliver(connID, notice)
	}
	s.broadcastAll(EventWorkspaces, s.store.ListWorkspaces())
	return fmt.Sprintf("Deleted workspace %s", body.WorkspaceID), nil
}

func (s *Service) createDocument(_ context.Context, req request) (string, error) {
	body, err := decodeDocumentRequest(req.Payload)
	if err != nil {
		return "", err
	}
	if err := s.requireWorkspace(body.WorkspaceID); err != nil {
		return "", err
	}
	if s.store.DocumentExists(body.WorkspaceID, body.DocumentID) {
		return "", conflictError("document", body.DocumentID)
	}

	s.store.CreateDocument(body.WorkspaceID, body.DocumentID)
	s.broadcastTo(body.WorkspaceID, "", EventDocuments, s.documentsPayload(body.WorkspaceID))
	return fmt.Sprintf("Created document %s", body.DocumentID), nil
}

func (s *Service) deleteDocument(_ context.Context, req request) (string, error) {
	body, err := decodeDocumentRequest(req.Payload)
	if err != nil {
		return "", err
	}
	if err := s.requireDocument(body.WorkspaceID, body.DocumentID); err != nil {
		return "", err
	}

	s.store.DeleteDocument(body.WorkspaceID, body.DocumentID)
	s.broadcastTo(body.WorkspaceID, "", EventDocuments, s.documentsPayload(body.WorkspaceID))
	return fmt.Sprintf("Deleted document %s", body.DocumentID), nil
}

func (s *Service) openDocument(_ context.Context, req request) (string, error) {
	body, err := decodeDocumentRequest(req.Payload)
	if err != nil {
		return "", err
	}
	if err := s.requireDocument(body.WorkspaceID, body.DocumentID); err != nil {
		return "", err
	}

	s.sendTo(req.ConnID, EventEntries, s.entriesPayload(body.WorkspaceID, body.DocumentID))
	return fmt.Sprintf("Opened document %s", body.DocumentID), nil
}

func (s *Service) createEntry(ctx context.Context, req request) (string, error) {
	body, err := decodeEntryRequest(req.Payload)
	if err != nil {
		return "", err
	}
	if body.Entry == nil {
		return "", validationError("entry is required")
	}
	if err := s.requireDocument(body.WorkspaceID, body.DocumentID); err != nil {
		return "", err
	}
	entry := *body.Entry
	if entry.ID == "" {
		entry.ID = util.NewID("entry")
	}
	if s.store.EntryExists(body.WorkspaceID, body.DocumentID, entry.ID) {
		return "", conflictError("entry", entry.ID)
	}
	if err := s.claimMutation(ctx, body.MutationID); err != nil {
		return "", err
	}

	s.store.AppendEntry(body.WorkspaceID, body.DocumentID, entry)
	s.broadcastEntries(body.WorkspaceID, body.DocumentID)
	return fmt.Sprintf("Created entry %s", entry.ID), nil
}

func (s *Service) deleteEntry(ctx context.Context, req request) (string, error) {
	body, err := decodeEntryRequest(req.Payload)
	if err != nil {
		return "", err
	}
	if body.EntryID == "" {
		return "", validationError("entryId is required")
	}
	if err := s.requireEntry(body.WorkspaceID, body.DocumentID, body.EntryID); err != nil {
		return "", err
	}
	if err := s.claimMutation(ctx, body.MutationID); err != nil {
		return "", err
	}

	s.store.DeleteEntry(body.WorkspaceID, body.DocumentID, body.EntryID)
	s.broadcastEntries(body.WorkspaceID, body.DocumentID)
	return fmt.Sprintf("Deleted entry %s", body.EntryID), nil
}

func (s *Service) changeEntry(ctx context.Context, req request) (string, error) {
	body, err := decodeEntryRequest(req.Payload)
	if err != nil {
		return "", err
	}
	if body.Entry == nil || body.Entry.ID == "" {
		return "", validationError("entry.id is required")
	}
	if err := s.requireEntry(body.WorkspaceID, body.DocumentID, body.Entry.ID); err != nil {
		return "", err
	}
	if err := s.claimMutation(ctx, body.MutationID); err != nil {
		return "", err
	}

	s.store.ReplaceEntry(body.WorkspaceID, body.DocumentID, *body.Entry)
	s.broadcastEntries(body.WorkspaceID, body.DocumentID)
	return fmt.Sprintf("Changed entry %s", body.Entry.ID), nil
}

func (s *Service) moveEntry(ctx context.Context, req request) (string, error) {
	body, err := decodeEntryRequest(req.Payload)
	if err != nil {
		return "", err
	}
	if body.EntryID == "" {
		return "", validationError("entryId is required")
	}
	if !body.Direction.Valid() {
		return "", validationError(`direction must be "up" or "down"`)
	}
	if err := s.requireEntry(body.WorkspaceID, body.DocumentID, body.EntryID); err != nil {
		return "", err
	}
	if err := s.claimMutation(ctx, body.MutationID); err != nil {
		return "", err
	}

	// A move past either end leaves the list unchanged and still succeeds.
	s.store.MoveEntry(body.WorkspaceID, body.DocumentID, body.EntryID, body.Direction)
	s.broadcastEntries(body.WorkspaceID, body.DocumentID)
	return fmt.Sprintf("Moved entry %s %s", body.EntryID, body.Direction), nil
}

func (s *Service) patch(ctx context.Context, req request) (string, error) {
	var body patchRequest
	if err := decodePayload(req.Payload, &body); err != nil {
		return "", err
	}
	if body.WorkspaceID == "" {
		return "", validationError("workspaceId is required")
	}
	if body.PatchID == "" {
		return "", validationError("patchId is required")
	}
	if err := s.claimMutation(ctx, body.PatchID); err != nil {
		return "", err
	}

	log.Printf("emitting patch %s to workspace %s", body.PatchID, body.WorkspaceID)
	s.broadcastTo(body.WorkspaceID, req.ConnID, EventPatch, req.Payload)
	return fmt.Sprintf("Emitted patch %s to workspace %s", body.PatchID, body.WorkspaceID), nil
}

func decodePayload(payload json.RawMessage, target any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return validationError("Malformed request payload")
	}
	return nil
}

func decodeDocumentRequest(payload json.RawMessage) (documentRequest, error) {
	var body documentRequest
	if err := decodePayload(payload, &body); err != nil {
		return body, err
	}
	if body.WorkspaceID == "" {
		return body, validationError("workspaceId is required")
	}
	if body.DocumentID == "" {
		return body, validationError("documentId is required")
	}
	return body, nil
}

func decodeEntryRequest(payload json.RawMessage) (entryRequest, error) {
	var body entryRequest
	if err := decodePayload(payload, &body); err != nil {
		return body, err
	}
	if body.WorkspaceID == "" {
		return body, validationError("workspaceId is required")
	}
	if body.DocumentID == "" {
		return body, validationError("documentId is required")
	}
	return body, nil
}

func (s *Service) requireWorkspace(workspaceID string) error {
	if !s.store.WorkspaceExists(workspaceID) {
		return notFoundError("workspace", workspaceID)
	}
	return nil
}

func (s *Service) requireDocument(workspaceID, documentID string) error {
	if err := s.requireWorkspace(workspaceID); err != nil {
		return err
	}
	if !s.store.DocumentExists(workspaceID, documentID) {
		return notFoundError("document", documentID)
	}
	return nil
}

func (s *Service) requireEntry(workspaceID, documentID, entryID string) error {
	if err := s.requireDocument(workspaceID, documentID); err != nil {
		return err
	}
	if !s.store.EntryExists(workspaceID, documentID, entryID) {
		return notFoundError("entry", entryID)
	}
	return nil
}

// claimMutation rejects an already published mutation id and records a new
// one. An empty id opts out of deduplication.
func (s *Service) claimMutation(ctx context.Context, mutationID string) error {
	if mutationID == "" {
		return nil
	}
	if err := s.checkMutation(ctx, mutationID); err != nil {
		return err
	}
	return s.recordMutation(ctx, mutationID)
}

func (s *Service) checkMutation(ctx context.Context, mutationID string) error {
	ctx, cancel := context.WithTimeout(ctx, dedupTimeout)
	defer cancel()
	seen, err := s.dedup.Seen(ctx, mutationID)
	if err != nil {
		return fmt.Errorf("check mutation %s: %w", mutationID, err)
	}
	if seen {
		return duplicateMutationError(mutationID)
	}
	return nil
}

func (s *Service) recordMutation(ctx context.Context, mutationID string) error {
	ctx, cancel := context.WithTimeout(ctx, dedupTimeout)
	defer cancel()
	if err := s.dedup.Record(ctx, mutationID); err != nil {
		return fmt.Errorf("record mutation %s: %w", mutationID, err)
	}
	return nil
}

func (s *Service) documentsPayload(workspaceID string) documentsPayload {
	return documentsPayload{WorkspaceID: workspaceID, Documents: s.store.ListDocuments(workspaceID)}
}

func (s *Service) entriesPayload(workspaceID, documentID string) entriesPayload {
	return entriesPayload{
		WorkspaceID: workspaceID,
		DocumentID:  documentID,
		Entries:     s.store.ListEntries(workspaceID, documentID),
	}
}

func (s *Service) broadcastEntries(workspaceID, documentID string) {
	s.broadcastTo(workspaceID, "", EventEntries, s.entriesPayload(workspaceID, documentID))
}

func (s *Service) sendTo(connID, event string, data any) {
	s.deliver(connID, encodeFrame(event, data))
}

// broadcastTo sends to every member of the room except exclude.
func (s *Service) broadcastTo(roomID, exclude, event string, data any) {
	members := s.rooms.Members(roomID)
	if len(members) == 0 {
		return
	}
	frame := encodeFrame(event, data)
	for _, connID := range members {
		if connID == exclude {
			continue
		}
		s.deliver(connID, frame)
	}
}

func (s *Service) broadcastAll(event string, data any) {
	if frame := encodeFrame(event, data); frame != nil {
		s.transport.BroadcastAll(frame)
	}
}

func (s *Service) deliver(connID string, frame []byte) {
	if frame == nil {
		return
	}
	s.transport.SendTo(connID, frame)
}
