package store

import "sort"

// MemoryStore holds the workspace → document → entry tree in process memory.
// It is not safe for concurrent use; callers serialize access.
type MemoryStore struct {
	workspaces map[string]documents
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workspaces: make(map[string]documents)}
}

func (s *MemoryStore) CreateWorkspace(workspaceID string) {
	if _, ok := s.workspaces[workspaceID]; ok {
		return
	}
	s.workspaces[workspaceID] = make(documents)
}

// DeleteWorkspace removes the workspace together with every document and entry it owns.
func (s *MemoryStore) DeleteWorkspace(workspaceID string) {
	delete(s.workspaces, workspaceID)
}

func (s *MemoryStore) WorkspaceExists(workspaceID string) bool {
	_, ok := s.workspaces[workspaceID]
	return ok
}

func (s *MemoryStore) ListWorkspaces() []string {
	ids := make([]string, 0, len(s.workspaces))
	for id := range s.workspaces {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *MemoryStore) CreateDocument(workspaceID, documentID string) {
	docs, ok := s.workspaces[workspaceID]
	if !ok {
		return
	}
	if _, exists := docs[documentID]; exists {
		return
	}
	docs[documentID] = []Entry{}
}

func (s *MemoryStore) DeleteDocument(workspaceID, documentID string) {
	if docs, ok := s.workspaces[workspaceID]; ok {
		delete(docs, documentID)
	}
}

func (s *MemoryStore) DocumentExists(workspaceID, documentID string) bool {
	docs, ok := s.workspaces[workspaceID]
	if !ok {
		return false
	}
	_, ok = docs[documentID]
	return ok
}

func (s *MemoryStore) ListDocuments(workspaceID string) []string {
	docs := s.workspaces[workspaceID]
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ListEntries returns a copy of the document's entries in stored order.
func (s *MemoryStore) ListEntries(workspaceID, documentID string) []Entry {
	entries, ok := s.entries(workspaceID, documentID)
	if !ok {
		return []Entry{}
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

func (s *MemoryStore) AppendEntry(workspaceID, documentID string, entry Entry) {
	entries, ok := s.entries(workspaceID, documentID)
	if !ok {
		return
	}
	s.workspaces[workspaceID][documentID] = append(entries, entry)
}

func (s *MemoryStore) DeleteEntry(workspaceID, documentID, entryID string) {
	entries, ok := s.entries(workspaceID, documentID)
	if !ok {
		return
	}
	idx := indexOf(entries, entryID)
	if idx < 0 {
		return
	}
	s.workspaces[workspaceID][documentID] = append(entries[:idx], entries[idx+1:]...)
}

// ReplaceEntry overwrites key and value of the entry with the same id, keeping its position.
func (s *MemoryStore) ReplaceEntry(workspaceID, documentID string, entry Entry) {
	entries, ok := s.entries(workspaceID, documentID)
	if !ok {
		return
	}
	idx := indexOf(entries, entry.ID)
	if idx < 0 {
		return
	}
	entries[idx].Key = entry.Key
	entries[idx].Value = entry.Value
}

// MoveEntry swaps the entry with its neighbour in the given direction. Moving past
// either end of the sequence does nothing. It reports whether a swap happened.
func (s *MemoryStore) MoveEntry(workspaceID, documentID, entryID string, direction Direction) bool {
	entries, ok := s.entries(workspaceID, documentID)
	if !ok {
		return false
	}
	idx := indexOf(entries, entryID)
	if idx < 0 {
		return false
	}
	var target int
	switch direction {
	case DirectionUp:
		target = idx - 1
	case DirectionDown:
		target = idx + 1
	default:
		return false
	}
	if target < 0 || target >= len(entries) {
		return false
	}
	entries[idx], entries[target] = entries[target], entries[idx]
	return true
}

func (s *MemoryStore) EntryExists(workspaceID, documentID, entryID string) bool {
	entries, ok := s.entries(workspaceID, documentID)
	if !ok {
		return false
	}
	return indexOf(entries, entryID) >= 0
}

func (s *MemoryStore) entries(workspaceID, documentID string) ([]Entry, bool) {
	docs, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, false
	}
	entries, ok := docs[documentID]
	return entries, ok
}

func indexOf(entries []Entry, entryID string) int {
	for i := range entries {
		if entries[i].ID == entryID {
			return i
		}
	}
	return -1
}
