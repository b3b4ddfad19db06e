// Package room tracks which live connections belong to which workspace rooms.
package room

import "sort"

type set map[string]struct{}

// Registry is a two-way index between connections and rooms. It is not safe
// for concurrent use; callers serialize access.
type Registry struct {
	rooms       map[string]set // room id -> connection ids
	connections map[string]set // connection id -> room ids
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:       make(map[string]set),
		connections: make(map[string]set),
	}
}

// Join adds the connection to the room and reports whether it was not already a member.
func (r *Registry) Join(connID, roomID string) bool {
	if r.IsMember(connID, roomID) {
		return false
	}
	add(r.rooms, roomID, connID)
	add(r.connections, connID, roomID)
	return true
}

// Leave removes the connection from the room and reports whether it was a member.
func (r *Registry) Leave(connID, roomID string) bool {
	if !r.IsMember(connID, roomID) {
		return false
	}
	remove(r.rooms, roomID, connID)
	remove(r.connections, connID, roomID)
	return true
}

// LeaveAll drops every membership of the connection and returns the rooms it left.
func (r *Registry) LeaveAll(connID string) []string {
	rooms := sortedKeys(r.connections[connID])
	for _, roomID := range rooms {
		remove(r.rooms, roomID, connID)
	}
	delete(r.connections, connID)
	return rooms
}

// Close evicts every member of the room and returns the evicted connections.
func (r *Registry) Close(roomID string) []string {
	members := sortedKeys(r.rooms[roomID])
	for _, connID := range members {
		remove(r.connections, connID, roomID)
	}
	delete(r.rooms, roomID)
	return members
}

func (r *Registry) Members(roomID string) []string {
	return sortedKeys(r.rooms[roomID])
}

func (r *Registry) Rooms(connID string) []string {
	return sortedKeys(r.connections[connID])
}

func (r *Registry) IsMember(connID, roomID string) bool {
	_, ok := r.rooms[roomID][connID]
	return ok
}

func add(index map[string]set, key, value string) {
	values, ok := index[key]
	if !ok {
		values = make(set)
		index[key] = values
	}
	values[value] = struct{}{}
}

func remove(index map[string]set, key, value string) {
	values, ok := index[key]
	if !ok {
		return
	}
	delete(values, value)
	if len(values) == 0 {
		delete(index, key)
	}
}

func sortedKeys(values set) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
