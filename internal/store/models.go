package store

// Entry is a single ordered key/value record inside a document.
type Entry struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Valid reports whether d is one of the supported move directions.
func (d Direction) Valid() bool {
	return d == DirectionUp || d == DirectionDown
}

// documents maps document id to its ordered entries.
type documents map[string][]Entry
