package directory

// Package directory tracks the set of conversations known to the current
// tenant, together with the identifier of the conversation being displayed.
// Selection is always a purely local, synchronous operation; everything else
// is driven by the authoritative store through the orchestrator.

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Conversation is the directory metadata for one titled message thread.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
	CreatedAt    time.Time `json:"created_at"`
}

type Directory struct {
	mu            sync.Mutex
	conversations map[string]Conversation
	activeID      string
}

func NewDirectory() *Directory {
	return &Directory{
		conversations: map[string]Conversation{},
	}
}

// SetAll replaces the directory contents with the given list. The active id
// is kept when it still exists, cleared otherwise.
func (d *Directory) SetAll(conversations []Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.conversations = make(map[string]Conversation, len(conversations))
	for _, c := range conversations {
		d.conversations[c.ID] = c
	}
	if d.activeID != "" {
		if _, ok := d.conversations[d.activeID]; !ok {
			log.Debug().Str("conversation_id", d.activeID).Msg("active conversation disappeared from listing, clearing selection")
			d.activeID = ""
		}
	}
}

// Upsert inserts or overwrites a single conversation entry.
func (d *Directory) Upsert(c Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conversations[c.ID] = c
}

// Remove drops the conversation. When it was active, the selection is
// cleared and true is returned so the caller can drop the visible timeline.
func (d *Directory) Remove(id string) (wasActive bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.conversations, id)
	if d.activeID == id {
		d.activeID = ""
		return true
	}
	return false
}

func (d *Directory) Get(id string) (Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conversations[id]
	return c, ok
}

// List returns the conversations ordered by UpdatedAt descending.
func (d *Directory) List() []Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Conversation, 0, len(d.conversations))
	for _, c := range d.conversations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// SetActive selects the conversation to display. An empty id deselects
// (used when starting a fresh conversation). Unknown ids are still accepted:
// the entry may only exist on the server until the next listing.
func (d *Directory) SetActive(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activeID = id
}

func (d *Directory) ActiveID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeID
}

func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conversations)
}
