package directory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDirectory_ListOrdersByUpdatedAtDesc(t *testing.T) {
	d := NewDirectory()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.Upsert(Conversation{ID: "c1", Title: "oldest", UpdatedAt: base})
	d.Upsert(Conversation{ID: "c2", Title: "newest", UpdatedAt: base.Add(2 * time.Hour)})
	d.Upsert(Conversation{ID: "c3", Title: "middle", UpdatedAt: base.Add(time.Hour)})

	list := d.List()
	require.Len(t, list, 3)
	require.Equal(t, "c2", list[0].ID)
	require.Equal(t, "c3", list[1].ID)
	require.Equal(t, "c1", list[2].ID)
}

func TestDirectory_RemoveActiveClearsSelection(t *testing.T) {
	d := NewDirectory()
	d.Upsert(Conversation{ID: "c1"})
	d.Upsert(Conversation{ID: "c2"})
	d.SetActive("c1")

	wasActive := d.Remove("c1")
	require.True(t, wasActive)
	require.Equal(t, "", d.ActiveID())

	wasActive = d.Remove("c2")
	require.False(t, wasActive)
}

func TestDirectory_SetAllKeepsActiveWhenStillPresent(t *testing.T) {
	d := NewDirectory()
	d.Upsert(Conversation{ID: "c1"})
	d.SetActive("c1")

	d.SetAll([]Conversation{{ID: "c1"}, {ID: "c2"}})
	require.Equal(t, "c1", d.ActiveID())

	d.SetAll([]Conversation{{ID: "c2"}})
	require.Equal(t, "", d.ActiveID())
}
