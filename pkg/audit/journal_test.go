package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func journalEntry(id string) Entry {
	return Entry{
		EventID:   id,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		ActorType: ActorUser,
		ActorID:   "u1",
		Action:    "patient.read",
		Severity:  SeverityInfo,
		TenantID:  "clinic-a",
		Metadata:  map[string]string{"request_id": "r-" + id},
	}
}

func TestFileJournal_PendingSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenFileJournal(dir)
	require.NoError(t, err)

	require.NoError(t, j.Append(journalEntry("e1")))
	require.NoError(t, j.Append(journalEntry("e2")))
	require.NoError(t, j.Append(journalEntry("e3")))
	require.NoError(t, j.Ack("e2"))
	require.NoError(t, j.Close())

	j, err = OpenFileJournal(dir)
	require.NoError(t, err)
	defer j.Close()

	pending, err := j.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "e1", pending[0].EventID)
	assert.Equal(t, "e3", pending[1].EventID)
	assert.Equal(t, "r-e3", pending[1].Metadata["request_id"])
}

func TestFileJournal_TornFinalLine(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenFileJournal(dir)
	require.NoError(t, err)
	require.NoError(t, j.Append(journalEntry("e1")))
	require.NoError(t, j.Close())

	f, err := os.OpenFile(filepath.Join(dir, "audit.journal"), os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"op":"append","entry":{"event_id":"e2"`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j, err = OpenFileJournal(dir)
	require.NoError(t, err)
	defer j.Close()
	pending, err := j.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "e1", pending[0].EventID)
}

func TestFileJournal_Compact(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenFileJournal(dir)
	require.NoError(t, err)

	for _, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, j.Append(journalEntry(id)))
	}
	require.NoError(t, j.Ack("e1", "e3"))

	before, err := os.Stat(filepath.Join(dir, "audit.journal"))
	require.NoError(t, err)
	require.NoError(t, j.Compact())
	after, err := os.Stat(filepath.Join(dir, "audit.journal"))
	require.NoError(t, err)
	assert.Less(t, after.Size(), before.Size())

	// Still writable after the file swap
	require.NoError(t, j.Append(journalEntry("e4")))
	require.NoError(t, j.Close())

	j, err = OpenFileJournal(dir)
	require.NoError(t, err)
	defer j.Close()
	pending, err := j.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "e2", pending[0].EventID)
	assert.Equal(t, "e4", pending[1].EventID)
}

func TestFileJournal_Closed(t *testing.T) {
	j, err := OpenFileJournal(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, j.Close())
	assert.ErrorIs(t, j.Append(journalEntry("e1")), ErrRecorderClosed)
	assert.NoError(t, j.Close())
}

func TestMemoryJournal(t *testing.T) {
	j := NewMemoryJournal()
	require.NoError(t, j.Append(journalEntry("e1")))
	require.NoError(t, j.Append(journalEntry("e2")))
	require.NoError(t, j.Ack("e1", "missing"))

	pending, err := j.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "e2", pending[0].EventID)

	// Returned entries are copies
	pending[0].Metadata["request_id"] = "tampered"
	again, err := j.Pending()
	require.NoError(t, err)
	assert.Equal(t, "r-e2", again[0].Metadata["request_id"])

	require.NoError(t, j.Close())
	assert.ErrorIs(t, j.Append(journalEntry("e3")), ErrRecorderClosed)
}
