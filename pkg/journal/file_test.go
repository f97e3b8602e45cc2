package journal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	ctx := context.Background()

	j, err := OpenFileJournal(path)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := j.Append(ctx, allocEvent(t, fmt.Sprintf("k%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	reopened, err := OpenFileJournal(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	last, err := reopened.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)
	require.NoError(t, reopened.VerifyChain(ctx, 0, 0))

	// Appends continue from the durable head.
	seq, err := reopened.Append(ctx, allocEvent(t, "k4"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}

func TestFileJournalDuplicateAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	ctx := context.Background()

	j, err := OpenFileJournal(path)
	require.NoError(t, err)
	first := allocEvent(t, "k1")
	_, err = j.Append(ctx, first)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	reopened, err := OpenFileJournal(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	_, err = reopened.Append(ctx, allocEvent(t, "k1"))
	var dup *DuplicateKeyError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.EventID, dup.ExistingEventID)
}

func TestFileJournalTruncatesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	ctx := context.Background()

	j, err := OpenFileJournal(path)
	require.NoError(t, err)
	for i := 1; i <= 2; i++ {
		_, err := j.Append(ctx, allocEvent(t, fmt.Sprintf("k%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	// Simulate a crash mid-write: a partial, unterminated JSON line.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"event_id":"torn","event_`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	recovered, err := OpenFileJournal(path)
	require.NoError(t, err)
	defer func() { _ = recovered.Close() }()

	// Only acknowledged appends survive.
	last, err := recovered.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)
	require.NoError(t, recovered.VerifyChain(ctx, 0, 0))

	// The torn bytes are gone from disk and the next append lands clean.
	seq, err := recovered.Append(ctx, allocEvent(t, "k3"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)

	cur, err := recovered.ReadFrom(ctx, 0)
	require.NoError(t, err)
	count := 0
	for {
		_, err := cur.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 3, count)
}

func TestFileJournalRejectsInconsistentLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	// Two complete lines whose sequence numbers do not chain.
	content := `{"event_id":"a","event_type":"CREDIT_ALLOCATED","sequence_number":1,"timestamp":"2026-01-01T00:00:00Z","actor_id":"x","correlation_id":"c","payload":{"entity_id":"e","credit_type":"t","amount":1},"schema_version":1,"idempotency_key":"k1","commit_hash":"h1","previous_hash":"genesis"}
{"event_id":"b","event_type":"CREDIT_ALLOCATED","sequence_number":5,"timestamp":"2026-01-01T00:00:00Z","actor_id":"x","correlation_id":"c","payload":{"entity_id":"e","credit_type":"t","amount":1},"schema_version":1,"idempotency_key":"k2","commit_hash":"h2","previous_hash":"h1"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := OpenFileJournal(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inconsistent")
}
