package journal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Mindburn-Labs/creditledger/pkg/envelope"
)

// FileJournal stores the event log as append-only JSONL, one committed
// envelope per line, fsynced per append. It keeps the full log and its
// indexes resident in memory; the file is the durability authority.
//
// A torn final line (crash mid-write) is detected on open and truncated
// away. Because the in-memory counter only advances after a successful
// sync, a torn line never corresponds to an acknowledged append.
type FileJournal struct {
	mu    sync.RWMutex
	path  string
	file  *os.File
	mem   *MemoryJournal
	clock func() time.Time
}

// OpenFileJournal opens (or creates) a JSONL journal at path and loads it.
func OpenFileJournal(path string) (*FileJournal, error) {
	j := &FileJournal{
		path:  path,
		mem:   NewMemoryJournal(),
		clock: time.Now,
	}
	if err := j.load(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}
	j.file = f
	return j, nil
}

// load replays the file into the in-memory index, truncating a torn tail.
func (j *FileJournal) load() error {
	data, err := os.ReadFile(j.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read journal file: %w", err)
	}

	valid := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			valid += len(line) + 1
			continue
		}
		var e envelope.Event
		if err := json.Unmarshal(line, &e); err != nil {
			// Torn tail from a crash mid-write. Anything after it was
			// never acknowledged, so it is safe to drop.
			break
		}
		if err := j.replayCommitted(&e); err != nil {
			return fmt.Errorf("journal file inconsistent at seq %d: %w", e.SequenceNumber, err)
		}
		valid += len(line) + 1
	}
	if valid < len(data) {
		if err := os.Truncate(j.path, int64(valid)); err != nil {
			return fmt.Errorf("truncate torn journal tail: %w", err)
		}
	}
	return nil
}

// replayCommitted re-inserts an already-committed event into the memory
// index, verifying sequence continuity and chain linkage as it goes.
func (j *FileJournal) replayCommitted(e *envelope.Event) error {
	expected := uint64(len(j.mem.events)) + 1
	if e.SequenceNumber != expected {
		return fmt.Errorf("expected seq %d, found %d", expected, e.SequenceNumber)
	}
	if e.PreviousHash != j.mem.headHash {
		return fmt.Errorf("previous hash mismatch")
	}
	j.mem.events = append(j.mem.events, e)
	j.mem.byID[e.EventID] = e
	j.mem.byKey[e.IdempotencyKey] = e
	j.mem.byCorr[e.CorrelationID] = append(j.mem.byCorr[e.CorrelationID], e)
	j.mem.headHash = e.CommitHash
	return nil
}

func (j *FileJournal) Append(ctx context.Context, event *envelope.Event) (uint64, error) {
	if err := validateForAppend(event); err != nil {
		return 0, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if existing, ok := j.mem.byKey[event.IdempotencyKey]; ok {
		return 0, &DuplicateKeyError{
			Key:              event.IdempotencyKey,
			ExistingEventID:  existing.EventID,
			ExistingSequence: existing.SequenceNumber,
		}
	}

	seq := uint64(len(j.mem.events)) + 1
	hash, err := commitHash(seq, event, j.mem.headHash)
	if err != nil {
		return 0, &WriteError{Op: "hash", Err: err}
	}

	committed := *event
	committed.SequenceNumber = seq
	committed.CommittedAt = j.clock().UTC()
	committed.PreviousHash = j.mem.headHash
	committed.CommitHash = hash

	line, err := json.Marshal(&committed)
	if err != nil {
		return 0, &WriteError{Op: "encode", Err: err}
	}
	line = append(line, '\n')

	offset, err := j.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, &WriteError{Op: "seek", Err: err}
	}
	if _, err := j.file.Write(line); err != nil {
		// Roll the file back so a partial line cannot shadow a later
		// append. Failure here is caught by torn-tail recovery on reopen.
		_ = j.file.Truncate(offset)
		return 0, &WriteError{Op: "write", Err: err}
	}
	if err := j.file.Sync(); err != nil {
		_ = j.file.Truncate(offset)
		return 0, &WriteError{Op: "sync", Err: err}
	}

	// Durable; advance in-memory state.
	j.mem.events = append(j.mem.events, &committed)
	j.mem.byID[committed.EventID] = &committed
	j.mem.byKey[committed.IdempotencyKey] = &committed
	j.mem.byCorr[committed.CorrelationID] = append(j.mem.byCorr[committed.CorrelationID], &committed)
	j.mem.headHash = hash

	*event = committed
	return seq, nil
}

func (j *FileJournal) ReadFrom(ctx context.Context, after uint64) (Cursor, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.mem.ReadFrom(ctx, after)
}

func (j *FileJournal) ReadByCorrelation(ctx context.Context, correlationID string) ([]*envelope.Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.mem.ReadByCorrelation(ctx, correlationID)
}

func (j *FileJournal) Get(ctx context.Context, seq uint64) (*envelope.Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.mem.Get(ctx, seq)
}

func (j *FileJournal) GetByEventID(ctx context.Context, eventID string) (*envelope.Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.mem.GetByEventID(ctx, eventID)
}

func (j *FileJournal) LastSequence(ctx context.Context) (uint64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.mem.LastSequence(ctx)
}

func (j *FileJournal) VerifyChain(ctx context.Context, lo, hi uint64) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.mem.VerifyChain(ctx, lo, hi)
}

// Close releases the underlying file handle.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
