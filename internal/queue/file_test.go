package queue

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestFileQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q, err := NewFileQueue(path, fixedClock())
	if err != nil {
		t.Fatalf("new file queue failed: %v", err)
	}
	ctx := context.Background()
	first := mustEnqueue(t, q, reviewAction("card-1"))
	second := mustEnqueue(t, q, deckAction("deck-1"))
	third := mustEnqueue(t, q, reviewAction("card-2"))
	if err := q.DeadLetter(ctx, first, "poison"); err != nil {
		t.Fatalf("dead letter failed: %v", err)
	}
	if err := q.Remove(ctx, third); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	_ = q.Close()

	reopened, err := NewFileQueue(path, fixedClock())
	if err != nil {
		t.Fatalf("reopen file queue failed: %v", err)
	}
	items := mustList(t, reopened)
	if len(items) != 1 || items[0].ID != second || items[0].Kind != KindCreateDeck {
		t.Fatalf("expected only create_deck %d after reopen, got %+v", second, items)
	}
	dead, err := reopened.ListDeadLetters(ctx)
	if err != nil || len(dead) != 1 || dead[0].ID != first {
		t.Fatalf("expected dead letter %d after reopen, got %+v (err=%v)", first, dead, err)
	}
	next := mustEnqueue(t, reopened, reviewAction("card-3"))
	if next <= third {
		t.Fatalf("expected ids to continue after %d, got %d", third, next)
	}
}

func TestFileQueueSnapshotLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "queue.json")
	q, err := NewFileQueue(path, fixedClock())
	if err != nil {
		t.Fatalf("new file queue failed: %v", err)
	}
	mustEnqueue(t, q, reviewAction("card-1"))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snapshot struct {
		NextID      int64             `json:"nextId"`
		Items       []json.RawMessage `json:"items"`
		DeadLetters []json.RawMessage `json:"deadLetters"`
	}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot.NextID != 2 || len(snapshot.Items) != 1 || snapshot.DeadLetters == nil {
		t.Fatalf("unexpected snapshot: %s", data)
	}
	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".queue.json.tmp-*"))
	if len(leftovers) != 0 {
		t.Fatalf("expected no temp files, got %v", leftovers)
	}
}

func TestFileQueueSharedBetweenHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	writer, err := NewFileQueue(path)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	reader, err := NewFileQueue(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	first := mustEnqueue(t, writer, reviewAction("card-1"))
	second := mustEnqueue(t, reader, reviewAction("card-2"))
	if second <= first {
		t.Fatalf("expected handles to share the id sequence, got %d then %d", first, second)
	}
	if got := actionIDs(mustList(t, writer)); !equalIDs(got, []int64{first, second}) {
		t.Fatalf("expected writer to see both actions, got %v", got)
	}
	if err := reader.Remove(context.Background(), first); err != nil {
		t.Fatalf("remove via reader: %v", err)
	}
	if got := actionIDs(mustList(t, writer)); !equalIDs(got, []int64{second}) {
		t.Fatalf("expected writer to observe removal, got %v", got)
	}
}

func TestFileQueueRejectsCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt snapshot: %v", err)
	}
	if _, err := NewFileQueue(path); err == nil {
		t.Fatalf("expected corrupt snapshot to fail open")
	}
}

func TestFileQueueEnqueueFailsWhenSnapshotUnusable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")
	q, err := NewFileQueue(path)
	if err != nil {
		t.Fatalf("new file queue: %v", err)
	}
	mustEnqueue(t, q, reviewAction("card-1"))

	// A directory where the snapshot should be can be neither read nor
	// replaced.
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove snapshot: %v", err)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), reviewAction("card-2")); err == nil {
		t.Fatalf("expected enqueue to fail when the snapshot cannot be written")
	}
}
