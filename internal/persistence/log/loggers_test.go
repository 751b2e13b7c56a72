package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/syntacticsugarglider/compartmentalmodel/internal/sim/engine"
)

func TestTickLogger_WritesReadableJSONL(t *testing.T) {
	dir := t.TempDir()
	l := NewTickLogger(dir)

	want := []engine.Snapshot{
		{Tick: 0, Digest: "d0", Buckets: []engine.BucketState{{Name: "a", Quantity: 1000}}},
		{Tick: 1, Digest: "d1", Buckets: []engine.BucketState{{Name: "a", Quantity: 990}}},
		{Tick: 2, Digest: "d2", Buckets: []engine.BucketState{{Name: "a", Quantity: 981}}},
	}
	for _, snap := range want {
		if err := l.Publish(snap); err != nil {
			t.Fatalf("publish tick %d: %v", snap.Tick, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ents, err := os.ReadDir(filepath.Join(dir, "ticks"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(ents) != 1 {
		t.Fatalf("got %d files, want 1", len(ents))
	}
	name := ents[0].Name()
	if !strings.HasPrefix(name, "ticks-") || !strings.HasSuffix(name, ".jsonl.zst") {
		t.Fatalf("unexpected file name %q", name)
	}

	f, err := os.Open(filepath.Join(dir, "ticks", name))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	defer dec.Close()

	var got []engine.Snapshot
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		var snap engine.Snapshot
		if err := json.Unmarshal(sc.Bytes(), &snap); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		got = append(got, snap)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Tick != want[i].Tick || got[i].Digest != want[i].Digest {
			t.Fatalf("entry %d: got %+v, want %+v", i, got[i], want[i])
		}
		if got[i].Buckets[0] != want[i].Buckets[0] {
			t.Fatalf("entry %d buckets: got %+v, want %+v", i, got[i].Buckets[0], want[i].Buckets[0])
		}
	}
}

func TestJSONLZstdWriter_CloseWithoutWrites(t *testing.T) {
	w := NewJSONLZstdWriter(t.TempDir(), "ticks")
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
