package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

type Header struct {
	Version  int    `json:"version"`
	Scenario string `json:"scenario"`
	Tick     uint64 `json:"tick"`
}

// SnapshotV1 captures everything needed to resume a simulation: the scenario
// parameters that shape the loop plus every bucket's quantity at the captured
// tick. Behaviour wiring is not stored; it is rebuilt from the scenario file.
type SnapshotV1 struct {
	Header Header `json:"header"`

	Speed              uint64 `json:"speed"`
	TickIntervalMs     int    `json:"tick_interval_ms"`
	SnapshotEveryTicks int    `json:"snapshot_every_ticks,omitempty"`

	Buckets []BucketV1 `json:"buckets"`
}

type BucketV1 struct {
	Name     string `json:"name"`
	Quantity uint64 `json:"quantity"`
}

// WriteSnapshot writes a zstd-compressed snapshot: a JSON header line for
// cheap inspection, then the gob-encoded body.
func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 64*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)

	// Skip the header line; the gob body carries the header too.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}
