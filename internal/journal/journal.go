// Package journal is the append-only JSON-lines event log, partitioned by
// day. It is the ground truth for audit and replay; the sqlite snapshot is
// the current-view cache on top of it.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/0xMugen/othala/internal/events"
)

// Journal appends events to <root>/YYYY-MM-DD.jsonl files. Appends are
// serialized; each line is flushed before Append returns so a crash loses
// at most the event whose apply had not yet committed.
type Journal struct {
	mu   sync.Mutex
	root string
}

// Open creates the journal root directory if needed.
func Open(root string) (*Journal, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal root: %w", err)
	}
	return &Journal{root: root}, nil
}

// Root returns the journal directory.
func (j *Journal) Root() string {
	return j.root
}

// Append writes one event as a JSON line to the current day's partition.
func (j *Journal) Append(ev events.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	path := j.partitionPath(ev.TS)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal partition: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append to journal: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

func (j *Journal) partitionPath(ts time.Time) string {
	return filepath.Join(j.root, ts.UTC().Format("2006-01-02")+".jsonl")
}

// ReadAll returns every journalled event in global sequence order.
func (j *Journal) ReadAll() ([]events.Event, error) {
	return j.ReadSince(0)
}

// ReadSince returns events with Seq strictly greater than afterSeq, in
// sequence order. Used on boot to replay what the snapshot missed.
func (j *Journal) ReadSince(afterSeq int64) ([]events.Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := os.ReadDir(j.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read journal root: %w", err)
	}

	var partitions []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		partitions = append(partitions, entry.Name())
	}
	// Partition names are dates, so lexicographic order is time order.
	sort.Strings(partitions)

	var out []events.Event
	for _, name := range partitions {
		evs, err := readPartition(filepath.Join(j.root, name), afterSeq)
		if err != nil {
			return nil, err
		}
		out = append(out, evs...)
	}

	sort.Slice(out, func(i, k int) bool { return out[i].Seq < out[k].Seq })
	return out, nil
}

// Tail returns the highest sequence number present in the journal, or 0.
func (j *Journal) Tail() (int64, error) {
	evs, err := j.ReadAll()
	if err != nil {
		return 0, err
	}
	if len(evs) == 0 {
		return 0, nil
	}
	return evs[len(evs)-1].Seq, nil
}

func readPartition(path string, afterSeq int64) ([]events.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal partition %s: %w", path, err)
	}
	defer f.Close()

	var out []events.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("corrupt journal line in %s: %w", path, err)
		}
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan journal partition %s: %w", path, err)
	}
	return out, nil
}
