package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"attachsync/pkg/logger"
)

// Spool file suffixes. Presence and suffix encode the entry state; the file
// modification time is the backoff clock.
const (
	suffixReady   = ".evt"
	suffixClaimed = ".claim"
	suffixRetry   = ".retry"
	suffixBad     = ".bad"
)

// Spool is a directory-backed durable queue. Idempotent enqueue rides on
// exclusive file creation; atomic claim rides on rename, which exactly one
// of any number of concurrent callers wins.
type Spool struct {
	dir          string
	retryBackoff time.Duration
	logger       logger.Logger

	mu      sync.Mutex
	claimed map[string]string // external id -> claimed file path
}

// NewSpool creates a spool queue rooted at dir.
func NewSpool(dir string, retryBackoff time.Duration, log logger.Logger) (*Spool, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	return &Spool{
		dir:          dir,
		retryBackoff: retryBackoff,
		logger:       log,
		claimed:      make(map[string]string),
	}, nil
}

// Enqueue creates the entry file exclusively; an existing live entry under
// any suffix makes this a silent no-op. The exclusive create is the dedup
// fence among enqueuers; the sibling check afterwards closes the window
// where a worker renames the ready file to claimed mid-enqueue.
func (s *Spool) Enqueue(item Item) error {
	base := filepath.Join(s.dir, SafeID(item.ExternalID))

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode queue item: %w", err)
	}

	file, err := os.OpenFile(base+suffixReady, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			s.logger.DebugWithFields("spool item already present", map[string]interface{}{
				"source":      item.Source,
				"external_id": item.ExternalID,
			})
			return nil
		}
		return fmt.Errorf("failed to create spool entry: %w", err)
	}

	_, werr := file.Write(data)
	cerr := file.Close()
	if werr != nil {
		os.Remove(base + suffixReady)
		return fmt.Errorf("failed to write spool entry: %w", werr)
	}
	if cerr != nil {
		os.Remove(base + suffixReady)
		return fmt.Errorf("failed to close spool entry: %w", cerr)
	}

	// The id may already be live under another suffix: either it was
	// claimed or backing off all along, or a worker claimed the previous
	// ready file while this entry was being written. One live entry per id;
	// the newer one yields.
	for _, suffix := range []string{suffixClaimed, suffixRetry} {
		if _, err := os.Stat(base + suffix); err == nil {
			os.Remove(base + suffixReady)
			s.logger.DebugWithFields("spool item already live", map[string]interface{}{
				"external_id": item.ExternalID,
				"state":       strings.TrimPrefix(suffix, "."),
			})
			return nil
		}
	}

	s.logger.InfoWithFields("spool enqueued", map[string]interface{}{
		"source":      item.Source,
		"external_id": item.ExternalID,
	})
	return nil
}

// DequeueBatch claims up to maxItems entries: ready files and retry files
// whose backoff has elapsed, merged oldest modification time first.
func (s *Spool) DequeueBatch(maxItems int) ([]Item, error) {
	var items []Item

	for _, path := range s.claimables() {
		if len(items) >= maxItems {
			break
		}
		item, ok := s.claimFile(path)
		if !ok {
			continue
		}
		items = append(items, item)
	}

	return items, nil
}

// claimFile atomically renames a candidate to its claimed form and parses
// it. Losing the rename race to another worker is expected and silent.
func (s *Spool) claimFile(path string) (Item, bool) {
	claimPath := trimStateSuffix(path) + suffixClaimed

	if err := os.Rename(path, claimPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.WithError(err).WithField("path", path).Warn("failed to claim spool entry")
		}
		return Item{}, false
	}

	data, err := os.ReadFile(claimPath)
	if err != nil {
		s.logger.WithError(err).WithField("path", claimPath).Error("failed to read claimed spool entry")
		s.quarantine(claimPath)
		return Item{}, false
	}

	var item Item
	if err := json.Unmarshal(data, &item); err != nil || item.ExternalID == "" {
		// One malformed entry must not block the batch.
		s.logger.WithField("path", claimPath).Warn("quarantining malformed spool entry")
		s.quarantine(claimPath)
		return Item{}, false
	}

	s.mu.Lock()
	s.claimed[item.ExternalID] = claimPath
	s.mu.Unlock()
	return item, true
}

// MarkProcessed acknowledges one claimed entry by deleting its file.
func (s *Spool) MarkProcessed(item Item) error {
	s.mu.Lock()
	path, ok := s.claimed[item.ExternalID]
	delete(s.claimed, item.ExternalID)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete spool entry %s: %w", path, err)
	}
	return nil
}

// MarkBatchProcessed acknowledges the given batch's entries that were not
// individually failed. Claims held by other consumers of this spool stay
// claimed.
func (s *Spool) MarkBatchProcessed(items []Item) error {
	s.mu.Lock()
	paths := make([]string, 0, len(items))
	for _, item := range items {
		if path, ok := s.claimed[item.ExternalID]; ok {
			paths = append(paths, path)
			delete(s.claimed, item.ExternalID)
		}
	}
	s.mu.Unlock()

	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.WithError(err).WithField("path", path).Error("failed to delete spool entry")
		}
	}
	return nil
}

// MarkFailed renames a claimed entry to its retry form and stamps the
// modification time, starting the backoff clock.
func (s *Spool) MarkFailed(item Item, reason string) error {
	s.mu.Lock()
	path, ok := s.claimed[item.ExternalID]
	delete(s.claimed, item.ExternalID)
	s.mu.Unlock()

	if !ok {
		return nil
	}

	retryPath := trimStateSuffix(path) + suffixRetry
	if err := os.Rename(path, retryPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to move spool entry to retry: %w", err)
	}

	now := time.Now()
	if err := os.Chtimes(retryPath, now, now); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.WithError(err).WithField("path", retryPath).Warn("failed to stamp retry entry")
	}

	s.logger.InfoWithFields("spool entry failed, backing off", map[string]interface{}{
		"external_id": item.ExternalID,
		"backoff":     s.retryBackoff,
		"reason":      reason,
	})
	return nil
}

// Reclaim returns claims older than olderThan to the ready state. A crashed
// worker leaves its claims behind; this sweep is the only way back.
func (s *Spool) Reclaim(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	count := 0

	for _, f := range s.listFiles(suffixClaimed) {
		if f.mod.After(cutoff) {
			continue
		}
		readyPath := trimStateSuffix(f.path) + suffixReady
		if err := os.Rename(f.path, readyPath); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				s.logger.WithError(err).WithField("path", f.path).Warn("failed to reclaim spool entry")
			}
			continue
		}
		count++
	}

	if count > 0 {
		s.logger.WarnWithFields("reclaimed stale spool claims", map[string]interface{}{
			"count": count,
		})
	}
	return count, nil
}

// Size approximates the number of claimable entries.
func (s *Spool) Size() int {
	return len(s.claimables())
}

// claimables returns ready entries plus retry entries whose backoff has
// elapsed, merged and sorted by modification time, oldest first.
func (s *Spool) claimables() []string {
	var files []spoolEntry
	for _, f := range s.listFiles(suffixReady) {
		files = append(files, f)
	}
	for _, f := range s.listFiles(suffixRetry) {
		if time.Since(f.mod) >= s.retryBackoff {
			files = append(files, f)
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths
}

type spoolEntry struct {
	path string
	mod  time.Time
}

// listFiles returns entries with the given suffix, in directory order.
func (s *Spool) listFiles(suffix string) []spoolEntry {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}

	var files []spoolEntry
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != suffix {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, spoolEntry{filepath.Join(s.dir, entry.Name()), info.ModTime()})
	}
	return files
}

func (s *Spool) quarantine(path string) {
	if err := os.Rename(path, trimStateSuffix(path)+suffixBad); err != nil {
		os.Remove(path)
	}
}

func trimStateSuffix(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}
