// Package timing persists historical execution durations keyed by task
// signature and turns them into timeout recommendations.
package timing

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/grahama1970/cc-executor/internal/classify"
	"github.com/grahama1970/cc-executor/internal/logging"
)

// Record is one observed execution. Append-only: records are never mutated,
// only aggregated on read.
type Record struct {
	Category   string    `json:"category"`
	Complexity string    `json:"complexity"`
	Subtype    string    `json:"subtype"`
	Duration   float64   `json:"duration_seconds"`
	Success    bool      `json:"success"`
	Timestamp  time.Time `json:"timestamp"`
	Load1      float64   `json:"load1"`
}

// Stats is an aggregate over a set of records.
type Stats struct {
	Count        int
	SuccessCount int
	Mean         float64 // seconds, successes and failures alike
	Max          float64
}

// FileStore is an append-only JSONL log, one file per exact signature.
// Aggregates are cached; any append invalidates the cache wholesale, which is
// cheap because the store is small and appends are one-per-session.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
	cache   *lru.Cache[string, Stats]
	logger  logging.Logger
}

const statsCacheSize = 256

// NewFileStore opens (creating if needed) the timing log directory.
func NewFileStore(baseDir string, logger logging.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create timing dir: %w", err)
	}
	cache, err := lru.New[string, Stats](statsCacheSize)
	if err != nil {
		return nil, err
	}
	return &FileStore{
		baseDir: baseDir,
		cache:   cache,
		logger:  logging.OrNop(logger),
	}, nil
}

// Append writes one record under its signature file. Callers record each
// completed session exactly once, success or failure.
func (s *FileStore) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	path := s.fileFor(rec.Category, rec.Complexity, rec.Subtype)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open timing log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append timing record: %w", err)
	}

	s.cache.Purge()
	s.logger.Debug("Recorded %s/%s/%s: %.1fs success=%v",
		rec.Category, rec.Complexity, rec.Subtype, rec.Duration, rec.Success)
	return nil
}

// StatsExact aggregates records matching the full signature.
func (s *FileStore) StatsExact(sig classify.Signature) (Stats, error) {
	return s.statsWhere("exact:"+sig.Key(), func(r Record) bool {
		return r.Category == string(sig.Category) &&
			r.Complexity == string(sig.Complexity) &&
			r.Subtype == sig.Subtype
	})
}

// StatsBucket aggregates records sharing category and complexity, any subtype.
func (s *FileStore) StatsBucket(sig classify.Signature) (Stats, error) {
	return s.statsWhere("bucket:"+sig.BucketKey(), func(r Record) bool {
		return r.Category == string(sig.Category) && r.Complexity == string(sig.Complexity)
	})
}

// StatsCategory aggregates all records in a category.
func (s *FileStore) StatsCategory(category classify.Category) (Stats, error) {
	return s.statsWhere("category:"+string(category), func(r Record) bool {
		return r.Category == string(category)
	})
}

func (s *FileStore) statsWhere(cacheKey string, match func(Record) bool) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stats, ok := s.cache.Get(cacheKey); ok {
		return stats, nil
	}

	records, err := s.readAll()
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	var total float64
	for _, r := range records {
		if !match(r) {
			continue
		}
		stats.Count++
		if r.Success {
			stats.SuccessCount++
		}
		total += r.Duration
		if r.Duration > stats.Max {
			stats.Max = r.Duration
		}
	}
	if stats.Count > 0 {
		stats.Mean = total / float64(stats.Count)
	}

	s.cache.Add(cacheKey, stats)
	return stats, nil
}

func (s *FileStore) readAll() ([]Record, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read timing dir: %w", err)
	}

	var records []Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		f, err := os.Open(filepath.Join(s.baseDir, entry.Name()))
		if err != nil {
			s.logger.Warn("Skipping unreadable timing log %s: %v", entry.Name(), err)
			continue
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var rec Record
			if err := json.Unmarshal(line, &rec); err != nil {
				// One corrupt line must not poison the whole history.
				s.logger.Warn("Skipping corrupt timing record in %s: %v", entry.Name(), err)
				continue
			}
			records = append(records, rec)
		}
		_ = f.Close()
	}
	return records, nil
}

func (s *FileStore) fileFor(category, complexity, subtype string) string {
	name := sanitize(category) + "--" + sanitize(complexity) + "--" + sanitize(subtype) + ".jsonl"
	return filepath.Join(s.baseDir, name)
}

func sanitize(part string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, part)
}
