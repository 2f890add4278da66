// Package history is the supplemented Run History Store: a durable
// record of every profile run's notify.Summary, so a "robocurse
// status" style command can report on past runs without replaying
// logs. Grounded on pkg/storage/boltdb.go's bucket-per-entity
// CreateX/GetX/ListX pattern over go.etcd.io/bbolt, narrowed from nine
// cluster-resource buckets to a single run_summaries bucket.
package history

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/robocurse/pkg/notify"
)

var bucketRunSummaries = []byte("run_summaries")

// Store persists notify.Summary records in a BoltDB file.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the history database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "robocurse-history.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRunSummaries)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create run_summaries bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func summaryKey(runID, profileID string) []byte {
	return []byte(runID + "/" + profileID)
}

// RecordRun persists one profile's run summary, keyed by its run and
// profile id so repeated resumes of the same run overwrite rather than
// duplicate the record.
func (s *Store) RecordRun(summary notify.Summary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRunSummaries)
		return b.Put(summaryKey(summary.RunID, summary.ProfileID), data)
	})
}

// GetRun retrieves a single profile run's summary.
func (s *Store) GetRun(runID, profileID string) (*notify.Summary, error) {
	var summary notify.Summary
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRunSummaries)
		data := b.Get(summaryKey(runID, profileID))
		if data == nil {
			return fmt.Errorf("run %s/%s not found", runID, profileID)
		}
		return json.Unmarshal(data, &summary)
	})
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// ListRuns returns every stored summary, most recently started first.
func (s *Store) ListRuns() ([]notify.Summary, error) {
	var summaries []notify.Summary
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRunSummaries)
		return b.ForEach(func(k, v []byte) error {
			var summary notify.Summary
			if err := json.Unmarshal(v, &summary); err != nil {
				return err
			}
			summaries = append(summaries, summary)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartedAt.After(summaries[j].StartedAt)
	})
	return summaries, nil
}

// ListRunsForProfile filters ListRuns to one profile's history.
func (s *Store) ListRunsForProfile(profileID string) ([]notify.Summary, error) {
	all, err := s.ListRuns()
	if err != nil {
		return nil, err
	}
	var filtered []notify.Summary
	for _, summary := range all {
		if summary.ProfileID == profileID {
			filtered = append(filtered, summary)
		}
	}
	return filtered, nil
}

// PruneOlderThan deletes every summary whose FinishedAt is before cutoff.
func (s *Store) PruneOlderThan(cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRunSummaries)
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var summary notify.Summary
			if err := json.Unmarshal(v, &summary); err != nil {
				continue
			}
			if summary.FinishedAt.Before(cutoff) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
		}
		for _, key := range toDelete {
			if err := b.Delete(key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
