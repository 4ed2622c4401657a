package store

import (
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/davidgeorgehope/livelabs.cc/internal/track"
)

// UpsertTrack creates or replaces a track record keyed by its id.
func (s *Store) UpsertTrack(t track.Track) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal track: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTracks)
		return b.Put([]byte(t.ID), data)
	})
}

// GetTrack retrieves a track by id.
func (s *Store) GetTrack(id string) (*track.Track, error) {
	var t track.Track
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTracks)
		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("track %q: %w", id, ErrNotFound)
		}
		return json.Unmarshal(v, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTracks returns all tracks sorted by id. When publishedOnly is set,
// unpublished tracks are filtered out.
func (s *Store) ListTracks(publishedOnly bool) ([]track.Track, error) {
	var tracks []track.Track
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTracks)
		return b.ForEach(func(k, v []byte) error {
			var t track.Track
			if err := json.Unmarshal(v, &t); err != nil {
				return nil // skip malformed records
			}
			if publishedOnly && !t.Published {
				return nil
			}
			tracks = append(tracks, t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tracks, func(i, j int) bool { return tracks[i].ID < tracks[j].ID })
	return tracks, nil
}
