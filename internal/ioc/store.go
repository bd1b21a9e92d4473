// Package ioc implements the versioned indicator-of-compromise store: three
// indicator maps (IPs, file hashes, URLs), an explicit-commit version bump
// with a sha256 integrity hash over the serialized store, and the format
// validation each indicator kind requires before it is accepted.
package ioc

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/Will-Luck/edr-control-plane/internal/clock"
)

// SnapshotKey and VersionKey are the persist.Collection keys under which the
// control plane stores the IOC store's durable state: the snapshot
// itself, and its companion VersionRecord with the integrity hash.
const (
	SnapshotKey = "snapshot"
	VersionKey  = "version"
)

// Severity is the impact rating attached to an indicator.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// HashType identifies the algorithm a file-hash indicator was computed with.
type HashType string

const (
	HashMD5    HashType = "md5"
	HashSHA1   HashType = "sha1"
	HashSHA256 HashType = "sha256"
)

// Indicator is one entry in any of the three indicator maps.
type Indicator struct {
	AddedAt     time.Time `json:"added_at"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
	HashType    HashType  `json:"hash_type,omitempty"`
}

// Snapshot is an immutable, serializable view of the store at a point in time.
type Snapshot struct {
	IPAddresses map[string]Indicator `json:"ip_addresses"`
	FileHashes  map[string]Indicator `json:"file_hashes"`
	URLs        map[string]Indicator `json:"urls"`
	Version     int                  `json:"version"`
}

// VersionRecord is the persisted companion to a committed snapshot.
type VersionRecord struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Hash      string    `json:"hash"`
}

// Store holds the three indicator maps plus version metadata. All mutating
// methods are safe for concurrent use; CommitVersion is the sole producer
// of version increments, so a batch of edits yields a single bump.
type Store struct {
	clk clock.Clock

	mu      sync.Mutex
	ips     map[string]Indicator
	hashes  map[string]Indicator
	urls    map[string]Indicator
	dirty   bool
	version int
	last    VersionRecord
}

// New creates an empty Store, optionally seeded from a persisted snapshot
// and version record (both may be zero-valued for a fresh store).
func New(clk clock.Clock, seed *Snapshot, seedVersion int) *Store {
	s := &Store{
		clk:     clk,
		ips:     make(map[string]Indicator),
		hashes:  make(map[string]Indicator),
		urls:    make(map[string]Indicator),
		version: seedVersion,
		last:    VersionRecord{Version: seedVersion},
	}
	if seed != nil {
		for k, v := range seed.IPAddresses {
			s.ips[k] = v
		}
		for k, v := range seed.FileHashes {
			s.hashes[k] = v
		}
		for k, v := range seed.URLs {
			s.urls[k] = v
		}
	}
	return s
}

// ErrInvalidIndicator is returned when an indicator value fails format validation.
type ErrInvalidIndicator struct {
	Kind  string
	Value string
}

func (e *ErrInvalidIndicator) Error() string {
	return fmt.Sprintf("ioc: invalid %s indicator %q", e.Kind, e.Value)
}

func validIPv4(v string) bool {
	ip := net.ParseIP(v)
	return ip != nil && ip.To4() != nil
}

func validHash(v string, kind HashType) bool {
	wantLen := map[HashType]int{HashMD5: 32, HashSHA1: 40, HashSHA256: 64}[kind]
	if wantLen == 0 || len(v) != wantLen {
		return false
	}
	for _, r := range v {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}

// AddIP upserts an IP indicator after validating its format. Marks the store
// dirty; does not bump the version (see CommitVersion).
func (s *Store) AddIP(value, description string, sev Severity) error {
	if !validIPv4(value) {
		return &ErrInvalidIndicator{Kind: "ip", Value: value}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ips[value] = Indicator{AddedAt: s.clk.Now(), Description: description, Severity: sev}
	s.dirty = true
	return nil
}

// AddHash upserts a file-hash indicator after validating its format (hex
// length matching the declared hash type); the value is stored lowercase.
func (s *Store) AddHash(value string, kind HashType, description string, sev Severity) error {
	lower := strings.ToLower(value)
	if !validHash(lower, kind) {
		return &ErrInvalidIndicator{Kind: string(kind), Value: value}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes[lower] = Indicator{AddedAt: s.clk.Now(), Description: description, Severity: sev, HashType: kind}
	s.dirty = true
	return nil
}

// AddURL upserts a URL indicator, stored lowercase. URLs have no further
// format validation beyond non-empty.
func (s *Store) AddURL(value, description string, sev Severity) error {
	if value == "" {
		return &ErrInvalidIndicator{Kind: "url", Value: value}
	}
	lower := strings.ToLower(value)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls[lower] = Indicator{AddedAt: s.clk.Now(), Description: description, Severity: sev}
	s.dirty = true
	return nil
}

// Kind enumerates indicator map selectors for Remove.
type Kind string

const (
	KindIP   Kind = "ip"
	KindHash Kind = "hash"
	KindURL  Kind = "url"
)

// Remove deletes an indicator of the given kind. Marks the store dirty if
// the value was present.
func (s *Store) Remove(kind Kind, value string) {
	key := strings.ToLower(value)
	s.mu.Lock()
	defer s.mu.Unlock()
	var m map[string]Indicator
	switch kind {
	case KindIP:
		m = s.ips
		key = value // IPs are not lowercased
	case KindHash:
		m = s.hashes
	case KindURL:
		m = s.urls
	default:
		return
	}
	if _, ok := m[key]; ok {
		delete(m, key)
		s.dirty = true
	}
}

// CommitVersion serializes the current store, bumps the version by exactly
// one, computes the sha256 integrity hash over the serialized bytes, and
// returns the resulting VersionRecord. If the store is not dirty, CommitVersion
// does not bump the version and returns the record of the last commit made
// through this Store unchanged; before any such commit that record carries
// only the seeded version, with a zero UpdatedAt and an empty Hash.
func (s *Store) CommitVersion() (VersionRecord, Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		IPAddresses: cloneMap(s.ips),
		FileHashes:  cloneMap(s.hashes),
		URLs:        cloneMap(s.urls),
	}
	if !s.dirty {
		snap.Version = s.version
		return s.last, snap, nil
	}

	snap.Version = s.version + 1

	serialized, err := json.Marshal(snap)
	if err != nil {
		return VersionRecord{}, Snapshot{}, fmt.Errorf("ioc: marshal snapshot for commit: %w", err)
	}
	sum := sha256.Sum256(serialized)

	s.version++
	rec := VersionRecord{
		Version:   s.version,
		UpdatedAt: s.clk.Now(),
		Hash:      hex.EncodeToString(sum[:]),
	}
	s.last = rec
	s.dirty = false
	return rec, snap, nil
}

// Version returns the current committed version integer.
func (s *Store) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Snapshot returns an immutable copy of the store's current contents.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		IPAddresses: cloneMap(s.ips),
		FileHashes:  cloneMap(s.hashes),
		URLs:        cloneMap(s.urls),
		Version:     s.version,
	}
}

func cloneMap(m map[string]Indicator) map[string]Indicator {
	out := make(map[string]Indicator, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
