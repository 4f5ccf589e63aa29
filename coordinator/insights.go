package coordinator

import (
	"encoding/hex"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/jrc1883/meshbrain/protocol"
	"github.com/jrc1883/meshbrain/semantic"
)

// Fingerprint hashes the normalized content of an insight. Two insights
// that differ only in case or whitespace share a fingerprint.
func Fingerprint(content string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	sum := blake3.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:16])
}

type storedInsight struct {
	insight protocol.Insight
	vector  []float64
}

// InsightStore is a process-local index of published insights, keyed by
// id and fingerprint, with optional embedding vectors for semantic dedup.
// Protected by RWMutex; searches are linear scans, which is ample for the
// few hundred insights a mesh run produces.
type InsightStore struct {
	mu            sync.RWMutex
	byID          map[string]*storedInsight
	byFingerprint map[string]string
	order         []string
	capacity      int
}

// NewInsightStore creates a store holding at most capacity insights; the
// oldest are evicted first. capacity <= 0 means unbounded.
func NewInsightStore(capacity int) *InsightStore {
	return &InsightStore{
		byID:          make(map[string]*storedInsight),
		byFingerprint: make(map[string]string),
		capacity:      capacity,
	}
}

// Add stores ins unless its fingerprint or id is already known. It reports
// whether the insight was added.
func (s *InsightStore) Add(ins protocol.Insight, vector []float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ins.Fingerprint == "" {
		ins.Fingerprint = Fingerprint(ins.Content)
	}
	if _, ok := s.byID[ins.ID]; ok {
		return false
	}
	if _, ok := s.byFingerprint[ins.Fingerprint]; ok {
		return false
	}
	s.byID[ins.ID] = &storedInsight{insight: ins, vector: vector}
	s.byFingerprint[ins.Fingerprint] = ins.ID
	s.order = append(s.order, ins.ID)

	if s.capacity > 0 && len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		if cap(s.order) > 2*s.capacity {
			s.order = append(make([]string, 0, s.capacity+1), s.order...)
		}
		if st, ok := s.byID[oldest]; ok {
			delete(s.byFingerprint, st.insight.Fingerprint)
			delete(s.byID, oldest)
		}
	}
	return true
}

// HasFingerprint reports whether an insight with fingerprint fp is stored.
func (s *InsightStore) HasFingerprint(fp string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byFingerprint[fp]
	return ok
}

// Similar returns the id of the most similar stored insight whose cosine
// similarity with vector is at least threshold.
func (s *InsightStore) Similar(vector []float64, threshold float64) (string, float64, bool) {
	if len(vector) == 0 {
		return "", 0, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	bestID, best := "", 0.0
	for id, st := range s.byID {
		if sim := semantic.Cosine(vector, st.vector); sim >= threshold && sim > best {
			bestID, best = id, sim
		}
	}
	return bestID, best, bestID != ""
}

// Get returns the insight with the given id.
func (s *InsightStore) Get(id string) (protocol.Insight, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.byID[id]
	if !ok {
		return protocol.Insight{}, false
	}
	return st.insight, true
}

// Len returns the number of stored insights.
func (s *InsightStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Recent returns up to limit insights, newest first.
func (s *InsightStore) Recent(limit int) []protocol.Insight {
	return s.Search(nil, "", limit)
}

// Search returns insights from agents other than excludeAgent whose tags
// overlap keywords, newest first, capped at limit. Blockers always match.
// A nil keyword set matches everything.
func (s *InsightStore) Search(keywords map[string]bool, excludeAgent string, limit int) []protocol.Insight {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []protocol.Insight
	for _, st := range s.byID {
		ins := st.insight
		if excludeAgent != "" && ins.AgentID == excludeAgent {
			continue
		}
		if keywords != nil && ins.Type != protocol.InsightBlocker && !overlaps(ins.Tags, keywords) {
			continue
		}
		out = append(out, ins)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func overlaps(tags []string, keywords map[string]bool) bool {
	for _, t := range tags {
		if keywords[strings.ToLower(t)] {
			return true
		}
	}
	return false
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "to": true, "of": true,
	"in": true, "on": true, "for": true, "with": true, "is": true, "it": true, "this": true,
	"that": true, "be": true, "at": true, "by": true, "from": true, "as": true,
}

// Keywords extracts the relevance keywords of a task description: lower
// cased words of two or more letters minus stopwords. File paths also
// contribute their base name and extension-less stem.
func Keywords(texts ...string) map[string]bool {
	out := make(map[string]bool)
	for _, text := range texts {
		for _, field := range strings.Fields(text) {
			if strings.ContainsAny(field, "/.") {
				base := field[strings.LastIndex(field, "/")+1:]
				out[strings.ToLower(base)] = true
				if i := strings.LastIndex(base, "."); i > 0 {
					out[strings.ToLower(base[:i])] = true
				}
			}
		}
		for _, tok := range semantic.Tokenize(text) {
			if len(tok) < 2 || stopwords[tok] {
				continue
			}
			out[tok] = true
		}
	}
	return out
}
