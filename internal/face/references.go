package face

import (
	"github.com/coder/hnsw"
)

// HNSW parameters for reference search.
const (
	// hnswMaxNeighbors (M) is the maximum number of neighbors per node.
	hnswMaxNeighbors = 16
	// hnswEfSearch is the search candidate pool size.
	hnswEfSearch = 100
	// hnswCandidates is how many nearest nodes are re-scored exactly.
	hnswCandidates = 10
)

// Reference is a known identity with one face embedding. An identity may have
// several references.
type Reference struct {
	Identity  string    `json:"identity" yaml:"identity"`
	Name      string    `json:"name,omitempty" yaml:"name,omitempty"`
	Embedding []float32 `json:"embedding" yaml:"embedding"`
}

// ReferenceSet is an immutable collection of references. Sets at or above the
// configured size are searched through an HNSW graph; smaller ones are scanned.
type ReferenceSet struct {
	refs  []Reference
	graph *hnsw.Graph[int]
}

// NewReferenceSet builds a set. When len(refs) >= hnswMin (and hnswMin > 0)
// an approximate index is built as well.
func NewReferenceSet(refs []Reference, hnswMin int) *ReferenceSet {
	kept := make([]Reference, 0, len(refs))
	for _, r := range refs {
		if len(r.Embedding) == 0 || r.Identity == "" {
			continue
		}
		kept = append(kept, r)
	}

	set := &ReferenceSet{refs: kept}
	if hnswMin > 0 && len(kept) >= hnswMin && sameDim(kept) {
		g := hnsw.NewGraph[int]()
		g.M = hnswMaxNeighbors
		g.Ml = 1.0 / float64(hnswMaxNeighbors) // Standard HNSW formula
		g.EfSearch = hnswEfSearch
		g.Distance = hnsw.CosineDistance
		for i := range kept {
			g.Add(hnsw.MakeNode(i, kept[i].Embedding))
		}
		set.graph = g
	}
	return set
}

// sameDim reports whether all embeddings have the dimension of the first one.
func sameDim(refs []Reference) bool {
	for _, r := range refs[1:] {
		if len(r.Embedding) != len(refs[0].Embedding) {
			return false
		}
	}
	return true
}

// Len returns the number of usable references.
func (s *ReferenceSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.refs)
}

// Indexed reports whether the set uses the HNSW graph.
func (s *ReferenceSet) Indexed() bool {
	return s != nil && s.graph != nil
}

// Identities returns the distinct identities in insertion order.
func (s *ReferenceSet) Identities() []string {
	if s == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(s.refs))
	var out []string
	for _, r := range s.refs {
		if _, ok := seen[r.Identity]; ok {
			continue
		}
		seen[r.Identity] = struct{}{}
		out = append(out, r.Identity)
	}
	return out
}

// References returns a copy of the references.
func (s *ReferenceSet) References() []Reference {
	if s == nil {
		return nil
	}
	return append([]Reference(nil), s.refs...)
}

// Best returns the reference most similar to query and its cosine similarity.
// ok is false for an empty set.
func (s *ReferenceSet) Best(query []float32) (ref Reference, similarity float64, ok bool) {
	if s.Len() == 0 || len(query) == 0 {
		return Reference{}, 0, false
	}

	candidates := s.candidates(query)
	best := -1
	similarity = -2
	for _, i := range candidates {
		sim := CosineSimilarity(query, s.refs[i].Embedding)
		if sim > similarity {
			best, similarity = i, sim
		}
	}
	if best < 0 {
		return Reference{}, 0, false
	}
	return s.refs[best], similarity, true
}

// candidates returns the reference indexes to score exactly.
func (s *ReferenceSet) candidates(query []float32) []int {
	if s.graph != nil && len(query) == len(s.refs[0].Embedding) {
		nodes := s.graph.Search(query, hnswCandidates)
		if len(nodes) > 0 {
			out := make([]int, len(nodes))
			for i, n := range nodes {
				out[i] = n.Key
			}
			return out
		}
	}
	out := make([]int, len(s.refs))
	for i := range out {
		out[i] = i
	}
	return out
}
