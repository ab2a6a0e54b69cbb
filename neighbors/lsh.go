// Package neighbors provides a locality-sensitive-hashing index over dense
// vectors, used to look up the nearest original examples of a reduced
// input. Signed random projections bucket the vectors; queries rank the
// bucket candidates by exact cosine similarity.
package neighbors

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/fuqianggu/deep-knn/util/vectorutil"
)

// Neighbor is one query result.
type Neighbor struct {
	ID         int
	Similarity float64
}

type Index struct {
	dim     int
	tables  int
	hashes  int
	seed    int64
	planes  [][]float32        // tables*hashes hyperplanes of length dim
	buckets []map[uint64][]int // per table: signature -> ids
	vectors map[int][]float32
}

type Option func(*Index)

// WithTables sets the number of independent hash tables.
func WithTables(n int) Option {
	return func(idx *Index) { idx.tables = n }
}

// WithHashes sets the number of hyperplanes per table.
func WithHashes(n int) Option {
	return func(idx *Index) { idx.hashes = n }
}

// WithSeed fixes the hyperplane generator for reproducible indexes.
func WithSeed(seed int64) Option {
	return func(idx *Index) { idx.seed = seed }
}

// New creates an empty index for vectors of the given dimension.
func New(dim int, opts ...Option) (*Index, error) {
	if dim < 1 {
		return nil, fmt.Errorf("vector dimension must be at least 1, got %d", dim)
	}
	idx := &Index{
		dim:     dim,
		tables:  8,
		hashes:  12,
		seed:    42,
		vectors: map[int][]float32{},
	}
	for _, opt := range opts {
		opt(idx)
	}
	if idx.tables < 1 || idx.hashes < 1 {
		return nil, fmt.Errorf("index requires at least 1 table and 1 hash, got %d and %d", idx.tables, idx.hashes)
	}

	rng := rand.New(rand.NewSource(idx.seed))
	idx.planes = make([][]float32, idx.tables*idx.hashes)
	for i := range idx.planes {
		plane := make([]float32, dim)
		for d := range plane {
			plane[d] = float32(rng.NormFloat64())
		}
		idx.planes[i] = plane
	}
	idx.buckets = make([]map[uint64][]int, idx.tables)
	for t := range idx.buckets {
		idx.buckets[t] = map[uint64][]int{}
	}
	return idx, nil
}

// signature hashes the sign pattern of the vector against one table's
// hyperplanes, packing the bits little-endian into the hasher.
func (idx *Index) signature(table int, vector []float32) uint64 {
	h := xxhash.New()
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(table))
	h.Write(buf)

	var word uint64
	bit := 0
	for i := 0; i < idx.hashes; i++ {
		plane := idx.planes[table*idx.hashes+i]
		if vectorutil.Dot(plane, vector) >= 0 {
			word |= 1 << bit
		}
		bit++
		if bit == 64 {
			binary.LittleEndian.PutUint64(buf, word)
			h.Write(buf)
			word, bit = 0, 0
		}
	}
	if bit > 0 {
		binary.LittleEndian.PutUint64(buf, word)
		h.Write(buf)
	}
	return h.Sum64()
}

// Add indexes a vector under the given id. Re-adding an id replaces its
// vector but not its stale bucket entries, so ids should be unique.
func (idx *Index) Add(id int, vector []float32) error {
	if len(vector) != idx.dim {
		return fmt.Errorf("vector has dimension %d, index requires %d", len(vector), idx.dim)
	}
	idx.vectors[id] = vector
	for t := 0; t < idx.tables; t++ {
		key := idx.signature(t, vector)
		idx.buckets[t][key] = append(idx.buckets[t][key], id)
	}
	return nil
}

func (idx *Index) Len() int {
	return len(idx.vectors)
}

// Query returns up to k indexed vectors sharing a bucket with the query in
// any table, ranked by exact cosine similarity. Fewer than k results means
// no other candidates hashed nearby.
func (idx *Index) Query(vector []float32, k int) ([]Neighbor, error) {
	if len(vector) != idx.dim {
		return nil, fmt.Errorf("query vector has dimension %d, index requires %d", len(vector), idx.dim)
	}
	if k < 1 {
		return nil, fmt.Errorf("neighbor count must be at least 1, got %d", k)
	}

	seen := map[int]bool{}
	var candidates []Neighbor
	for t := 0; t < idx.tables; t++ {
		key := idx.signature(t, vector)
		for _, id := range idx.buckets[t][key] {
			if seen[id] {
				continue
			}
			seen[id] = true
			candidates = append(candidates, Neighbor{
				ID:         id,
				Similarity: vectorutil.CosineSimilarity(vector, idx.vectors[id]),
			})
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].Similarity != candidates[b].Similarity {
			return candidates[a].Similarity > candidates[b].Similarity
		}
		return candidates[a].ID < candidates[b].ID
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}
