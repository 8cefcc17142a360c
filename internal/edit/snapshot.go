package edit

import (
	"encoding/json"
	"hash/fnv"
	"math"
	"math/bits"
	"strings"
)

// Snapshot is an immutable, canonical edit parameter set. Two snapshots with
// the same values are bit-equal and share the same hash, so Equal is O(1).
type Snapshot struct {
	params Params
	hash   uint64
}

var defaultSnapshot = NewSnapshot(Params{})

// Default returns the identity snapshot.
func Default() Snapshot { return defaultSnapshot }

// NewSnapshot clamps every parameter into range, canonicalises -0 and NaN to
// 0, and computes the structural hash.
func NewSnapshot(p Params) Snapshot {
	var canon Params
	for _, id := range AllParams() {
		v := p.Get(id)
		if math.IsNaN(v) || v == 0 {
			v = 0
		}
		canon = canon.Set(id, Range(id).Clamp(v))
	}
	return Snapshot{params: canon, hash: hashParams(canon)}
}

func hashParams(p Params) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, v := range p.Values() {
		u := math.Float64bits(v)
		for i := range buf {
			buf[i] = byte(u >> (8 * i))
		}
		h.Write(buf[:])
	}
	return h.Sum64()
}

func (s Snapshot) Params() Params { return s.params }

func (s Snapshot) Get(p ParamID) float64 { return s.params.Get(p) }

// Hash returns the structural hash. The zero Snapshot is treated as Default.
func (s Snapshot) Hash() uint64 {
	if s.hash == 0 && s.params == (Params{}) {
		return defaultSnapshot.hash
	}
	return s.hash
}

// With returns a new snapshot with p set to v.
func (s Snapshot) With(p ParamID, v float64) Snapshot {
	return NewSnapshot(s.params.Set(p, v))
}

func (s Snapshot) Equal(o Snapshot) bool { return s.Hash() == o.Hash() }

func (s Snapshot) IsDefault() bool { return s.Equal(defaultSnapshot) }

func (s Snapshot) String() string {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	for _, id := range AllParams() {
		v := s.params.Get(id)
		if v == 0 {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString(id.String())
		b.WriteByte(':')
		b.WriteString(formatFloat(v))
	}
	b.WriteByte('}')
	return b.String()
}

func formatFloat(v float64) string {
	out, _ := json.Marshal(v)
	return string(out)
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.params)
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var p Params
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = NewSnapshot(p)
	return nil
}

// ParamSet is a bit set of ParamIDs.
type ParamSet uint16

func (ps ParamSet) Has(p ParamID) bool { return ps&(1<<p) != 0 }

func (ps ParamSet) Len() int { return bits.OnesCount16(uint16(ps)) }

func (ps ParamSet) Empty() bool { return ps == 0 }

func (ps ParamSet) IDs() []ParamID {
	var ids []ParamID
	for _, id := range AllParams() {
		if ps.Has(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (ps ParamSet) String() string {
	names := make([]string, 0, ps.Len())
	for _, id := range ps.IDs() {
		names = append(names, id.String())
	}
	return "[" + strings.Join(names, " ") + "]"
}

// Diff returns the set of parameters whose values differ between a and b.
// Equal hashes short-circuit to the empty set.
func Diff(a, b Snapshot) ParamSet {
	if a.Equal(b) {
		return 0
	}
	var set ParamSet
	for _, id := range AllParams() {
		if a.params.Get(id) != b.params.Get(id) {
			set |= 1 << id
		}
	}
	return set
}
