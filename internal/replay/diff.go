package replay

import (
	"fmt"
	"math"
	"strings"

	"github.com/roach88/tracereplay/internal/canonical"
)

// DivergenceType classifies one structural difference.
type DivergenceType string

const (
	DivergenceValue        DivergenceType = "value_mismatch"
	DivergenceTypeMismatch DivergenceType = "type_mismatch"
	DivergenceMissing      DivergenceType = "missing_in_replay"
	DivergenceExtra        DivergenceType = "extra_in_replay"
	DivergenceLength       DivergenceType = "array_length"
)

// Divergence is one difference between a recorded and a replayed value.
type Divergence struct {
	Path     string         `json:"path"`
	Type     DivergenceType `json:"type"`
	Original any            `json:"original,omitempty"`
	Replay   any            `json:"replay,omitempty"`
}

// comparison is the result of walking two values.
type comparison struct {
	divergences []Divergence
	leaves      int
	matching    int
}

// confidence is the fraction of compared leaves that matched; 1.0 when
// there was nothing to compare.
func (c comparison) confidence() float64 {
	if c.leaves == 0 {
		return 1.0
	}
	return float64(c.matching) / float64(c.leaves)
}

// topLevelFields counts distinct root fields touched by the divergences.
func (c comparison) topLevelFields() int {
	seen := make(map[string]struct{})
	for _, d := range c.divergences {
		seen[rootField(d.Path)] = struct{}{}
	}
	return len(seen)
}

func rootField(path string) string {
	if i := strings.IndexAny(path, ".["); i > 0 {
		return path[:i]
	}
	return path
}

// compare walks original and replay after canonical normalization.
// tolerance > 0 makes numbers equal when within tolerance of each other.
func compare(original, replay any, tolerance float64) comparison {
	var c comparison
	a, errA := canonical.Normalize(original, canonical.DefaultRules)
	b, errB := canonical.Normalize(replay, canonical.DefaultRules)
	if errA != nil || errB != nil {
		c.leaves = 1
		c.divergences = append(c.divergences, Divergence{Path: "$", Type: DivergenceTypeMismatch})
		return c
	}
	c.walk("", a, b, tolerance)
	return c
}

func (c *comparison) walk(path string, a, b any, tol float64) {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok {
			c.leaf(path, a, b, false, DivergenceTypeMismatch)
			return
		}
		for _, k := range canonical.SortedKeys(av) {
			child := joinPath(path, k)
			if _, ok := bv[k]; !ok {
				c.leaf(child, av[k], nil, false, DivergenceMissing)
				continue
			}
			c.walk(child, av[k], bv[k], tol)
		}
		for _, k := range canonical.SortedKeys(bv) {
			if _, ok := av[k]; !ok {
				c.leaf(joinPath(path, k), nil, bv[k], false, DivergenceExtra)
			}
		}
	case []any:
		bv, ok := b.([]any)
		if !ok {
			c.leaf(path, a, b, false, DivergenceTypeMismatch)
			return
		}
		if len(av) != len(bv) {
			c.divergences = append(c.divergences, Divergence{
				Path: orRoot(path), Type: DivergenceLength, Original: len(av), Replay: len(bv),
			})
		}
		n := min(len(av), len(bv))
		for i := 0; i < n; i++ {
			c.walk(fmt.Sprintf("%s[%d]", path, i), av[i], bv[i], tol)
		}
		// Unpaired elements count as unmatched leaves.
		c.leaves += max(len(av), len(bv)) - n
	default:
		c.scalar(path, a, b, tol)
	}
}

func (c *comparison) scalar(path string, a, b any, tol float64) {
	fa, aNum := canonical.Float(a)
	fb, bNum := canonical.Float(b)
	switch {
	case aNum && bNum:
		equal := fa == fb || (tol > 0 && math.Abs(fa-fb) <= tol+1e-12)
		c.leaf(path, a, b, equal, DivergenceValue)
	case aNum != bNum, fmt.Sprintf("%T", a) != fmt.Sprintf("%T", b):
		c.leaf(path, a, b, false, DivergenceTypeMismatch)
	default:
		c.leaf(path, a, b, a == b, DivergenceValue)
	}
}

func (c *comparison) leaf(path string, a, b any, equal bool, kind DivergenceType) {
	c.leaves++
	if equal {
		c.matching++
		return
	}
	c.divergences = append(c.divergences, Divergence{Path: orRoot(path), Type: kind, Original: a, Replay: b})
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func orRoot(path string) string {
	if path == "" {
		return "$"
	}
	return path
}
