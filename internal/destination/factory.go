// Package destination generates the topic/queue names workers attach to.
package destination

import (
	"errors"
	"fmt"
	"strconv"

	"mqbench/internal/lock"
)

// ErrRange reports an unusable base/max/count combination.
var ErrRange = errors.New("invalid destination range")

type Mode int

const (
	Single Mode = iota
	Multi
)

func (m Mode) String() string {
	if m == Multi {
		return "multi"
	}

	return "single"
}

// Factory hands out destination names. In single mode every call returns the
// prefix. In multi mode names are prefix+N with N drawn from a lock-guarded
// sequence.
type Factory struct {
	mode   Mode
	prefix string
	base   int64
	max    int64
	count  int64
	seq    *lock.Sequence
}

// New builds a factory. Zero means "not supplied" for base, max and count.
//
// When base, max and count are all supplied, count is the starting offset
// from base rather than the length of the range.
func New(prefix string, base, max, count int64) (*Factory, error) {
	f := &Factory{prefix: prefix, base: base, max: max, count: count}

	if base < 0 {
		return nil, fmt.Errorf("%w: base %d is negative", ErrRange, base)
	}

	if count < 0 {
		return nil, fmt.Errorf("%w: count %d is negative", ErrRange, count)
	}

	if max < 0 || (max > 0 && max < base) {
		return nil, fmt.Errorf("%w: max %d is below base %d", ErrRange, max, base)
	}

	if base == 0 && max == 0 && count == 0 {
		f.mode = Single

		return f, nil
	}

	f.mode = Multi

	switch {
	case base > 0 && max > 0 && count > 0:
		span := max - base + 1
		f.seq = lock.NewSequence(base, max, base+count%span, true)
	case count > 0:
		f.max = base + count - 1
		f.seq = lock.NewSequence(base, f.max, base, true)
	case max > 0:
		f.seq = lock.NewSequence(base, max, base, true)
	default:
		f.seq = lock.NewSequence(base, 0, base, false)
	}

	return f, nil
}

// Generate returns the next destination name.
func (f *Factory) Generate() string {
	if f.mode == Single {
		return f.prefix
	}

	return f.prefix + strconv.FormatInt(f.seq.Next(), 10)
}

func (f *Factory) Mode() Mode { return f.mode }

func (f *Factory) String() string {
	if f.mode == Single {
		return fmt.Sprintf("destination=%s", f.prefix)
	}

	if f.max == 0 {
		return fmt.Sprintf("destinations=%s[%d..]", f.prefix, f.base)
	}

	return fmt.Sprintf("destinations=%s[%d..%d]", f.prefix, f.base, f.max)
}
