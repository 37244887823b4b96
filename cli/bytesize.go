package cli

import (
	"math"

	"github.com/dustin/go-humanize"
	"golang.org/x/xerrors"
)

// byteSize is a flag value that accepts sizes like "8KiB" or "1 MB".
type byteSize int64

func (b *byteSize) Set(s string) error {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return xerrors.Errorf("parse size %q: %w", s, err)
	}
	if n > math.MaxInt32 {
		return xerrors.Errorf("size %q is too large", s)
	}
	*b = byteSize(n)
	return nil
}

func (b *byteSize) String() string {
	return humanize.IBytes(uint64(*b))
}

func (*byteSize) Type() string {
	return "byte-size"
}

func (b *byteSize) Int() int {
	return int(*b)
}
