// Package httprange parses and resolves HTTP Range headers.
package httprange

import (
	"errors"
	"strconv"
	"strings"
)

// Range is a single byte range from a Range header. Start == -1 marks a
// suffix range of End bytes; End == -1 marks an open-ended range.
type Range struct {
	Start int64
	End   int64
}

// Parse parses a Range header value. Only the first range of a
// multi-range header is honored.
func Parse(s string) (*Range, error) {
	const preamble = "bytes="
	if !strings.HasPrefix(s, preamble) {
		return nil, errors.New("range: header invalid: doesn't start with " + preamble)
	}
	s = s[len(preamble):]
	if i := strings.IndexRune(s, ','); i >= 0 {
		s = s[:i]
	}
	dash := strings.IndexRune(s, '-')
	if dash < 0 {
		return nil, errors.New("range: header invalid: contains no '-'")
	}
	start, end := strings.TrimSpace(s[:dash]), strings.TrimSpace(s[dash+1:])
	r := Range{Start: -1, End: -1}
	var err error
	if start != "" {
		r.Start, err = strconv.ParseInt(start, 10, 64)
		if err != nil || r.Start < 0 {
			return nil, errors.New("range: header invalid: bad start")
		}
	}
	if end != "" {
		r.End, err = strconv.ParseInt(end, 10, 64)
		if err != nil || r.End < 0 {
			return nil, errors.New("range: header invalid: bad end")
		}
	}
	if r.Start < 0 && r.End < 0 {
		return nil, errors.New("range: header invalid: empty range")
	}

	return &r, nil
}

// Resolve clamps the range against a source of size bytes and returns
// the inclusive [start, end] to serve. A zero-size source always yields
// the empty sentinel [0, -1]. A start past the last byte yields the
// empty sentinel [size, size-1].
func (r *Range) Resolve(size int64) (start, end int64) {
	if size <= 0 {
		return 0, -1
	}

	if r.Start < 0 {
		// Suffix range: last End bytes.
		start = size - r.End
		if start < 0 {
			start = 0
		}
		return start, size - 1
	}

	start = r.Start
	if start > size {
		start = size
	}
	end = r.End
	if end < 0 || end > size-1 {
		end = size - 1
	}
	if start > size-1 {
		return size, size - 1
	}
	return start, end
}
