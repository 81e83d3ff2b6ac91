package gateway

import (
	"errors"
	"strconv"
	"strings"
)

var errInvalidRange = errors.New("gateway: invalid range")

// byteRange is an inclusive [Start, End] slice of the artifact.
type byteRange struct {
	Start int64
	End   int64
}

func (r byteRange) length() int64 { return r.End - r.Start + 1 }

// parseRange evaluates an optional single Range header against an artifact of
// the given size. An empty header serves the full object. Multiple ranges,
// malformed syntax, and out-of-bounds positions are all errInvalidRange.
// Supported forms: bytes=a-b, bytes=a-, bytes=-n.
func parseRange(header string, size int64) (byteRange, error) {
	full := byteRange{Start: 0, End: size - 1}
	if header == "" {
		return full, nil
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return byteRange{}, errInvalidRange
	}
	if strings.Contains(spec, ",") {
		return byteRange{}, errInvalidRange
	}
	spec = strings.TrimSpace(spec)

	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return byteRange{}, errInvalidRange
	}

	if first == "" {
		// Suffix form: last n bytes.
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return byteRange{}, errInvalidRange
		}
		if n > size {
			n = size
		}
		return byteRange{Start: size - n, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 || start >= size {
		return byteRange{}, errInvalidRange
	}

	if last == "" {
		// Open-ended form: from start to the end.
		return byteRange{Start: start, End: size - 1}, nil
	}

	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start || end >= size {
		return byteRange{}, errInvalidRange
	}
	return byteRange{Start: start, End: end}, nil
}
