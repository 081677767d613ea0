package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// RequestID is a JSON-RPC id, which peers may send as a number or a string.
// The zero value is an empty string id.
type RequestID struct {
	num   int64
	float float64
	str   string
	kind  idKind
}

type idKind uint8

const (
	idString idKind = iota
	idInt
	idFloat
)

// NumberID returns an integer id.
func NumberID(n int64) RequestID {
	return RequestID{num: n, kind: idInt}
}

// StringID returns a string id.
func StringID(s string) RequestID {
	return RequestID{str: s, kind: idString}
}

// Int64 normalizes the id into the integer space used for correlation.
// Integral floats and strings holding a base-10 integer ("3") are accepted.
func (id RequestID) Int64() (int64, bool) {
	switch id.kind {
	case idInt:
		return id.num, true
	case idFloat:
		if id.float == math.Trunc(id.float) && math.Abs(id.float) < 1<<53 {
			return int64(id.float), true
		}
		return 0, false
	default:
		n, err := strconv.ParseInt(strings.TrimSpace(id.str), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
}

func (id RequestID) String() string {
	switch id.kind {
	case idInt:
		return strconv.FormatInt(id.num, 10)
	case idFloat:
		return strconv.FormatFloat(id.float, 'g', -1, 64)
	default:
		return id.str
	}
}

// MarshalJSON echoes the id in the representation it arrived in.
func (id RequestID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idInt:
		return strconv.AppendInt(nil, id.num, 10), nil
	case idFloat:
		return json.Marshal(id.float)
	default:
		return json.Marshal(id.str)
	}
}

// UnmarshalJSON accepts a JSON number or string.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	if n, err := strconv.ParseInt(string(data), 10, 64); err == nil {
		*id = NumberID(n)
		return nil
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("wire: id must be a string or number, got %s", data)
	}
	*id = RequestID{float: f, kind: idFloat}
	return nil
}
