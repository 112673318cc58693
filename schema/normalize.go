package schema

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
)

// MaxCount is the largest batch any transport accepts.
const MaxCount = math.MaxInt32

// ValidateCount ensures a batch asks for at least one container.
func ValidateCount(count int) error {
	if count < 1 {
		return &ValidationError{Input: strconv.Itoa(count), Reason: "must be at least 1"}
	}
	if count > MaxCount {
		return &ValidationError{Input: strconv.Itoa(count), Reason: "too large"}
	}
	return nil
}

// ParseCount parses a count taken from a path segment or CLI argument.
// Only base-10 integers of at least 1 are accepted.
func ParseCount(raw string) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, &ValidationError{Reason: "missing"}
	}
	n, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			if strings.HasPrefix(trimmed, "-") {
				return 0, &ValidationError{Input: raw, Reason: "must be at least 1"}
			}
			return 0, &ValidationError{Input: raw, Reason: "too large"}
		}
		return 0, &ValidationError{Input: raw, Reason: "not an integer"}
	}
	return countFromInt64(n, raw)
}

// CountFromJSON validates a count decoded from a JSON body. Only JSON numbers
// holding an integer of at least 1 are accepted; numeric strings are not.
func CountFromJSON(value any) (int, error) {
	switch v := value.(type) {
	case nil:
		return 0, &ValidationError{Reason: "missing"}
	case float64:
		return countFromFloat(v, strconv.FormatFloat(v, 'g', -1, 64))
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return countFromInt64(n, v.String())
		}
		f, err := v.Float64()
		if err != nil {
			return 0, &ValidationError{Input: v.String(), Reason: "not a number"}
		}
		return countFromFloat(f, v.String())
	case int:
		return countFromInt64(int64(v), strconv.Itoa(v))
	case int64:
		return countFromInt64(v, strconv.FormatInt(v, 10))
	case string:
		return 0, &ValidationError{Input: v, Reason: "not a number"}
	default:
		return 0, &ValidationError{Reason: "not a number"}
	}
}

func countFromFloat(f float64, input string) (int, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &ValidationError{Input: input, Reason: "not a number"}
	}
	if f != math.Trunc(f) {
		return 0, &ValidationError{Input: input, Reason: "not an integer"}
	}
	if f > MaxCount {
		return 0, &ValidationError{Input: input, Reason: "too large"}
	}
	return countFromInt64(int64(f), input)
}

func countFromInt64(n int64, input string) (int, error) {
	if n < 1 {
		return 0, &ValidationError{Input: input, Reason: "must be at least 1"}
	}
	if n > MaxCount {
		return 0, &ValidationError{Input: input, Reason: "too large"}
	}
	return int(n), nil
}
