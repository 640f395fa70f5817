package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
)

// NormalizeTokenIDs tolerates the exchange returning token lists as
// JSON-encoded strings, literal JSON arrays, or bare scalars. Order is
// preserved for list/array inputs; every returned entry is a non-empty
// string.
func NormalizeTokenIDs(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	// Literal JSON array of strings: ["123", "456"].
	var asArray []string
	if err := json.Unmarshal(raw, &asArray); err == nil {
		return filterNonEmpty(asArray), nil
	}

	// A JSON string, which may itself encode an array, a single scalar, or
	// be a bare (non-JSON) token ID.
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return normalizeStringValue(asString), nil
	}

	return nil, fmt.Errorf("unsupported token id encoding: %s", string(raw))
}

func normalizeStringValue(s string) []string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}

	// Does it parse as a JSON-encoded array of strings?
	var nested []string
	if err := json.Unmarshal([]byte(trimmed), &nested); err == nil {
		return filterNonEmpty(nested)
	}

	// Does it parse as a JSON-encoded single scalar string ("\"123\"")?
	var nestedScalar string
	if err := json.Unmarshal([]byte(trimmed), &nestedScalar); err == nil {
		if nestedScalar == "" {
			return nil
		}
		return []string{nestedScalar}
	}

	// Plain non-JSON string: treat as one bare token ID.
	return []string{trimmed}
}

func filterNonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// NormalizeOutcomes extracts the two outcome labels from the same tolerant
// encodings as NormalizeTokenIDs. Falls back to {"Up","Down"} if the
// exchange's labels can't be parsed.
func NormalizeOutcomes(raw json.RawMessage) ([2]string, error) {
	ids, err := NormalizeTokenIDs(raw)
	if err != nil || len(ids) < 2 {
		return [2]string{"Up", "Down"}, nil
	}
	return [2]string{ids[0], ids[1]}, nil
}
