package store

import (
	"fmt"
	"strconv"
	"strings"
)

// VectorToString converts a float32 slice to pgvector text format: [1,2,3].
func VectorToString(vector []float32) string {
	if len(vector) == 0 {
		return "[]"
	}

	var sb strings.Builder
	sb.WriteByte('[')
	for i, val := range vector {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(val), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

// StringToVector parses pgvector text format back into a float32 slice.
func StringToVector(vectorStr string) ([]float32, error) {
	vectorStr = strings.Trim(strings.TrimSpace(vectorStr), "[]")
	if vectorStr == "" {
		return []float32{}, nil
	}

	parts := strings.Split(vectorStr, ",")
	vector := make([]float32, len(parts))
	for i, part := range parts {
		val, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector element %q: %w", part, err)
		}
		vector[i] = float32(val)
	}
	return vector, nil
}
