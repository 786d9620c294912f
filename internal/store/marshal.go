package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// millis converts an optional time to a nullable INTEGER column value.
func millis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

// fromMillis converts a nullable INTEGER column back to an optional UTC time.
func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalPath encodes a namespace path as a JSON array.
func marshalPath(path []int64) (string, error) {
	if len(path) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(path)
	if err != nil {
		return "", fmt.Errorf("marshal namespace path: %w", err)
	}
	return string(data), nil
}

func unmarshalPath(data string) ([]int64, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var path []int64
	if err := json.Unmarshal([]byte(data), &path); err != nil {
		return nil, fmt.Errorf("unmarshal namespace path: %w", err)
	}
	return path, nil
}
