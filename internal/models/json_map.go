package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// JSONMap maps a jsonb column onto a plain Go map.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner.
func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("jsonmap: unsupported scan type")
	}

	return json.Unmarshal(bytes, j)
}

// String returns the value stored under key when it is a string.
func (j JSONMap) String(key string) string {
	if j == nil {
		return ""
	}
	if s, ok := j[key].(string); ok {
		return s
	}
	return ""
}
