package postgres

import (
	"fmt"
	"strconv"
	"strings"
)

// int64Array scans a Postgres bigint[] column rendered as "{1,2,3}".
type int64Array []int64

func (a *int64Array) Scan(src any) error {
	if src == nil {
		*a = nil
		return nil
	}
	var text string
	switch value := src.(type) {
	case string:
		text = value
	case []byte:
		text = string(value)
	default:
		return fmt.Errorf("reports repo: cannot scan %T into int64Array", src)
	}

	text = strings.TrimPrefix(strings.TrimSuffix(text, "}"), "{")
	if text == "" {
		*a = int64Array{}
		return nil
	}
	parts := strings.Split(text, ",")
	result := make(int64Array, 0, len(parts))
	for _, part := range parts {
		value, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return fmt.Errorf("reports repo: malformed array element %q: %w", part, err)
		}
		result = append(result, value)
	}
	*a = result
	return nil
}
