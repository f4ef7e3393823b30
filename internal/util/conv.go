package util

// ToInt64 flattens the numeric types a Lua script reply can come back as.
func ToInt64(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	case uint64:
		return int64(x)
	case int:
		return int64(x)
	default:
		return 0
	}
}
