package docstore

// String returns the named field as a string, or "" when absent or not
// a string.
func String(f Fields, key string) string {
	s, _ := f[key].(string)
	return s
}

// Int64 returns the named field as an int64. Numbers arrive as int64
// from MemStore and as float64 after the Redis JSON round trip; both
// are accepted. Absent or non-numeric fields return 0.
func Int64(f Fields, key string) int64 {
	switch v := f[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}
