package cache

import (
	"fmt"
	"time"
)

// ReportKey is the hot-cache slot for a video's usable report at one analysis
// version. Bumping the version moves readers to a fresh key.
func ReportKey(videoID int64, version int) string {
	return fmt.Sprintf("analysis:report:%d:v%d", videoID, version)
}

// RateLimitKey counts one API key's requests in the window starting at
// windowStart. Each window gets its own counter.
func RateLimitKey(keyPrefix string, windowStart time.Time) string {
	return fmt.Sprintf("ratelimit:apikey:%s:%d", keyPrefix, windowStart.Unix())
}
