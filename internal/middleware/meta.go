package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lesson-draw-api/pkg/middleware/requestid"
)

const responseMetaKey = "response_meta"

// ResponseMeta collects per-request metadata that handlers attach to the
// response envelope: request id, processing time and cache hits.
func ResponseMeta() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(responseMetaKey, map[string]interface{}{"started_at": time.Now()})
		c.Next()
	}
}

// SetCacheHit records whether the response was served from cache.
func SetCacheHit(c *gin.Context, hit bool) {
	meta(c)["cache_hit"] = hit
}

// Meta returns the response metadata for the current request, filling in
// the request id and the elapsed time so far.
func Meta(c *gin.Context) map[string]interface{} {
	m := meta(c)
	out := make(map[string]interface{}, len(m)+2)
	for k, v := range m {
		if k == "started_at" {
			if started, ok := v.(time.Time); ok {
				out["processing_time_ms"] = time.Since(started).Milliseconds()
			}
			continue
		}
		out[k] = v
	}
	if id := requestid.Value(c); id != "" {
		out["request_id"] = id
	}
	return out
}

func meta(c *gin.Context) map[string]interface{} {
	if value, exists := c.Get(responseMetaKey); exists {
		if typed, ok := value.(map[string]interface{}); ok {
			return typed
		}
	}
	m := make(map[string]interface{})
	c.Set(responseMetaKey, m)
	return m
}
