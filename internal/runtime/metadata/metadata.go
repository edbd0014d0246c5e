// Package metadata provides helpers for the string header maps that travel
// with every delivery and reply.
package metadata

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Well-known headers understood by the runtime.
const (
	HeaderCorrelationID = "CorrelationId"
	HeaderReplyTo       = "ReplyTo"
	HeaderTimeout       = "TimeoutMilliseconds"
	HeaderGroup         = "group"
)

// Metadata represents the headers carried alongside a delivery.
type Metadata map[string]string

// Clone returns a shallow copy; the result is never nil.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// With returns a copy containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

// Lookup finds key exactly, then case-insensitively. Brokers and client
// libraries disagree on header casing ("CorrelationId" vs "correlationid").
func (m Metadata) Lookup(key string) (string, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// Get is Lookup without the presence flag.
func (m Metadata) Get(key string) string {
	v, _ := m.Lookup(key)
	return v
}

// Timeout parses HeaderTimeout. A missing, malformed or negative value means
// no per-message timeout and yields ok == false.
func (m Metadata) Timeout() (time.Duration, bool) {
	raw, ok := m.Lookup(HeaderTimeout)
	if !ok {
		return 0, false
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || ms < 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// FromAny stringifies loosely typed headers such as the ones a child returns.
// nil values are dropped; byte slices are treated as text.
func FromAny(headers map[string]any) Metadata {
	out := make(Metadata, len(headers))
	for k, v := range headers {
		switch typed := v.(type) {
		case nil:
			continue
		case string:
			out[k] = typed
		case []byte:
			out[k] = string(typed)
		default:
			out[k] = fmt.Sprint(typed)
		}
	}
	return out
}
