package metadata

import (
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{"a": "1"}
	clone := original.Clone()
	clone["a"] = "changed"

	assert.Equal(t, "1", original["a"])

	var empty Metadata
	assert.NotNil(t, empty.Clone())
}

func TestWith(t *testing.T) {
	base := Metadata{"foo": "bar"}
	enriched := base.With("baz", "qux")

	assert.NotContains(t, base, "baz")
	assert.Equal(t, "qux", enriched["baz"])
	assert.Equal(t, "bar", enriched["foo"])
}

func TestLookupFallsBackToCaseInsensitive(t *testing.T) {
	md := Metadata{"correlationid": "c-1", "ReplyTo": "replies"}

	v, ok := md.Lookup(HeaderCorrelationID)
	assert.True(t, ok)
	assert.Equal(t, "c-1", v)
	assert.Equal(t, "replies", md.Get(HeaderReplyTo))

	_, ok = md.Lookup("missing")
	assert.False(t, ok)
}

func TestTimeout(t *testing.T) {
	tests := []struct {
		name string
		md   Metadata
		want time.Duration
		ok   bool
	}{
		{"missing", Metadata{}, 0, false},
		{"positive", Metadata{HeaderTimeout: "1500"}, 1500 * time.Millisecond, true},
		{"zero", Metadata{HeaderTimeout: "0"}, 0, true},
		{"negative means infinite", Metadata{HeaderTimeout: "-1"}, 0, false},
		{"malformed", Metadata{HeaderTimeout: "soon"}, 0, false},
		{"padded", Metadata{HeaderTimeout: " 20 "}, 20 * time.Millisecond, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.md.Timeout()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromAny(t *testing.T) {
	md := FromAny(map[string]any{
		"s":    "text",
		"n":    int8(7),
		"b":    []byte("raw"),
		"t":    true,
		"skip": nil,
	})

	assert.Equal(t, Metadata{"s": "text", "n": "7", "b": "raw", "t": "true"}, md)
}

func TestWatermillConversions(t *testing.T) {
	wm := message.Metadata{"k": "v", "_wp_tag": "42"}

	md := FromWatermill(wm, "_wp_")
	assert.Equal(t, Metadata{"k": "v"}, md)
	assert.Equal(t, Metadata{"k": "v", "_wp_tag": "42"}, FromWatermill(wm, ""))

	back := ToWatermill(Metadata{"a": "b"})
	assert.Equal(t, "b", back.Get("a"))
}
