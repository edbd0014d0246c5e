package metadata

import (
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
)

// FromWatermill copies Watermill metadata, skipping keys starting with
// internalPrefix (transport bookkeeping that the child must not see).
func FromWatermill(md message.Metadata, internalPrefix string) Metadata {
	result := make(Metadata, len(md))
	for k, v := range md {
		if internalPrefix != "" && strings.HasPrefix(k, internalPrefix) {
			continue
		}
		result[k] = v
	}
	return result
}

// ToWatermill converts headers into a Watermill metadata map.
func ToWatermill(headers Metadata) message.Metadata {
	wm := make(message.Metadata, len(headers))
	for k, v := range headers {
		wm[k] = v
	}
	return wm
}
