package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// FromWatermill copies broker metadata into headers. It never returns nil.
func FromWatermill(md message.Metadata) Metadata {
	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill copies headers into broker metadata, leaving out the keys that
// only describe the inbound side of a consumer.
func ToWatermill(md Metadata) message.Metadata {
	wm := make(message.Metadata, len(md))
	for k, v := range md {
		if _, local := consumerLocal[k]; local {
			continue
		}
		wm[k] = v
	}
	return wm
}
