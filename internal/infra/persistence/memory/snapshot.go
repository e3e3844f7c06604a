package memory

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Buckets names the snapshot partitions written by the snapshotting SQL
// backends, one row per bucket.
var Buckets = []string{"principals", "farmers", "batches", "products", "certifications", "qrcodes", "mirrors"}

func (s *Snapshot) bucket(name string) (any, bool) {
	switch name {
	case "principals":
		return &s.Principals, true
	case "farmers":
		return &s.Farmers, true
	case "batches":
		return &s.Batches, true
	case "products":
		return &s.Products, true
	case "certifications":
		return &s.Certifications, true
	case "qrcodes":
		return &s.QRCodes, true
	case "mirrors":
		return &s.Mirrors, true
	default:
		return nil, false
	}
}

// EncodeBuckets serialises every bucket of the snapshot as JSON.
func (s Snapshot) EncodeBuckets() (map[string][]byte, error) {
	out := make(map[string][]byte, len(Buckets))
	for _, name := range Buckets {
		target, _ := s.bucket(name)
		data, err := json.Marshal(target)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		out[name] = data
	}
	return out, nil
}

// DecodeBucket loads one serialised bucket into the snapshot. Unknown
// buckets and empty payloads are ignored.
func (s *Snapshot) DecodeBucket(name string, payload []byte) error {
	target, ok := s.bucket(name)
	if !ok || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// ChangedBuckets lists, in Buckets order, the buckets whose encoding in next
// differs from prev.
func ChangedBuckets(prev, next map[string][]byte) []string {
	var changed []string
	for _, name := range Buckets {
		if !bytes.Equal(prev[name], next[name]) {
			changed = append(changed, name)
		}
	}
	return changed
}
