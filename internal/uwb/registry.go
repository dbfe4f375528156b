package uwb

import "sort"

// AnchorRegistry maps anchor ids to their fixed positions. It is immutable
// once built; reconfiguration swaps in a whole new registry (which also
// invalidates any installed screen calibration, see TrackerStore.ReplaceAnchors).
type AnchorRegistry struct {
	anchors map[string]Vec3
}

// NewAnchorRegistry copies the given anchor map into a registry.
func NewAnchorRegistry(anchors map[string]Vec3) *AnchorRegistry {
	m := make(map[string]Vec3, len(anchors))
	for id, pos := range anchors {
		m[id] = pos
	}
	return &AnchorRegistry{anchors: m}
}

// Position returns the fixed position of the anchor, if registered.
func (r *AnchorRegistry) Position(id string) (Vec3, bool) {
	pos, ok := r.anchors[id]
	return pos, ok
}

// Len returns the number of registered anchors.
func (r *AnchorRegistry) Len() int {
	return len(r.anchors)
}

// IDs returns the registered anchor ids in sorted order.
func (r *AnchorRegistry) IDs() []string {
	ids := make([]string, 0, len(r.anchors))
	for id := range r.anchors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Positions returns a copy of the id → position map.
func (r *AnchorRegistry) Positions() map[string]Vec3 {
	m := make(map[string]Vec3, len(r.anchors))
	for id, pos := range r.anchors {
		m[id] = pos
	}
	return m
}
