package docstore

import "reflect"

// diffSnapshots compares two snapshots of a collection and returns the
// added, modified, and removed deltas. Both snapshots must be ordered
// by id (the List contract). Field comparison is deep equality after
// the JSON round trip, so numeric types are already normalized.
func diffSnapshots(prev, next []Doc) (added, modified, removed []Doc) {
	prevByID := make(map[string]Doc, len(prev))
	for _, d := range prev {
		prevByID[d.ID] = d
	}

	seen := make(map[string]bool, len(next))
	for _, d := range next {
		seen[d.ID] = true
		old, ok := prevByID[d.ID]
		if !ok {
			added = append(added, d)
			continue
		}
		if !reflect.DeepEqual(old.Fields, d.Fields) {
			modified = append(modified, d)
		}
	}

	for _, d := range prev {
		if !seen[d.ID] {
			removed = append(removed, d)
		}
	}
	return added, modified, removed
}
