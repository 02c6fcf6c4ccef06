package mapping

import "strconv"

// RevisionNewer reports whether candidate supersedes stored. Markers that both
// parse as integers compare numerically, anything else compares as strings.
// Equal markers are not newer: re-delivery of an identical revision is a no-op.
func RevisionNewer(candidate, stored string) bool {
	if candidate == stored {
		return false
	}
	cn, cErr := strconv.ParseInt(candidate, 10, 64)
	sn, sErr := strconv.ParseInt(stored, 10, 64)
	if cErr == nil && sErr == nil {
		return cn > sn
	}
	return candidate > stored
}
