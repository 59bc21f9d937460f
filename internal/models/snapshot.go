package models

import "strings"

// Snapshot is an immutable archived copy of the upstream source at a
// resolved revision, shared read-only by every target build in one run.
type Snapshot struct {
	Channel       string `json:"channel"`
	RequestedRef  string `json:"requested_ref"`
	CommitShort   string `json:"commit_short"`
	VersionString string `json:"version_string"`
	ArchivePath   string `json:"archive_path"`
}

// VersionString derives the version from channel, requested ref and the
// resolved short commit. The ref is only included when it differs from
// both the channel and the commit.
func VersionString(channel, ref, commitShort string) string {
	if ref == channel || ref == commitShort {
		return channel + "-" + commitShort
	}
	return channel + "-" + ref + "-" + commitShort
}

// IsMarlin2 reports whether the channel or ref names a 2.x lineage
func (s *Snapshot) IsMarlin2() bool {
	return strings.Contains(s.Channel, "2.") || strings.Contains(s.RequestedRef, "2.")
}
