package models

import "sort"

// StableChannel is always listed first among channels
const StableChannel = "stable"

// BuildRecord is the provenance document persisted for one successful build
type BuildRecord struct {
	Channel          string `json:"channel"`
	RequestedRef     string `json:"requested_ref"`
	VersionString    string `json:"version_string"`
	CommitShort      string `json:"commit_short"`
	Timestamp        int64  `json:"timestamp"`
	Manufacturer     string `json:"manufacturer"`
	Printer          string `json:"printer"`
	ArtifactBaseName string `json:"artifact_base_name"`
	SHA256           string `json:"sha256"`
}

// NewBuildRecord starts a record from the run's snapshot
func NewBuildRecord(s *Snapshot, t Target) *BuildRecord {
	return &BuildRecord{
		Channel:          s.Channel,
		RequestedRef:     s.RequestedRef,
		VersionString:    s.VersionString,
		CommitShort:      s.CommitShort,
		Manufacturer:     t.Manufacturer,
		Printer:          t.Printer,
		ArtifactBaseName: s.VersionString,
	}
}

// SortChannels orders channel names with "stable" first and the rest
// lexically.
func SortChannels(channels []string) {
	sort.SliceStable(channels, func(i, j int) bool {
		a, b := channels[i], channels[j]
		if a == StableChannel || b == StableChannel {
			return a == StableChannel && b != StableChannel
		}
		return a < b
	})
}
