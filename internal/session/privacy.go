package session

import "path/filepath"

// PrivacyFilter masks server-side details in snapshots handed to clients.
// The zero value is a no-op filter.
type PrivacyFilter struct {
	// MaskWorkspaces reduces workspace paths to their base name.
	MaskWorkspaces bool
	// HideWorkspaces drops workspace paths entirely.
	HideWorkspaces bool
}

// Apply returns a masked copy of snap.
func (f PrivacyFilter) Apply(snap Snapshot) Snapshot {
	switch {
	case f.HideWorkspaces:
		snap.Workspace = ""
	case f.MaskWorkspaces && snap.Workspace != "":
		snap.Workspace = filepath.Base(snap.Workspace)
	}
	return snap
}

// ApplyAll masks every snapshot in place and returns the slice.
func (f PrivacyFilter) ApplyAll(snaps []Snapshot) []Snapshot {
	if f.IsNoop() {
		return snaps
	}
	for i := range snaps {
		snaps[i] = f.Apply(snaps[i])
	}
	return snaps
}

// IsNoop reports whether the filter changes nothing.
func (f PrivacyFilter) IsNoop() bool {
	return !f.MaskWorkspaces && !f.HideWorkspaces
}
