package core

// VolumeState is the persistent lifecycle state recorded in the superblock.
// It is distinct from AdminStateCode: the admin state tracks a running
// entity's transitions, while the volume state records what a restarted
// volume should expect to find on disk.
type VolumeState string

const (
	// VolumeNew marks a freshly formatted volume which has never held data.
	VolumeNew VolumeState = "new"
	// VolumeClean marks a volume which was saved cleanly.
	VolumeClean VolumeState = "clean"
	// VolumeDirty marks a volume which is (or was last) running without a
	// clean save; recovery must replay the journal.
	VolumeDirty VolumeState = "dirty"
	// VolumeRecovering marks a volume in the middle of a rebuild.
	VolumeRecovering VolumeState = "recovering"
	// VolumeReadOnly marks a volume which entered read-only mode.
	VolumeReadOnly VolumeState = "read-only"
	// VolumeForceRebuild marks a volume whose next start must rebuild.
	VolumeForceRebuild VolumeState = "force-rebuild"
	// VolumeReplaying marks a volume replaying its journal; a save in this
	// state is an invariant violation.
	VolumeReplaying VolumeState = "replaying"
)

// SavedState maps a running volume state to the state written by a clean
// save, and reports whether saving is legal at all. Dirty, new and clean
// volumes save as clean; read-only, rebuild and recovering states are
// preserved as they are; a replaying volume must not be saved.
func (s VolumeState) SavedState() (VolumeState, bool) {
	switch s {
	case VolumeNew, VolumeClean, VolumeDirty:
		return VolumeClean, true
	case VolumeReadOnly, VolumeForceRebuild, VolumeRecovering:
		return s, true
	default:
		return s, false
	}
}
