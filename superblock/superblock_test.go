package superblock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusvolume/core"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	rec := NewRecord()
	rec.State = core.VolumeDirty
	rec.LogicalBlocks = 1 << 20
	rec.PhysicalBlocks = 1 << 18
	rec.MappingOrigin = 64
	rec.MappingPages = 4096
	rec.JournalOrigin = 4160
	rec.JournalBlocks = 128
	rec.JournalHead = 42
	rec.SummaryOrigin = 4288
	rec.DataOrigin = 4352
	rec.DataBlocks = 250000

	require.NoError(t, Write(dir, rec))

	got, found, err := Read(dir)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec, got)

	_, err = uuid.Parse(got.Nonce)
	assert.NoError(t, err, "nonce must be a valid uuid")
}

func TestReadMissingSuperblock(t *testing.T) {
	_, found, err := Read(t.TempDir())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReadRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("not a superblock"), 0o644))

	_, found, err := Read(dir)
	assert.True(t, found)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "magic number")
}

func TestWriteLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Write(dir, NewRecord()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, FileName, entries[0].Name())
}

func TestSaveStateTransitions(t *testing.T) {
	tests := []struct {
		name    string
		state   core.VolumeState
		want    core.VolumeState
		wantErr bool
	}{
		{name: "new saves clean", state: core.VolumeNew, want: core.VolumeClean},
		{name: "dirty saves clean", state: core.VolumeDirty, want: core.VolumeClean},
		{name: "clean stays clean", state: core.VolumeClean, want: core.VolumeClean},
		{name: "read-only preserved", state: core.VolumeReadOnly, want: core.VolumeReadOnly},
		{name: "force-rebuild preserved", state: core.VolumeForceRebuild, want: core.VolumeForceRebuild},
		{name: "recovering preserved", state: core.VolumeRecovering, want: core.VolumeRecovering},
		{name: "replaying refuses save", state: core.VolumeReplaying, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			rec := NewRecord()
			rec.State = tc.state

			saved, err := Save(dir, rec)
			if tc.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, core.ErrInvalidState)
				_, found, readErr := Read(dir)
				require.NoError(t, readErr)
				assert.False(t, found, "a refused save must not write anything")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, saved.State)

			got, found, err := Read(dir)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, tc.want, got.State)
		})
	}
}
