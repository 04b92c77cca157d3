// Package superblock persists the volume's component record: geometry,
// identity and saved state. Writes use the write-and-rename strategy so a
// crash never leaves a half-written superblock behind.
package superblock

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/INLOpen/nexusvolume/core"
)

const (
	// FileName is the superblock file within the volume directory.
	FileName = "superblock.yaml"

	// MagicNumber identifies a superblock file.
	MagicNumber uint32 = 0x56444f53 // "VDOS"
)

// Record is the persisted component state of a volume.
type Record struct {
	Version int              `yaml:"version"`
	Nonce   string           `yaml:"nonce"` // uuid assigned at format time
	State   core.VolumeState `yaml:"state"`

	LogicalBlocks  uint64 `yaml:"logical_blocks"`
	PhysicalBlocks uint64 `yaml:"physical_blocks"`

	MappingOrigin uint64 `yaml:"mapping_origin"`
	MappingPages  uint64 `yaml:"mapping_pages"`

	JournalOrigin uint64 `yaml:"journal_origin"`
	JournalBlocks uint64 `yaml:"journal_blocks"`
	JournalHead   uint64 `yaml:"journal_head"`

	SummaryOrigin uint64 `yaml:"summary_origin"`
	DataOrigin    uint64 `yaml:"data_origin"`
	DataBlocks    uint64 `yaml:"data_blocks"`
}

// NewRecord creates a version-1 record for a new volume with a fresh nonce.
func NewRecord() Record {
	return Record{
		Version: 1,
		Nonce:   uuid.NewString(),
		State:   core.VolumeNew,
	}
}

// Write atomically persists the record to dir.
func Write(dir string, rec Record) error {
	if rec.Nonce == "" {
		return fmt.Errorf("superblock record has no nonce: %w", core.ErrInvalidState)
	}
	body, err := yaml.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to encode superblock record: %w", err)
	}

	tempPath := filepath.Join(dir, FileName+".tmp")
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp superblock file: %w", err)
	}

	if err := binary.Write(file, binary.LittleEndian, MagicNumber); err != nil {
		file.Close()
		return fmt.Errorf("failed to write superblock magic number: %w", err)
	}
	if _, err := file.Write(body); err != nil {
		file.Close()
		return fmt.Errorf("failed to write superblock record: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync temp superblock file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close temp superblock file before rename: %w", err)
	}

	finalPath := filepath.Join(dir, FileName)
	if err := os.Rename(tempPath, finalPath); err != nil {
		return fmt.Errorf("failed to rename temp superblock file: %w", err)
	}
	return nil
}

// Read loads the record from dir. A missing file is not an error; the second
// return value reports whether a superblock existed.
func Read(dir string) (Record, bool, error) {
	path := filepath.Join(dir, FileName)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("failed to open superblock file: %w", err)
	}
	defer file.Close()

	var magic uint32
	if err := binary.Read(file, binary.LittleEndian, &magic); err != nil {
		return Record{}, true, fmt.Errorf("failed to read superblock magic number: %w", err)
	}
	if magic != MagicNumber {
		return Record{}, true, fmt.Errorf("invalid superblock magic number: got %x, want %x", magic, MagicNumber)
	}

	var rec Record
	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&rec); err != nil {
		return Record{}, true, fmt.Errorf("failed to decode superblock record: %w", err)
	}
	if rec.Nonce == "" {
		return Record{}, true, fmt.Errorf("superblock record has no nonce: %w", core.ErrInvalidState)
	}
	return rec, true, nil
}

// Save persists rec with the state transition rules applied: a dirty, new or
// clean volume saves as clean; read-only, recovering and rebuild states are
// preserved; saving a replaying volume is an error.
func Save(dir string, rec Record) (Record, error) {
	saved, ok := rec.State.SavedState()
	if !ok {
		return rec, fmt.Errorf("cannot save superblock while volume state is %s: %w", rec.State, core.ErrInvalidState)
	}
	rec.State = saved
	if err := Write(dir, rec); err != nil {
		return rec, err
	}
	return rec, nil
}
