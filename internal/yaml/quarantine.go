package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Recovery describes what RecoverCorruptedFile did.
type Recovery struct {
	QuarantinedTo string
	// FromBackup is true when path.bak was restored, false when the
	// fallback content was written instead.
	FromBackup bool
}

// Quarantine moves filePath into scullDir/quarantine with a timestamp suffix
// and returns the new path.
func Quarantine(scullDir, filePath string) (string, error) {
	quarantineDir := filepath.Join(scullDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405"))
	dst := filepath.Join(quarantineDir, name)
	if err := os.Rename(filePath, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

// RestoreFromBackup replaces filePath with filePath.bak if the backup parses.
func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}
	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// RecoverCorruptedFile quarantines filePath, then restores its backup or,
// failing that, writes fallback in its place.
func RecoverCorruptedFile(scullDir, filePath string, fallback []byte) (Recovery, error) {
	dst, err := Quarantine(scullDir, filePath)
	if err != nil {
		return Recovery{}, fmt.Errorf("quarantine failed: %w", err)
	}
	rec := Recovery{QuarantinedTo: dst}

	if err := RestoreFromBackup(filePath); err == nil {
		rec.FromBackup = true
		return rec, nil
	}

	if err := AtomicWriteRaw(filePath, fallback); err != nil {
		return rec, fmt.Errorf("write fallback: %w", err)
	}
	return rec, nil
}
