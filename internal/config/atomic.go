package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/fleetguard/internal/model"
)

// Write validates cfg and writes it to path atomically.
func Write(path string, cfg model.Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	content, err := yamlv3.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return AtomicWriteRaw(path, content)
}

// AtomicWriteRaw writes content through a temp file in the same directory,
// re-reads and parses it, keeps the previous file as path.bak and renames
// into place.
func AtomicWriteRaw(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".fleetguard-tmp-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	written, err := os.ReadFile(tmpName)
	if err != nil {
		return fmt.Errorf("read temp file for validation: %w", err)
	}
	if err := validateYAML(written); err != nil {
		return fmt.Errorf("yaml validation failed: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// LoadOrRecover loads path. If the file does not parse, it is moved to
// <dataDir>/quarantine and path.bak is restored and loaded instead.
func LoadOrRecover(path string, logger *slog.Logger) (model.Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return model.Config{}, err
	}

	bak := path + ".bak"
	bakCfg, bakErr := Load(bak)
	if bakErr != nil {
		return model.Config{}, fmt.Errorf("%w (backup unusable: %v)", err, bakErr)
	}

	qPath, qErr := Quarantine(filepath.Dir(path), path)
	if qErr != nil {
		return model.Config{}, fmt.Errorf("quarantine %s: %w", path, qErr)
	}
	if err := copyFile(bak, path); err != nil {
		return model.Config{}, fmt.Errorf("restore from backup: %w", err)
	}
	logger.Warn("config restored from backup",
		"path", path, "quarantined", qPath, "error", err)
	return bakCfg, nil
}

// Quarantine moves filePath into <dataDir>/quarantine and returns the new path.
func Quarantine(dataDir, filePath string) (string, error) {
	quarantineDir := filepath.Join(dataDir, "quarantine")
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

func validateYAML(content []byte) error {
	var v any
	return yamlv3.Unmarshal(content, &v)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
