// Package image manages the backing image file: creating and sizing it,
// mapping it into memory, and making it durable with optional backups and
// a parity sidecar.
package image

import (
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"pagefs/internal/disk"
	"pagefs/internal/logging"
)

var (
	logger = logging.GetLogger().WithPrefix("image")
)

const backupDirName = ".pagefs-backups"

// Options configures a Manager.
type Options struct {
	Geometry disk.Geometry

	// Backups is the number of timestamped image copies kept next to the
	// image. Zero disables backups.
	Backups int

	// ParityShards enables the Reed-Solomon sidecar when positive.
	ParityShards int

	// DataShards is the number of pieces the image is split into for parity,
	// DefaultDataShards if zero.
	DataShards int
}

// Manager owns the mapped image. It implements disk.Backing.
type Manager struct {
	path        string
	backupDir   string
	backupCount int
	parity      *parityConfig
	file        *os.File
	data        []byte
	lastSum     uint32
	mu          sync.Mutex
}

var _ disk.Backing = (*Manager)(nil)

// Open maps the image at path, creating and sizing it when it does not
// exist. An existing image must match the geometry's size exactly.
func Open(path string, opts Options) (*Manager, error) {
	logger.Debug("Opening image: %s", path)
	if err := opts.Geometry.Validate(); err != nil {
		return nil, err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	absPath := path
	if !filepath.IsAbs(path) {
		absPath = filepath.Join(cwd, path)
	}
	logger.Trace("Resolved image path: %s", absPath)

	imageDir := filepath.Dir(absPath)
	if err := os.MkdirAll(imageDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create image directory %s: %w", imageDir, err)
	}

	f, err := os.OpenFile(absPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", absPath, err)
	}

	size := int64(opts.Geometry.ImageSize())
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat image: %w", err)
	}
	switch info.Size() {
	case 0:
		logger.Info("Creating new image of %d bytes", size)
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to size image: %w", err)
		}
	case size:
	default:
		f.Close()
		return nil, fmt.Errorf("%w: %s has %d bytes, want %d", disk.ErrImageSize, absPath, info.Size(), size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to map image: %w", err)
	}

	m := &Manager{
		path:        absPath,
		backupCount: opts.Backups,
		file:        f,
		data:        data,
	}

	if opts.Backups > 0 {
		m.backupDir = filepath.Join(imageDir, backupDirName)
		logger.Debug("Ensuring backup directory exists: %s", m.backupDir)
		if err := os.MkdirAll(m.backupDir, 0755); err != nil {
			m.unmap()
			return nil, fmt.Errorf("failed to create backup directory %s: %w", m.backupDir, err)
		}
	}

	if opts.ParityShards > 0 {
		m.parity, err = newParityConfig(absPath+paritySuffix, opts.DataShards, opts.ParityShards)
		if err != nil {
			m.unmap()
			return nil, err
		}
		repaired, err := m.parity.repair(m.data)
		stale := false
		switch {
		case errors.Is(err, ErrParityMismatch):
			logger.Warn("Parity sidecar does not fit this image, rewriting it: %v", err)
			stale = true
		case err != nil:
			// keep the old parity around for manual recovery
			bad := m.parity.path + badSuffix
			logger.Error("Parity repair failed, moving sidecar to %s: %v", bad, err)
			if rerr := os.Rename(m.parity.path, bad); rerr != nil {
				m.unmap()
				return nil, fmt.Errorf("failed to set aside parity sidecar: %w", rerr)
			}
		}
		if repaired > 0 {
			logger.Warn("Repaired %d damaged image regions from parity", repaired)
			if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
				m.unmap()
				return nil, fmt.Errorf("failed to sync repaired image: %w", err)
			}
		}
		if stale || !m.parity.exists() {
			if err := m.parity.write(m.data); err != nil {
				m.unmap()
				return nil, fmt.Errorf("failed to write parity: %w", err)
			}
		}
	}

	m.lastSum = crc32.ChecksumIEEE(m.data)
	logger.Info("Image ready: %s", absPath)
	return m, nil
}

// Path returns the absolute image path.
func (m *Manager) Path() string {
	return m.path
}

// Bytes returns the mapped image.
func (m *Manager) Bytes() []byte {
	return m.data
}

// Sync flushes the mapping to the file. When the image changed since the
// last sync it also rotates a backup and rewrites the parity sidecar.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return fmt.Errorf("image %s is closed", m.path)
	}
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("failed to sync image: %w", err)
	}

	sum := crc32.ChecksumIEEE(m.data)
	if sum == m.lastSum {
		logger.Trace("Image unchanged, skipping backup and parity")
		return nil
	}
	m.lastSum = sum

	if m.backupCount > 0 {
		if err := m.createBackup(); err != nil {
			// Continue even if backup fails
			logger.Warn("Failed to create backup: %v", err)
		}
	}
	if m.parity != nil {
		if err := m.parity.write(m.data); err != nil {
			return fmt.Errorf("failed to write parity: %w", err)
		}
	}
	logger.Debug("Image synced")
	return nil
}

// Close syncs and unmaps the image.
func (m *Manager) Close() error {
	if err := m.Sync(); err != nil {
		logger.Error("Final sync failed: %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unmap()
}

func (m *Manager) unmap() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to close image: %w", err)
	}
	logger.Debug("Image unmapped: %s", m.path)
	return nil
}

// createBackup writes a timestamped copy of the image into the backup
// directory.
func (m *Manager) createBackup() error {
	timestamp := time.Now().Format("20060102-150405")
	backupPath := filepath.Join(m.backupDir, m.backupPrefix()+timestamp+".img")

	logger.Debug("Creating backup: %s", backupPath)
	if err := os.WriteFile(backupPath, m.data, 0600); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	return m.cleanupOldBackups()
}

// backupPrefix keeps backups of differently named images in the same
// directory apart.
func (m *Manager) backupPrefix() string {
	return strings.TrimSuffix(filepath.Base(m.path), filepath.Ext(m.path)) + "-"
}

// cleanupOldBackups removes old backup files, keeping only the most recent ones
func (m *Manager) cleanupOldBackups() error {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		return err
	}

	type backup struct {
		path    string
		modTime time.Time
	}

	backups := make([]backup, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".img" || !strings.HasPrefix(name, m.backupPrefix()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backup{
			path:    filepath.Join(m.backupDir, name),
			modTime: info.ModTime(),
		})
	}

	// Newest first
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].modTime.After(backups[j].modTime)
	})

	for i := m.backupCount; i < len(backups); i++ {
		logger.Debug("Removing old backup: %s", backups[i].path)
		if err := os.Remove(backups[i].path); err != nil {
			return fmt.Errorf("failed to remove old backup %s: %w", backups[i].path, err)
		}
	}
	return nil
}
