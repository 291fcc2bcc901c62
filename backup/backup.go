// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

// Package backup archives the local database and the encrypted key file.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// Archive layout
const (
	DatabaseDir  = "db"            // leveldb directory, relative to the data dir
	identityName = "identity.json" // key file entry
	extension    = ".tar.gz"
)

var ErrUnsafePath = errors.New("backup entry escapes the target directory")

// Manager manages backups of one data directory
type Manager struct {
	dataDir    string
	keyFile    string
	backupDir  string
	maxBackups int
}

// New creates a backup manager. keyFile may be empty when the identity is
// kept in the database.
func New(dataDir, keyFile string, maxBackups int) *Manager {
	if abs, err := filepath.Abs(dataDir); err == nil {
		dataDir = abs
	}
	return &Manager{
		dataDir:    dataDir,
		keyFile:    keyFile,
		backupDir:  filepath.Join(dataDir, "backups"),
		maxBackups: maxBackups,
	}
}

// Create writes a backup and prunes old ones. The database must not be open
// for writing while this runs.
func (m *Manager) Create(name string) (string, error) {
	if err := os.MkdirAll(m.backupDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}
	if name == "" {
		name = fmt.Sprintf("backup-%s", time.Now().Format("2006-01-02-150405"))
	}
	backupPath := filepath.Join(m.backupDir, name+extension)

	log.Info("Creating backup", "path", backupPath)
	if err := m.write(backupPath); err != nil {
		os.Remove(backupPath)
		return "", err
	}
	log.Info("Backup completed", "path", backupPath)

	if err := m.prune(); err != nil {
		log.Warn("Failed to prune old backups", "err", err)
	}
	return backupPath, nil
}

func (m *Manager) write(backupPath string) (err error) {
	file, err := os.OpenFile(backupPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()
	gz := gzip.NewWriter(file)
	tw := tar.NewWriter(gz)

	if err := addDirectory(tw, filepath.Join(m.dataDir, DatabaseDir), DatabaseDir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to archive database: %w", err)
	}
	if m.keyFile != "" {
		if err := addFile(tw, m.keyFile, identityName); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to archive key file: %w", err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// Restore replaces the database and key file with the contents of a backup.
func (m *Manager) Restore(backupPath string) error {
	log.Info("Restoring backup", "path", backupPath)

	file, err := os.Open(backupPath)
	if err != nil {
		return fmt.Errorf("failed to open backup file: %w", err)
	}
	defer file.Close()

	gr, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gr.Close()

	// Leftover journal files would be replayed on top of the restored state.
	if err := os.RemoveAll(filepath.Join(m.dataDir, DatabaseDir)); err != nil {
		return err
	}
	tr := tar.NewReader(gr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar: %w", err)
		}
		target, err := m.target(header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := extract(tr, target); err != nil {
				return fmt.Errorf("failed to restore %s: %w", header.Name, err)
			}
		}
	}
	log.Info("Restore completed", "path", backupPath)
	return nil
}

// target maps an archive entry to its destination
func (m *Manager) target(name string) (string, error) {
	if name == identityName {
		if m.keyFile == "" {
			return filepath.Join(m.dataDir, identityName), nil
		}
		return m.keyFile, nil
	}
	target := filepath.Join(m.dataDir, name)
	if !strings.HasPrefix(target, filepath.Clean(m.dataDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}

func extract(r io.Reader, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// List returns the available backups, oldest first
func (m *Manager) List() ([]fs.FileInfo, error) {
	entries, err := os.ReadDir(m.backupDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var result []fs.FileInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), extension) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		result = append(result, info)
	}
	slices.SortFunc(result, func(a, b fs.FileInfo) int {
		return a.ModTime().Compare(b.ModTime())
	})
	return result, nil
}

// Delete deletes a backup by file name
func (m *Manager) Delete(filename string) error {
	if filepath.Base(filename) != filename {
		return fmt.Errorf("%w: %s", ErrUnsafePath, filename)
	}
	if err := os.Remove(filepath.Join(m.backupDir, filename)); err != nil {
		return fmt.Errorf("failed to delete backup: %w", err)
	}
	log.Info("Backup deleted", "file", filename)
	return nil
}

// prune removes the oldest backups beyond maxBackups
func (m *Manager) prune() error {
	if m.maxBackups <= 0 {
		return nil
	}
	files, err := m.List()
	if err != nil {
		return err
	}
	for i := 0; i < len(files)-m.maxBackups; i++ {
		if err := m.Delete(files[i].Name()); err != nil {
			log.Warn("Failed to delete old backup", "file", files[i].Name(), "err", err)
		}
	}
	return nil
}

// addDirectory adds srcDir to the archive under tarDir
func addDirectory(tw *tar.Writer, srcDir, tarDir string) error {
	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(filepath.Join(tarDir, rel))
		if d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			header, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			header.Name = name + "/"
			return tw.WriteHeader(header)
		}
		return addFile(tw, path, name)
	})
}

func addFile(tw *tar.Writer, path, name string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}
