// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/capGoblin/whisper/stealth"
	"github.com/ethereum/go-ethereum/log"
)

// FileKeyStore keeps one encrypted identity in a JSON file.
type FileKeyStore struct {
	path     string
	password string
	params   ScryptParams
}

// NewFileKeyStore creates a key store at path. The file is created on the
// first Save.
func NewFileKeyStore(path, password string, params ScryptParams) *FileKeyStore {
	return &FileKeyStore{path: path, password: password, params: params}
}

// Path returns the key file location.
func (ks *FileKeyStore) Path() string {
	return ks.path
}

// Load implements stealth.KeyStore.
func (ks *FileKeyStore) Load() (*stealth.UserKeys, error) {
	blob, err := os.ReadFile(ks.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var enc EncryptedKeysJSON
	if err := json.Unmarshal(blob, &enc); err != nil {
		return nil, fmt.Errorf("corrupt key file %s: %w", ks.path, err)
	}
	return DecryptUserKeys(&enc, ks.password)
}

// Save implements stealth.KeyStore. The file is replaced atomically.
func (ks *FileKeyStore) Save(keys *stealth.UserKeys) error {
	enc, err := EncryptUserKeys(keys, ks.password, ks.params)
	if err != nil {
		return err
	}
	blob, err := json.MarshalIndent(enc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(ks.path), 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(ks.path), "."+filepath.Base(ks.path)+".tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), ks.path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	log.Info("Saved stealth keys", "path", ks.path, "meta", enc.MetaAddress)
	return nil
}

// Clear implements stealth.KeyStore.
func (ks *FileKeyStore) Clear() error {
	err := os.Remove(ks.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
