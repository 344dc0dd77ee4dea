package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spfbl-go/spfbl/mlog"
	"github.com/spfbl-go/spfbl/moxio"
)

// loadOrCreateTicketKey reads a 32 byte base64-encoded key from path,
// generating and writing one on first start if the file does not exist
// (config.TicketConfig.KeyFile's documented behaviour).
func loadOrCreateTicketKey(log mlog.Log, path string) ([32]byte, error) {
	var key [32]byte

	buf, err := os.ReadFile(path)
	if err == nil {
		decoded, err := base64.StdEncoding.DecodeString(string(buf))
		if err != nil {
			return key, fmt.Errorf("decoding ticket key %s: %w", path, err)
		}
		if len(decoded) != len(key) {
			return key, fmt.Errorf("ticket key %s has %d bytes, need %d", path, len(decoded), len(key))
		}
		copy(key[:], decoded)
		return key, nil
	}
	if !os.IsNotExist(err) {
		return key, fmt.Errorf("reading ticket key %s: %w", path, err)
	}

	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("generating ticket key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key[:])
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return key, fmt.Errorf("writing new ticket key %s: %w", path, err)
	}
	if err := moxio.SyncDir(log, filepath.Dir(path)); err != nil {
		return key, fmt.Errorf("syncing directory after writing ticket key %s: %w", path, err)
	}
	return key, nil
}
