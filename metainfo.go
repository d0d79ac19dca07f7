package main

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // info hashes are SHA-1 by definition
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jackpal/bencode-go"
	"go.uber.org/zap"
)

var errNoInfoDict = errors.New("metainfo has no info dictionary")

// infoHashFromTorrent reads a .torrent file and returns the SHA-1 of its
// bencoded info dictionary.
func infoHashFromTorrent(r io.Reader) (HashID, error) {
	data, err := bencode.Decode(r)
	if err != nil {
		return HashID{}, fmt.Errorf("decode metainfo: %w", err)
	}
	root, ok := data.(map[string]any)
	if !ok {
		return HashID{}, errors.New("metainfo is not a dictionary")
	}
	info, ok := root["info"].(map[string]any)
	if !ok {
		return HashID{}, errNoInfoDict
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, info); err != nil {
		return HashID{}, fmt.Errorf("encode info dictionary: %w", err)
	}
	return HashID(sha1.Sum(buf.Bytes())), nil //nolint:gosec // see import
}

func infoHashFromFile(path string) (HashID, error) {
	//nolint:gosec // Path is controlled by admin
	f, err := os.Open(path)
	if err != nil {
		return HashID{}, err
	}
	//nolint:errcheck // read only
	defer f.Close()
	return infoHashFromTorrent(f)
}

// registerTorrentsDir registers every *.torrent file in dir. Files that
// cannot be parsed are logged and skipped. It returns how many were registered.
func registerTorrentsDir(dir string, reg registrar, logger *zap.Logger) (map[HashID]struct{}, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.torrent"))
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}

	registered := make(map[HashID]struct{}, len(paths))
	for _, path := range paths {
		hash, err := infoHashFromFile(path)
		if err != nil {
			logger.Warn("skipping torrent file", zap.String("path", path), zap.Error(err))
			continue
		}
		if err := reg.RegisterTorrent(hash); err != nil {
			return registered, err
		}
		registered[hash] = struct{}{}
	}
	logger.Info("registered torrent files", zap.String("dir", dir), zap.Int("count", len(registered)))
	return registered, nil
}
