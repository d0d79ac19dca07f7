package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const whitelistRefreshInterval = 5 * time.Minute

// registrar is the part of the tracker the static catalogue needs.
type registrar interface {
	RegisterTorrent(infoHash HashID) error
	UnregisterTorrent(infoHash HashID) error
}

// loadWhitelistFile reads the whitelist file and returns the set of info_hashes
// Empty lines and lines starting with # are ignored, invalid lines are skipped
func loadWhitelistFile(path string, logger *zap.Logger) (map[HashID]struct{}, error) {
	//nolint:gosec // Path is controlled by admin
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	//nolint:errcheck // File close errors ignored during read
	defer file.Close()

	hashes := make(map[HashID]struct{})
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		hash, err := ParseHashID(line)
		if err != nil {
			logger.Info("skipping whitelist line", zap.Int("line", lineNum), zap.Error(err))
			continue
		}
		hashes[hash] = struct{}{}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read whitelist: %w", err)
	}
	return hashes, nil
}

// whitelistManager keeps the registered torrents in step with a whitelist file.
// Pinned hashes come from another source (the torrents directory) and stay
// registered when the file drops them.
type whitelistManager struct {
	path    string
	reg     registrar
	log     *zap.Logger
	clock   clock.Clock
	current map[HashID]struct{}
	pinned  map[HashID]struct{}
	lastMod time.Time
}

func newWhitelistManager(path string, reg registrar, clk clock.Clock, logger *zap.Logger) *whitelistManager {
	return &whitelistManager{
		path:    path,
		reg:     reg,
		log:     logger,
		clock:   clk,
		current: make(map[HashID]struct{}),
		pinned:  make(map[HashID]struct{}),
	}
}

// pin keeps hashes registered regardless of the file. Call before run.
func (m *whitelistManager) pin(hashes map[HashID]struct{}) {
	for hash := range hashes {
		m.pinned[hash] = struct{}{}
	}
}

// load reads the file and registers what it adds and unregisters what it
// dropped since the previous load.
func (m *whitelistManager) load() error {
	fi, err := os.Stat(m.path)
	if err != nil {
		return err
	}
	next, err := loadWhitelistFile(m.path, m.log)
	if err != nil {
		return err
	}

	var added, removed int
	for hash := range next {
		if _, ok := m.current[hash]; ok {
			continue
		}
		if err := m.reg.RegisterTorrent(hash); err != nil {
			return err
		}
		added++
	}
	for hash := range m.current {
		if _, ok := next[hash]; ok {
			continue
		}
		if _, ok := m.pinned[hash]; ok {
			continue
		}
		if err := m.reg.UnregisterTorrent(hash); err != nil {
			return err
		}
		removed++
	}

	m.current = next
	m.lastMod = fi.ModTime()
	m.log.Info("loaded whitelist", zap.Int("hashes", len(next)),
		zap.Int("added", added), zap.Int("removed", removed))
	return nil
}

// reloadIfChanged reloads the file when its modification time moved.
func (m *whitelistManager) reloadIfChanged() {
	fi, err := os.Stat(m.path)
	if err != nil {
		m.log.Info("failed to stat whitelist file", zap.Error(err))
		return
	}
	if fi.ModTime().Equal(m.lastMod) {
		return
	}
	if err := m.load(); err != nil {
		m.log.Warn("failed to reload whitelist", zap.Error(err))
	}
}

// run polls the file until ctx is canceled.
func (m *whitelistManager) run(ctx context.Context) error {
	ticker := m.clock.Ticker(whitelistRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.reloadIfChanged()
		}
	}
}
