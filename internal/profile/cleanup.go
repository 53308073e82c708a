package profile

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// PruneNeverDeployed removes service directories that were created but never
// deployed on-chain: their recorded token is absent or -1 and no multisig
// exists on any chain. Returns the pruned directory names.
func (s *Store) PruneNeverDeployed() ([]string, error) {
	dir := filepath.Join(s.basePath, operateDir, servicesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &KeystoreError{Path: dir, Op: "read services", Err: err}
	}

	current := ""
	s.mu.RLock()
	if s.profile != nil {
		current = s.profile.ServiceDir
	}
	s.mu.RUnlock()

	var pruned []string
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), servicePrefix) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if path == current {
			continue
		}
		if !isNeverDeployed(path) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			s.logger.Warn("failed to prune service dir",
				slog.String("dir", entry.Name()),
				slog.Any("error", err),
			)
			continue
		}
		s.logger.Info("pruned never-deployed service dir", slog.String("dir", entry.Name()))
		pruned = append(pruned, entry.Name())
	}
	return pruned, nil
}

func isNeverDeployed(serviceDir string) bool {
	raw, err := os.ReadFile(filepath.Join(serviceDir, configFile))
	if err != nil {
		// Unreadable configs are never pruned.
		return false
	}

	var cfg serviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return false
	}

	for _, chain := range cfg.ChainConfigs {
		if chain.ChainData.Multisig != "" {
			return false
		}
		if chain.ChainData.Token != nil && *chain.ChainData.Token >= 0 {
			return false
		}
	}
	return true
}
