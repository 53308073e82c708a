package profile

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	operateDir    = ".operate"
	walletsDir    = "wallets"
	servicesDir   = "services"
	servicePrefix = "sc-"

	walletFile     = "ethereum.json"
	keysFile       = "keys.json"
	configFile     = "config.json"
	legacyKeyFile  = "deployment/agent_keys/agent_0/ethereum_private_key.txt"
)

// walletRecord is the decoded wallets/ethereum.json.
type walletRecord struct {
	Address string            `json:"address"`
	Safes   map[string]string `json:"safes"`
}

// serviceConfig is the decoded services/sc-<uuid>/config.json.
type serviceConfig struct {
	Name               string                 `json:"name"`
	MechAddress        string                 `json:"mech_address"`
	MarketplaceAddress string                 `json:"marketplace_address"`
	StakingContract    string                 `json:"staking_contract"`
	ChainConfigs       map[string]chainConfig `json:"chain_configs"`
}

type chainConfig struct {
	ChainData chainData `json:"chain_data"`
}

type chainData struct {
	Token     *int64   `json:"token"`
	Multisig  string   `json:"multisig"`
	Instances []string `json:"instances"`
}

// keyRecord is one entry of keys.json. PrivateKey holds either a V3
// keystore JSON string or a 0x-prefixed hex key.
type keyRecord struct {
	Address    string `json:"address"`
	PrivateKey string `json:"private_key"`
}

func discover(basePath, password string, chainID int64) (*Profile, error) {
	root := filepath.Join(basePath, operateDir)

	p := &Profile{
		MasterSafes: make(map[int64]common.Address),
		ChainID:     chainID,
	}

	if err := loadWallet(root, p); err != nil {
		return nil, err
	}

	serviceDir, err := latestServiceDir(filepath.Join(root, servicesDir))
	if err != nil {
		return nil, err
	}
	p.ServiceDir = serviceDir

	if err := loadServiceConfig(serviceDir, chainID, p); err != nil {
		return nil, err
	}
	if err := loadAgentKey(serviceDir, password, p); err != nil {
		return nil, err
	}

	return p, nil
}

func loadWallet(root string, p *Profile) error {
	path := filepath.Join(root, walletsDir, walletFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNoProfile, path)
		}
		return &KeystoreError{Path: path, Op: "read wallet", Err: err}
	}

	var rec walletRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedKeystore, path, err)
	}

	if rec.Address != "" {
		p.MasterEOA = common.HexToAddress(rec.Address)
	}
	for key, addr := range rec.Safes {
		id, ok := parseChainKey(key)
		if !ok || addr == "" {
			continue
		}
		p.MasterSafes[id] = common.HexToAddress(addr)
	}
	return nil
}

// latestServiceDir picks the sc-<uuid> directory with the most recent
// modification time.
func latestServiceDir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNoProfile, dir)
		}
		return "", &KeystoreError{Path: dir, Op: "read services", Err: err}
	}

	var (
		best     string
		bestTime int64 = -1
	)
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), servicePrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if mtime := info.ModTime().UnixNano(); mtime > bestTime {
			bestTime = mtime
			best = filepath.Join(dir, entry.Name())
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: no %s* directories under %s", ErrNoProfile, servicePrefix, dir)
	}
	return best, nil
}

func loadServiceConfig(serviceDir string, chainID int64, p *Profile) error {
	path := filepath.Join(serviceDir, configFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNoProfile, path)
	}

	var cfg serviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedKeystore, path, err)
	}

	if cfg.MechAddress != "" {
		p.MechAddress = common.HexToAddress(cfg.MechAddress)
	}
	if cfg.MarketplaceAddress != "" {
		p.MarketplaceAddress = common.HexToAddress(cfg.MarketplaceAddress)
	}
	if cfg.StakingContract != "" {
		p.StakingContract = common.HexToAddress(cfg.StakingContract)
	}

	chain, ok := cfg.ChainConfigs[fmt.Sprintf("%d", chainID)]
	if !ok {
		return fmt.Errorf("%w: service %s has no chain %d", ErrNoProfile, serviceDir, chainID)
	}
	if chain.ChainData.Multisig != "" {
		p.ServiceSafe = common.HexToAddress(chain.ChainData.Multisig)
	}
	return nil
}

// loadAgentKey decrypts the agent signer key. keys.json entries may carry a
// V3 keystore JSON blob or a bare hex key; a legacy plain-hex file is the
// final fallback.
func loadAgentKey(serviceDir, password string, p *Profile) error {
	path := filepath.Join(serviceDir, keysFile)
	raw, err := os.ReadFile(path)
	if err == nil {
		var records []keyRecord
		if err := json.Unmarshal(raw, &records); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformedKeystore, path, err)
		}
		if len(records) == 0 {
			return fmt.Errorf("%w: %s is empty", ErrMalformedKeystore, path)
		}
		key, err := decodeKeyMaterial(records[0].PrivateKey, password, path)
		if err != nil {
			return err
		}
		p.agentKey = key
		p.AgentEOA = crypto.PubkeyToAddress(key.PublicKey)
		return nil
	}
	if !os.IsNotExist(err) {
		return &KeystoreError{Path: path, Op: "read keys", Err: err}
	}

	legacy := filepath.Join(serviceDir, legacyKeyFile)
	raw, err = os.ReadFile(legacy)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: neither %s nor %s", ErrNoAgentKey, path, legacy)
		}
		return &KeystoreError{Path: legacy, Op: "read legacy key", Err: err}
	}

	key, err := decodeKeyMaterial(strings.TrimSpace(string(raw)), password, legacy)
	if err != nil {
		return err
	}
	p.agentKey = key
	p.AgentEOA = crypto.PubkeyToAddress(key.PublicKey)
	return nil
}

func decodeKeyMaterial(material, password, path string) (*ecdsa.PrivateKey, error) {
	material = strings.TrimSpace(material)
	if material == "" {
		return nil, fmt.Errorf("%w: %s holds no key material", ErrMalformedKeystore, path)
	}

	if strings.HasPrefix(material, "{") {
		key, err := keystore.DecryptKey([]byte(material), password)
		if err != nil {
			if errors.Is(err, keystore.ErrDecrypt) {
				return nil, ErrBadPassword
			}
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedKeystore, path, err)
		}
		return key.PrivateKey, nil
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(material, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedKeystore, path, err)
	}
	return key, nil
}
