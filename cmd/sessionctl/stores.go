package main

import (
	"path/filepath"

	"github.com/rs/zerolog/log"

	oa "github.com/panyam/monitorauth"
	"github.com/panyam/monitorauth/client/stores/fs"
	gormstore "github.com/panyam/monitorauth/client/stores/gorm"
	"github.com/panyam/monitorauth/client/stores/keyring"
	"github.com/panyam/monitorauth/client/stores/memory"
	"github.com/panyam/monitorauth/client/stores/seal"
)

const appName = "monitorauth"

// openStores builds the secure and preference stores for the configured
// backend. The returned closer, if any, releases the backend.
func openStores(cfg oa.StoreConfig) (oa.SecureStore, oa.PreferenceStore, func() error, error) {
	switch cfg.Backend {
	case oa.StoreBackendMemory:
		mem := memory.New()
		return mem, mem, nil, nil

	case oa.StoreBackendKeyring:
		// preferences are not secret, they stay in a plain file
		prefs, err := fs.NewPreferenceStore(cfg.Path, appName)
		if err != nil {
			return nil, nil, nil, err
		}
		return keyring.New(cfg.KeyringService), prefs, nil, nil

	case oa.StoreBackendSQLite:
		return openSQLite(cfg)

	default:
		var opts []fs.Option
		if cfg.Passphrase != "" {
			opts = append(opts, fs.WithPassphrase(cfg.Passphrase))
		}
		secrets, err := fs.NewSecureStore(cfg.Path, appName, opts...)
		if err != nil {
			return nil, nil, nil, err
		}
		prefs, err := fs.NewPreferenceStore(cfg.Path, appName)
		if err != nil {
			return nil, nil, nil, err
		}
		return secrets, prefs, nil, nil
	}
}

func openSQLite(cfg oa.StoreConfig) (oa.SecureStore, oa.PreferenceStore, func() error, error) {
	path := cfg.Path
	if path == "" {
		dir, err := fs.DefaultDir(appName)
		if err != nil {
			return nil, nil, nil, err
		}
		path = filepath.Join(dir, "session.db")
	}
	if cfg.Passphrase != "" {
		log.Warn().Msg("store.passphrase is ignored by the sqlite backend, a key file is used")
	}

	key, err := seal.LoadOrCreateKeyFile(path + ".key")
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := gormstore.Open(path)
	if err != nil {
		return nil, nil, nil, err
	}
	closer := func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return gormstore.NewSecureStore(db, seal.New(key)), gormstore.NewPreferenceStore(db), closer, nil
}
