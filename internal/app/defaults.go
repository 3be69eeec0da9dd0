package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths is where capsync keeps its files on this machine.
type Paths struct {
	ConfigPath string // TOML config file
	BaseDir    string // root of everything below
	LogDir     string // capsync.log
	DataDir    string // local byte store (sqlite db or kv/ directory)
	OutboxDir  string // default target of the filesystem transport
}

// GetDefaults resolves the default Paths. Lookup order, first match wins:
//
//	config: $CAPSYNC_CONFIG_PATH, $XDG_CONFIG_HOME/capsync/config.toml, ~/.config/capsync.toml
//	base:   $CAPSYNC_HOME, $XDG_DATA_HOME/capsync, ~/.local/share/capsync
func GetDefaults() (Paths, error) {
	configPath, err := lookupPath("CAPSYNC_CONFIG_PATH",
		xdg("XDG_CONFIG_HOME", "capsync", "config.toml"),
		[]string{".config", "capsync.toml"})
	if err != nil {
		return Paths{}, err
	}

	baseDir, err := lookupPath("CAPSYNC_HOME",
		xdg("XDG_DATA_HOME", "capsync"),
		[]string{".local", "share", "capsync"})
	if err != nil {
		return Paths{}, err
	}

	return Paths{
		ConfigPath: configPath,
		BaseDir:    baseDir,
		LogDir:     filepath.Join(baseDir, "log"),
		DataDir:    filepath.Join(baseDir, "data"),
		OutboxDir:  filepath.Join(baseDir, "outbox"),
	}, nil
}

func xdg(env string, elem ...string) string {
	dir := os.Getenv(env)
	if dir == "" {
		return ""
	}
	return filepath.Join(append([]string{dir}, elem...)...)
}

// lookupPath returns $env if set, then xdgPath if non-empty, then homeRel
// joined onto the user's home directory.
func lookupPath(env, xdgPath string, homeRel []string) (string, error) {
	if path := os.Getenv(env); path != "" {
		return path, nil
	}
	if xdgPath != "" {
		return xdgPath, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(append([]string{homeDir}, homeRel...)...), nil
}
