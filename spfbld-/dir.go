package spfbld

import (
	"path/filepath"
)

// ConfigStaticPath is the path to the config file in use, set during
// startup.
var ConfigStaticPath string

// ConfigDirPath returns the path to "f". Either f itself when absolute, or
// interpreted relative to the directory of the current config file.
func ConfigDirPath(f string) string {
	return configDirPath(ConfigStaticPath, f)
}

// DataDirPath returns the path to "f". Either f itself when absolute, or
// interpreted relative to the data directory from the currently active
// configuration.
func DataDirPath(dataDir, f string) string {
	return dataDirPath(ConfigStaticPath, dataDir, f)
}

func configDirPath(configFile, f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(filepath.Dir(configFile), f)
}

func dataDirPath(configFile, dataDir, f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(configDirPath(configFile, dataDir), f)
}
