package config

import (
	"os"
	"path/filepath"
	"regexp"
)

// BaseDir returns ~/.ensemble.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ensemble")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// ProfileDir returns the profile-specific directory.
func ProfileDir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// DBPath returns the local store path for a profile.
func DBPath(name string) string {
	return filepath.Join(ProfileDir(name), "ensemble.db")
}

// MediaDir returns the media blob directory for a profile.
func MediaDir(name string) string {
	return filepath.Join(ProfileDir(name), "media")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(ProfileDir(name), "logs")
}

// LogPath returns the daemon log file path for a profile.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "ensembled.log")
}

// EnsureProfileDir creates the profile directory tree with 0700 permissions.
func EnsureProfileDir(name string) error {
	for _, d := range []string{ProfileDir(name), MediaDir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

var profileNameRe = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateProfileName checks that name conforms to profile naming rules.
func ValidateProfileName(name string) error {
	if !profileNameRe.MatchString(name) {
		return &InvalidProfileError{Name: name}
	}
	return nil
}

// InvalidProfileError is returned for malformed profile names.
type InvalidProfileError struct {
	Name string
}

func (e *InvalidProfileError) Error() string {
	return "invalid profile name " + e.Name + ": must match ^[a-z0-9_-]{1,64}$"
}
