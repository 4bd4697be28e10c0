package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// SanitizeName makes s safe as an EDL title and a file name: control
// characters are dropped, anything but letters, digits and " -_.,()" becomes
// '_', and leading dots are removed so the result is never hidden or a
// relative path element. maxLen counts runes; 0 means unlimited.
func SanitizeName(s string, maxLen int) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsControl(r):
			return -1
		case unicode.IsLetter(r), unicode.IsDigit(r), strings.ContainsRune(" -_.,()", r):
			return r
		default:
			return '_'
		}
	}, s)

	name := strings.TrimLeft(strings.TrimSpace(mapped), ".")
	if maxLen > 0 {
		if runes := []rune(name); len(runes) > maxLen {
			name = strings.TrimSpace(string(runes[:maxLen]))
		}
	}
	return name
}

var errOutputDir = errors.New("invalid output_dir")

// ValidateOutputDir accepts an absolute, already clean path to an existing
// directory the process can write to.
func ValidateOutputDir(dir string) error {
	switch {
	case strings.TrimSpace(dir) == "":
		return fmt.Errorf("%w: empty", errOutputDir)
	case strings.Contains(filepath.ToSlash(dir), ".."):
		return fmt.Errorf("%w: path traversal", errOutputDir)
	case !filepath.IsAbs(dir):
		return fmt.Errorf("%w: must be absolute", errOutputDir)
	case filepath.Clean(dir) != dir:
		return fmt.Errorf("%w: must be a clean path", errOutputDir)
	}

	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: does not exist", errOutputDir)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", errOutputDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: not a directory", errOutputDir)
	}

	probe, err := os.CreateTemp(dir, ".edl-probe-*")
	if err != nil {
		return fmt.Errorf("%w: not writable", errOutputDir)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}
