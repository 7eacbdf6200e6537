package remotefs

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// FormatBytes renders a byte count as a human-readable size.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// speedLabel renders a transfer rate for progress callbacks.
func speedLabel(bytesPerSecond float64) string {
	if bytesPerSecond < 0 {
		bytesPerSecond = 0
	}
	return FormatBytes(int64(bytesPerSecond)) + "/s"
}

// ExpandLocalPath expands a leading ~ to the local home directory.
func ExpandLocalPath(p string) string {
	if strings.HasPrefix(p, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, p[2:])
		}
	}
	return p
}

// shellQuote single-quotes a string for safe use in a remote command line.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	escaped := strings.ReplaceAll(s, "'", "'\"'\"'")
	return "'" + escaped + "'"
}

// validModePattern matches valid Unix file permission modes.
var validModePattern = regexp.MustCompile(`^[0-7]{3,4}$`)

// ValidateMode checks if a file mode string is valid.
func ValidateMode(mode string) error {
	if mode == "" {
		return nil
	}
	if !validModePattern.MatchString(mode) {
		return fmt.Errorf("invalid mode %q: must be 3-4 octal digits", mode)
	}
	return nil
}

// IsBinaryContent checks if content appears to be binary.
func IsBinaryContent(content []byte) bool {
	for _, b := range content {
		if b == 0 {
			return true
		}
	}
	return false
}

// normalizePath canonicalizes a remote path for cache keys. Remote paths
// always use forward slashes.
func normalizePath(p string) string {
	if p == "" {
		return "."
	}
	return path.Clean(p)
}

// parentPath returns the containing directory of a remote path.
func parentPath(p string) string {
	return path.Dir(normalizePath(p))
}

// sortEntries orders a listing directories-first, then lexically by name.
func sortEntries(entries []FileEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		iDir := entries[i].Type == EntryDir
		jDir := entries[j].Type == EntryDir
		if iDir != jDir {
			return iDir
		}
		return entries[i].Name < entries[j].Name
	})
}

// matchesAny reports whether the relative path, its base name, or any of its
// segments matches one of the glob patterns.
func matchesAny(relPath string, patterns []string) bool {
	for _, pattern := range patterns {
		if matched, _ := path.Match(pattern, path.Base(relPath)); matched {
			return true
		}
		if matched, _ := path.Match(pattern, relPath); matched {
			return true
		}
		for _, part := range strings.Split(relPath, "/") {
			if matched, _ := path.Match(pattern, part); matched {
				return true
			}
		}
	}
	return false
}
