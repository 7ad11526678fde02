package adapter

import (
	"os"
	"path/filepath"
	"strings"
)

// imageExtensions are the attachment types adapters recognize.
var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
}

// ScanImagePaths extracts referenced image files from message text.
// Tokens that resolve (absolutely, via ~, or relative to cwd) to an
// existing regular file with a recognized extension are returned once
// each, in order of first mention.
func ScanImagePaths(text, cwd string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tok := range strings.Fields(text) {
		tok = strings.TrimLeft(tok, "`\"'([{<")
		tok = strings.TrimRight(tok, "`\"')]}>.,;:!?")
		if tok == "" {
			continue
		}
		if !imageExtensions[strings.ToLower(filepath.Ext(tok))] {
			continue
		}
		path := resolvePath(tok, cwd)
		if path == "" {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}
	return out
}

func resolvePath(tok, cwd string) string {
	switch {
	case strings.HasPrefix(tok, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		return filepath.Join(home, tok[2:])
	case filepath.IsAbs(tok):
		return filepath.Clean(tok)
	case cwd != "":
		return filepath.Join(cwd, tok)
	default:
		return ""
	}
}
