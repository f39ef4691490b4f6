package utils

import (
	"path/filepath"
	"strings"
)

// NormalizeExtensions lowercases extensions and ensures each carries a
// leading dot, so config can list them either way.
func NormalizeExtensions(exts []string) map[string]bool {
	out := make(map[string]bool, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out[ext] = true
	}
	return out
}

// HasIgnoredExtension reports whether the path's extension is in the ignore
// set produced by NormalizeExtensions.
func HasIgnoredExtension(path string, ignored map[string]bool) bool {
	return ignored[strings.ToLower(filepath.Ext(path))]
}

// IsVideoFile reports whether the path looks like a video container.
func IsVideoFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".mkv", ".avi", ".mov", ".wmv", ".flv", ".webm", ".m4v", ".ts":
		return true
	}
	return false
}

// IsAudioFile reports whether the path looks like an audio file.
func IsAudioFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3", ".flac", ".wav", ".m4a", ".aac", ".ogg", ".wma", ".opus":
		return true
	}
	return false
}
