package filesystem

import (
	"path/filepath"
	"strings"
)

// CategoryFor buckets a filename by extension. The generic handler uses the
// category as its output subdirectory.
func CategoryFor(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".svg":
		return "Images"
	case ".mp4", ".mkv", ".mov", ".avi", ".webm", ".wmv":
		return "Videos"
	case ".mp3", ".wav", ".flac", ".aac", ".ogg", ".m4a":
		return "Music"
	case ".zip", ".rar", ".7z", ".tar", ".gz", ".iso":
		return "Archives"
	case ".pdf", ".docx", ".xlsx", ".pptx", ".txt", ".md":
		return "Documents"
	case ".exe", ".msi", ".dmg", ".pkg", ".deb":
		return "Software"
	default:
		return "Others"
	}
}

// otherKnownExts are extensions worth a direct byte fetch even though they
// bucket under Others.
var otherKnownExts = map[string]bool{
	".bin": true, ".safetensors": true, ".ckpt": true, ".pt": true,
	".onnx": true, ".gguf": true, ".csv": true, ".json": true, ".xml": true,
	".epub": true, ".mobi": true, ".apk": true, ".jar": true, ".srt": true,
	".torrent": true,
}

// KnownExtension reports whether the filename names a concrete artifact the
// engine should fetch as-is, rather than a page to hand to the extractor.
func KnownExtension(filename string) bool {
	if CategoryFor(filename) != "Others" {
		return true
	}
	return otherKnownExts[strings.ToLower(filepath.Ext(filename))]
}

// sanitizeReplacer strips characters that are path separators or illegal on
// common filesystems.
var sanitizeReplacer = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
	"\"", "_", "<", "_", ">", "_", "|", "_", "\x00", "",
)

// SanitizeFilename makes a remote-derived filename safe to join under the
// download root. Empty input becomes "unnamed".
func SanitizeFilename(name string) string {
	name = sanitizeReplacer.Replace(strings.TrimSpace(name))
	name = strings.Trim(name, ". ")
	if len(name) > 200 {
		ext := filepath.Ext(name)
		name = name[:200-len(ext)] + ext
	}
	if name == "" {
		return "unnamed"
	}
	return name
}
