package vsqpack

import (
	"path"
	"strings"
)

// NormalizePath converts an asset path to the slash-separated, root-relative
// form SqPack hashes. It accepts both "/" and "\" separators, strips leading
// "./" and "/", and cleans "." and ".." segments. Case is preserved; hashing
// lower-cases on its own.
func NormalizePath(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.ReplaceAll(raw, `\`, "/")
	raw = strings.TrimPrefix(raw, "./")
	raw = strings.TrimPrefix(raw, "/")
	raw = path.Clean("/" + raw)
	raw = strings.TrimPrefix(raw, "/")
	if raw == "." {
		return ""
	}

	return strings.TrimSuffix(raw, "/")
}

// splitAssetPath splits a normalized asset path at its last slash. The
// folder part is empty for paths without a directory.
func splitAssetPath(p string) (folder, file string) {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return "", p
	}
	return p[:i], p[i+1:]
}
