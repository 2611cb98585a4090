package scan

import (
	"path/filepath"

	"github.com/sameehj/nova/pkg/catalog"
)

var (
	scriptExts = map[string]bool{".sh": true, ".py": true, ".js": true, ".pl": true, ".rb": true}
	binaryExts = map[string]bool{".exe": true, ".bin": true}
)

// Classify maps a file to its catalog kind by extension. Anything not
// recognized as a script or binary is data.
func Classify(path string) catalog.Kind {
	ext := filepath.Ext(path)
	switch {
	case scriptExts[ext]:
		return catalog.KindScript
	case binaryExts[ext]:
		return catalog.KindBinary
	default:
		return catalog.KindData
	}
}
