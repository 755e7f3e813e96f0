package pkindex

import (
	"fmt"

	"github.com/hupe1980/pkindex/model"
)

// Artifact names inside an index directory. The EditVersion is part of the
// name; files are written under a .tmp suffix and installed by rename.

func l0FileName(v model.EditVersion) string {
	return fmt.Sprintf("index.l0.%d.%d", v.Major, v.Minor)
}

func l1FileName(v model.EditVersion) string {
	return fmt.Sprintf("index.l1.%d.%d", v.Major, v.Minor)
}

func l2FileName(v model.EditVersionWithMerge) string {
	name := fmt.Sprintf("index.l2.%d.%d", v.Major, v.Minor)
	if v.Merged {
		name += ".merged"
	}
	return name
}

func tmpName(name string) string {
	return name + ".tmp"
}
