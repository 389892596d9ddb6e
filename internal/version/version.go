// Package version carries the version tuples of the solmanager binary and of
// the two protocol layers it speaks: the SOL object format and the mesh
// manager API. The tuples are published in SOLMANAGER_STATS objects and in
// the status endpoint, so remote operators can tell which decoder to use for
// a given basestation's stream.
package version

import (
	"fmt"
	"strings"
)

// Tuple is a 4-part version: major, minor, patch, build.
type Tuple [4]int

// SolManager is the version of this binary.
var SolManager = Tuple{1, 4, 0, 0}

// Sol is the version of the SOL object format implemented by internal/sol.
var Sol = Tuple{1, 8, 2, 0}

// SDK is the version of the manager API dialect spoken by internal/manager.
var SDK = Tuple{1, 1, 2, 6}

func (t Tuple) String() string {
	parts := make([]string, len(t))
	for i, v := range t {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ".")
}
