//go:build !rp2040 && !rp2350

package platform

import (
	"io"
	"os"
)

// Console is stderr on the host.
func Console() io.Writer { return os.Stderr }
