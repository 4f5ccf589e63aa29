//go:build !unix

package bus

import "os"

// Advisory locks are unavailable here; the file backend relies on
// append-only writes and single-process use.
func lockFile(*os.File, bool) error { return nil }

func unlockFile(*os.File) {}
