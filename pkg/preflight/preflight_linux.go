//go:build linux

package preflight

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// platformCheckTargetFilesystem rejects targets on a read-only mount and reports the
// space left for the mirror.
func platformCheckTargetFilesystem(path string) error {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return fmt.Errorf("cannot stat filesystem of %s: %w", path, err)
	}
	if st.Flags&unix.ST_RDONLY != 0 {
		return fmt.Errorf("target %s is on a read-only filesystem", path)
	}
	free := int64(st.Bavail) * int64(st.Bsize)
	plog.Debug("Target filesystem", "path", path, "free", util.ByteCountIEC(free))
	return nil
}
