package volumes

import (
	"errors"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// ownership is a file's owner, group and permission bits.
type ownership struct {
	uid  int
	gid  int
	mode fs.FileMode
}

// captureOwnership returns nil when path does not exist.
func captureOwnership(path string) (*ownership, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, nil
		}
		return nil, &fs.PathError{Op: "stat", Path: path, Err: err}
	}
	return &ownership{
		uid:  int(st.Uid),
		gid:  int(st.Gid),
		mode: fs.FileMode(st.Mode & 0o777),
	}, nil
}

func (o *ownership) restore(path string) error {
	chownErr := os.Chown(path, o.uid, o.gid)
	chmodErr := os.Chmod(path, o.mode)
	return errors.Join(chownErr, chmodErr)
}
