package supervisor

import (
	"io/fs"
	"os"
	"path/filepath"
)

const (
	dirBits  fs.FileMode = 0o555
	fileBits fs.FileMode = 0o444
)

// NormalizePermissions grants read to everyone on every regular file under
// root and read+execute on every directory, so a server running as another
// user can list and read the tree. Existing bits are never removed, files
// never gain execute, and symlinks are left alone. Applying it twice changes
// nothing the second time.
func NormalizePermissions(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			return nil
		case d.IsDir():
			return widen(path, d, dirBits)
		case d.Type().IsRegular():
			return widen(path, d, fileBits)
		default:
			return nil
		}
	})
}

func widen(path string, d fs.DirEntry, bits fs.FileMode) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	mode := info.Mode().Perm()
	if mode&bits == bits {
		return nil
	}
	return os.Chmod(path, mode|bits)
}
