package storage

import (
	"errors"
	"io/fs"
	"os"
	"syscall"
)

func CopyFile(srcPath string, destPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	destFile, err := os.Create(destPath)
	if err != nil {
		return err
	}

	if _, err := destFile.ReadFrom(srcFile); err != nil {
		_ = destFile.Close()
		return err
	}
	return destFile.Close()
}

// CopyOrLinkFile attempts to create a hard link from srcPath to destPath.
// If that fails, it falls back to copying the file contents.
func CopyOrLinkFile(srcPath string, destPath string) error {

	if srcPath == destPath {
		return nil
	}

	// An existing destination must go first. Linking over it would fail,
	// and copying into it would truncate every other link to the same
	// inode.
	if err := os.Remove(destPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := os.Link(srcPath, destPath); err == nil {
		return nil
	}

	return CopyFile(srcPath, destPath)
}

// MoveFile renames srcPath to destPath, copying across filesystems.
func MoveFile(srcPath string, destPath string) error {
	err := os.Rename(srcPath, destPath)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}

	if err := CopyOrLinkFile(srcPath, destPath); err != nil {
		return err
	}
	if err := os.Remove(srcPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
