package cowfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/hashicorp/go-hclog"
)

// CopyType reports which duplication mechanism produced a snapshot copy.
type CopyType int

const (
	// CopyTypeCow is a filesystem level clone sharing storage blocks
	// with the source until either side is modified.
	CopyTypeCow CopyType = iota
	// CopyTypeStd is a plain recursive file copy.
	CopyTypeStd
)

func (t CopyType) String() string {
	if t == CopyTypeCow {
		return "cow"
	}

	return "std"
}

var (
	// ErrUnsupported is returned by TryCowCopy on platforms without a
	// known copy-on-write mechanism.
	ErrUnsupported = errors.New("copy-on-write is not supported on this platform")
)

// Copier clones snapshot directories, preferring copy-on-write when the
// host filesystem supports it.
type Copier struct {
	logger hclog.Logger
}

func NewCopier(logger hclog.Logger) *Copier {
	return &Copier{
		logger: logger.Named("cowfs"),
	}
}

// cowCommand returns the platform cp invocation performing a reflink or
// clone copy, or nil when no mechanism is known.
func cowCommand(src, dst string) *exec.Cmd {
	switch runtime.GOOS {
	case "linux":
		// XFS, btrfs
		return exec.Command("cp", "-R", "--reflink=always", src, dst)
	case "darwin":
		// APFS
		return exec.Command("cp", "-R", "-c", src, dst)
	default:
		return nil
	}
}

// Supported reports whether the current platform has a copy-on-write
// mechanism at all. Whether the actual filesystem honors it is only known
// after an attempt.
func Supported() bool {
	return runtime.GOOS == "linux" || runtime.GOOS == "darwin"
}

// TryCowCopy clones src into dst with the platform copy-on-write mechanism.
// It returns ErrUnsupported when the platform has none, and the command
// failure when the filesystem refuses the clone. A failed attempt leaves no
// partial dst behind.
func (c *Copier) TryCowCopy(src, dst string) error {
	command := cowCommand(src, dst)
	if command == nil {
		return ErrUnsupported
	}

	output, err := command.CombinedOutput()
	if err != nil {
		// the half-written destination must not survive,
		// a retry or fallback will recreate it
		if rmErr := os.RemoveAll(dst); rmErr != nil {
			c.logger.Error("failed to clean up partial cow copy", "path", dst, "err", rmErr)
		}

		return fmt.Errorf("cow copy %s -> %s failed: %w (%s)", src, dst, err, output)
	}

	return nil
}

// Copy duplicates src into dst, first with copy-on-write, then with a
// recursive file copy when the clone attempt fails or the platform has no
// mechanism. The returned CopyType tells which path was taken.
func (c *Copier) Copy(src, dst string) (CopyType, error) {
	if err := c.TryCowCopy(src, dst); err == nil {
		return CopyTypeCow, nil
	} else if !errors.Is(err, ErrUnsupported) {
		c.logger.Warn("cow copy failed, check file system support", "src", src, "err", err)
	}

	if err := copyDir(src, dst); err != nil {
		if rmErr := os.RemoveAll(dst); rmErr != nil {
			c.logger.Error("failed to clean up partial copy", "path", dst, "err", rmErr)
		}

		return CopyTypeStd, fmt.Errorf("copy %s -> %s failed: %w", src, dst, err)
	}

	return CopyTypeStd, nil
}

// copyDir recursively copies the directory tree rooted at src to dst.
func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		target := filepath.Join(dst, rel)

		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}

		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}

	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()

		return err
	}

	return out.Close()
}

// DefragmentDir runs xfs_fsr over the files of dir on a background
// goroutine. Fragmentation is a byproduct of reflink copies on XFS; the
// pass is best effort and failures are only logged.
func (c *Copier) DefragmentDir(dir string) {
	if runtime.GOOS != "linux" {
		return
	}

	logger := c.logger

	go func() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			logger.Error("defragmentation scan failed", "dir", dir, "err", err)

			return
		}

		files := make([]string, 0, len(entries))

		for _, entry := range entries {
			if !entry.IsDir() {
				files = append(files, filepath.Join(dir, entry.Name()))
			}
		}

		if len(files) == 0 {
			return
		}

		command := exec.Command("xfs_fsr", append([]string{"-v"}, files...)...)
		if output, err := command.CombinedOutput(); err != nil {
			logger.Warn("defragmenting xfs files failed", "dir", dir, "err", err, "output", string(output))
		} else {
			logger.Debug("defragmenting xfs files done", "dir", dir)
		}
	}()
}
