package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

var errUnsafePath = errors.New("archive entry escapes destination")

// Pack writes a gzipped tar stream containing every path. Each path is stored
// under its base name; directories are added recursively.
func Pack(w io.Writer, paths []string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, p := range paths {
		if err := addPath(tw, p); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}

	return gz.Close()
}

// PackFile creates archivePath from paths and returns the archive size in bytes.
func PackFile(archivePath string, paths []string) (int64, error) {
	f, err := os.Create(archivePath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if err := Pack(f, paths); err != nil {
		return 0, fmt.Errorf("failed to pack %s: %w", archivePath, err)
	}

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	return info.Size(), f.Close()
}

func addPath(tw *tar.Writer, root string) error {
	root = filepath.Clean(root)
	base := filepath.Base(root)
	parent := filepath.Dir(root)

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(parent, path)
		if err != nil {
			return err
		}
		if root == parent {
			rel = base
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)

		return err
	})
}

// Unpack extracts a gzipped tar stream into dest and returns the extracted
// regular file paths.
func Unpack(r io.Reader, dest string) ([]string, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, err
	}

	var files []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return files, err
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return files, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return files, err
			}
			files = append(files, target)
		}
	}
}

// UnpackFile extracts archivePath into dest.
func UnpackFile(archivePath, dest string) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Unpack(f, dest)
}

func writeFile(target string, r io.Reader, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()

		return err
	}

	return f.Close()
}

func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(name))
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", errUnsafePath, name)
	}

	return target, nil
}
