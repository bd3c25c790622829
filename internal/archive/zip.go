// Package archive builds, inspects and patches zipballs.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

var ErrNotFound = errors.New("member not found")

// ZipDir packs srcDir into zipPath. Every member is stored under the base name of
// srcDir, so a tree at /tmp/<hash> yields members "<hash>/...". The archive is
// written to a temp file next to zipPath and renamed into place once complete.
// It returns the size of the finished archive.
func ZipDir(zipPath, srcDir string) (int64, error) {
	prefix := filepath.Base(srcDir)
	if err := os.MkdirAll(filepath.Dir(zipPath), 0o755); err != nil {
		return 0, fmt.Errorf("create output dir: %w", err)
	}

	return writeAtomic(zipPath, func(w *zip.Writer) error {
		return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(srcDir, path)
			if err != nil {
				return err
			}
			return addFile(w, prefix+"/"+filepath.ToSlash(rel), path)
		})
	})
}

func addFile(w *zip.Writer, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	fw, err := w.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	_, err = io.Copy(fw, f)
	return err
}

// ReadFromZip returns the content of the named member.
func ReadFromZip(path, name string) ([]byte, error) {
	r, err := openZip(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open member %s: %w", name, err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, name, path)
}

// ReplaceInZip swaps the content of the given members, adding any that are absent.
// Zip has no in-place delete, so untouched members are stream-copied (still
// compressed) into a sibling temp archive together with the new content, and the
// temp archive is renamed over the original only after it is fully written.
func ReplaceInZip(path string, members map[string][]byte) error {
	r, err := openZip(path)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)

	tmp, err := createTemp(path)
	if err != nil {
		r.Close()
		return err
	}
	defer os.Remove(tmp.Name())

	w := zip.NewWriter(tmp)
	err = func() error {
		for _, f := range r.File {
			if _, replaced := members[f.Name]; replaced {
				continue
			}
			if err := w.Copy(f); err != nil {
				return fmt.Errorf("copy %s: %w", f.Name, err)
			}
		}
		for _, name := range names {
			fw, err := w.CreateHeader(&zip.FileHeader{
				Name:     name,
				Method:   zip.Deflate,
				Modified: time.Now(),
			})
			if err != nil {
				return fmt.Errorf("add %s: %w", name, err)
			}
			if _, err := fw.Write(members[name]); err != nil {
				return fmt.Errorf("write %s: %w", name, err)
			}
		}
		return w.Close()
	}()
	r.Close()
	if err != nil {
		tmp.Close()
		return err
	}
	_, err = commit(tmp, path)
	return err
}

func writeAtomic(path string, fill func(w *zip.Writer) error) (int64, error) {
	tmp, err := createTemp(path)
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	w := zip.NewWriter(tmp)
	if err := fill(w); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("build %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("finish %s: %w", path, err)
	}
	return commit(tmp, path)
}

// openZip tolerates zip.ErrInsecurePath; entry names are sanitized by callers
// that write to disk.
func openZip(path string) (*zip.ReadCloser, error) {
	r, err := zip.OpenReader(path)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, fmt.Errorf("open zip %s: %w", path, err)
	}
	return r, nil
}

func createTemp(path string) (*os.File, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp archive: %w", err)
	}
	return tmp, nil
}

// commit flushes and closes tmp, then renames it over path.
func commit(tmp *os.File, path string) (int64, error) {
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("sync temp archive: %w", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("stat temp archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close temp archive: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return 0, fmt.Errorf("chmod temp archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("replace %s: %w", path, err)
	}
	return info.Size(), nil
}
