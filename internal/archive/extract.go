package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Extract unpacks the zip at src under dst. Entry names are rebuilt from their
// sanitized segments, so no entry can be written outside dst. Only regular files
// and directories are materialized; symlinks and device entries are skipped.
func Extract(src, dst string) error {
	r, err := openZip(src)
	if err != nil {
		return err
	}
	defer r.Close()

	root, err := filepath.Abs(dst)
	if err != nil {
		return fmt.Errorf("resolve destination: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	for _, f := range r.File {
		rel := SanitizeName(f.Name)
		if rel == "" {
			continue
		}
		target := filepath.Join(root, rel)
		if !within(root, target) {
			return fmt.Errorf("entry %q escapes destination", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", rel, err)
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", rel, err)
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

// SanitizeName turns a zip entry name into a relative OS path. The name is split on
// '/' (and '\', which crafted archives use to smuggle Windows paths); every segment
// loses any drive prefix and is dropped when empty, "." or "..".
// An empty result means the entry has no usable path.
func SanitizeName(name string) string {
	segments := strings.FieldsFunc(name, func(r rune) bool {
		return r == '/' || r == '\\'
	})
	clean := make([]string, 0, len(segments))
	for _, seg := range segments {
		seg = stripDrive(seg)
		switch seg {
		case "", ".", "..":
			continue
		}
		clean = append(clean, seg)
	}
	if len(clean) == 0 {
		return ""
	}
	return filepath.Join(clean...)
}

func stripDrive(seg string) string {
	if len(seg) >= 2 && seg[1] == ':' && isASCIILetter(seg[0]) {
		return seg[2:]
	}
	return seg
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func extractFile(f *zip.File, target string) error {
	in, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer in.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	return out.Close()
}
