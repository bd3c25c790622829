package archive

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var ErrNoHTML = errors.New("no HTML file found")

// IsHTMLFile reports whether name carries an .htm or .html extension.
func IsHTMLFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".htm") || strings.HasSuffix(lower, ".html")
}

// ListZip returns the member names of the zip at path, in archive order.
func ListZip(path string) ([]string, error) {
	r, err := openZip(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return names, nil
}

// HasHTML reports whether the zip at path contains at least one HTML member.
func HasHTML(path string) (bool, error) {
	names, err := ListZip(path)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if IsHTMLFile(n) {
			return true, nil
		}
	}
	return false, nil
}

// ReadTitle picks the page of an extracted tree and returns its <title> text.
// Among the top-level HTML files a single index.* wins, otherwise the first one in
// directory order is used. A tree whose HTML lives only in subdirectories falls
// back to the first HTML file found walking the tree.
func ReadTitle(dir string) (string, error) {
	page, err := pickPage(dir)
	if err != nil {
		return "", err
	}
	f, err := os.Open(page)
	if err != nil {
		return "", fmt.Errorf("open page: %w", err)
	}
	defer f.Close()
	return Title(f)
}

func pickPage(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", dir, err)
	}
	var pages, indexes []string
	for _, e := range entries {
		if e.IsDir() || !IsHTMLFile(e.Name()) {
			continue
		}
		pages = append(pages, e.Name())
		if strings.HasPrefix(e.Name(), "index.") {
			indexes = append(indexes, e.Name())
		}
	}
	if len(indexes) == 1 {
		return filepath.Join(dir, indexes[0]), nil
	}
	if len(pages) > 0 {
		return filepath.Join(dir, pages[0]), nil
	}

	var nested string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && IsHTMLFile(d.Name()) {
			nested = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk %s: %w", dir, err)
	}
	if nested == "" {
		return "", fmt.Errorf("%w in %s", ErrNoHTML, dir)
	}
	return nested, nil
}

// Title parses an HTML document and returns its whitespace-normalized <title>.
func Title(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	return FindTitle(doc), nil
}

// FindTitle returns the text of the first <title> element under n.
func FindTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		var b strings.Builder
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				b.WriteString(c.Data)
			}
		}
		return strings.Join(strings.Fields(b.String()), " ")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := FindTitle(c); t != "" {
			return t
		}
	}
	return ""
}

// CountImages walks dir and counts files whose content decodes as a known image
// format. Extensions are ignored.
func CountImages(dir string) (int, error) {
	count := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if IsImage(path) {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count images in %s: %w", dir, err)
	}
	return count, nil
}

// IsImage sniffs the file header for gif, jpeg, png, bmp, tiff or webp.
func IsImage(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	_, _, err = image.DecodeConfig(f)
	return err == nil
}
