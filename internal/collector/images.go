package collector

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"net/url"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"zipball-packager/internal/hashing"
	"zipball-packager/internal/logger"
)

const imagesDir = "images"

// localizeImages downloads every <img> under doc into tree/images and points
// src at the local copy. Images that fail to download keep their absolute URL.
// It returns how many images were stored.
func (c *HTTPCollector) localizeImages(ctx context.Context, doc *html.Node, base *url.URL, tree string) int {
	stored := map[string]string{}
	walk(doc, func(n *html.Node) {
		if n.Type != html.ElementNode || n.DataAtom != atom.Img {
			return
		}
		src := attr(n, "src")
		if src == "" {
			return
		}
		ref, err := base.Parse(src)
		if err != nil {
			return
		}
		abs := ref.String()
		if local, ok := stored[abs]; ok {
			setAttr(n, "src", local)
			return
		}
		name, err := c.storeImage(ctx, abs, filepath.Join(tree, imagesDir))
		if err != nil {
			logger.Logger.Debug().Err(err).Str("src", abs).Msg("image skipped")
			setAttr(n, "src", abs)
			return
		}
		local := imagesDir + "/" + name
		stored[abs] = local
		setAttr(n, "src", local)
	})
	return len(stored)
}

// storeImage downloads one image into dir, downscaling it when wider than the
// configured maximum. It returns the stored file name.
func (c *HTTPCollector) storeImage(ctx context.Context, src, dir string) (string, error) {
	body, _, err := c.Fetch(ctx, src)
	if err != nil {
		return "", err
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("not an image: %w", err)
	}

	outFormat, err := imaging.FormatFromExtension(format)
	if err != nil {
		outFormat = imaging.PNG
	}
	name := hashing.Data(src) + "." + extension(outFormat)
	path := filepath.Join(dir, name)

	if c.maxWidth <= 0 || cfg.Width <= c.maxWidth {
		if outFormat.String() == formatName(format) {
			return name, os.WriteFile(path, body, 0o644)
		}
	}

	img, err := imaging.Decode(bytes.NewReader(body), imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	if c.maxWidth > 0 && img.Bounds().Dx() > c.maxWidth {
		img = imaging.Resize(img, c.maxWidth, 0, imaging.Lanczos)
	}
	if err := imaging.Save(img, path, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("save image: %w", err)
	}
	return name, nil
}

// formatName maps an image.DecodeConfig format to the imaging.Format spelling.
func formatName(decoded string) string {
	switch decoded {
	case "jpeg":
		return "JPEG"
	case "png":
		return "PNG"
	case "gif":
		return "GIF"
	case "tiff":
		return "TIFF"
	case "bmp":
		return "BMP"
	}
	return ""
}

func extension(f imaging.Format) string {
	switch f {
	case imaging.JPEG:
		return "jpg"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	case imaging.BMP:
		return "bmp"
	default:
		return "png"
	}
}
