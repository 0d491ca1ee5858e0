// Package loader turns a source file into ordered page rasters.
package loader

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"sort"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/Lllllllleong/structureflow/internal/pipelineerr"
)

// MIMEPDF is the only document type the loader accepts.
const MIMEPDF = "application/pdf"

// Page is one page raster. Number is 1-based.
type Page struct {
	Number int
	Image  image.Image
}

// Loader extracts page rasters from a local file.
type Loader interface {
	Load(ctx context.Context, path string) ([]Page, error)
}

// DetectType sniffs the file's MIME type from its first 512 bytes. A missing
// or unreadable file is an ErrFileAccess.
func DetectType(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", pipelineerr.Wrap(pipelineerr.ErrFileAccess, "open "+path, err)
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", pipelineerr.Wrap(pipelineerr.ErrFileAccess, "read "+path, err)
	}
	return http.DetectContentType(head[:n]), nil
}

// CheckSupported returns the detected type of path, or an error classified as
// ErrFileAccess or ErrUnsupportedFormat.
func CheckSupported(path string, supported []string) (string, error) {
	if st, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", pipelineerr.Wrap(pipelineerr.ErrFileAccess, path+" does not exist", err)
		}
		return "", pipelineerr.Wrap(pipelineerr.ErrFileAccess, "stat "+path, err)
	} else if st.IsDir() {
		return "", pipelineerr.Wrap(pipelineerr.ErrFileAccess, path+" is a directory", nil)
	}
	mime, err := DetectType(path)
	if err != nil {
		return "", err
	}
	for _, s := range supported {
		if s == mime {
			return mime, nil
		}
	}
	return mime, pipelineerr.Wrap(pipelineerr.ErrUnsupportedFormat, fmt.Sprintf("%s has type %s", path, mime), nil)
}

// PDFLoader pulls the embedded page images out of scanned PDFs with pdfcpu.
// Scanned pages carry one full-page raster; when a page holds several images
// the largest is taken as the page.
type PDFLoader struct {
	conf *model.Configuration
}

func NewPDFLoader() *PDFLoader {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &PDFLoader{conf: conf}
}

func (l *PDFLoader) Load(ctx context.Context, path string) ([]Page, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.ErrFileAccess, "open "+path, err)
	}
	defer f.Close()

	pageCount, err := api.PageCount(f, l.conf)
	if err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.ErrExtraction, "read page count", err)
	}
	if pageCount == 0 {
		return nil, pipelineerr.Wrap(pipelineerr.ErrExtraction, path+" has no pages", nil)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.ErrFileAccess, "rewind "+path, err)
	}

	extracted, err := api.ExtractImagesRaw(f, nil, l.conf)
	if err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.ErrExtraction, "extract images", err)
	}

	largest := make(map[int]model.Image)
	for _, byObj := range extracted {
		for _, img := range byObj {
			if cur, ok := largest[img.PageNr]; !ok || img.Width*img.Height > cur.Width*cur.Height {
				largest[img.PageNr] = img
			}
		}
	}

	numbers := make([]int, 0, len(largest))
	for n := range largest {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	for _, n := range missingPages(pageCount, numbers) {
		slog.Warn("Page has no embedded raster, skipping.", "filePath", path, "page", n, "pageCount", pageCount)
	}

	pages := make([]Page, 0, len(numbers))
	for _, n := range numbers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img := largest[n]
		decoded, _, err := image.Decode(img)
		if err != nil {
			return nil, pipelineerr.Wrap(pipelineerr.ErrExtraction, fmt.Sprintf("decode page %d image %s (%s)", n, img.Name, img.FileType), err)
		}
		pages = append(pages, Page{Number: n, Image: decoded})
	}
	if len(pages) == 0 {
		return nil, pipelineerr.Wrap(pipelineerr.ErrExtraction, fmt.Sprintf("%s: none of %d pages carries a raster", path, pageCount), nil)
	}
	return pages, nil
}

// missingPages lists the page numbers in 1..pageCount absent from the sorted
// found.
func missingPages(pageCount int, found []int) []int {
	var missing []int
	i := 0
	for n := 1; n <= pageCount; n++ {
		for i < len(found) && found[i] < n {
			i++
		}
		if i < len(found) && found[i] == n {
			continue
		}
		missing = append(missing, n)
	}
	return missing
}
