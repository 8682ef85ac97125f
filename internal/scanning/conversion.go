package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"net/http"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

const (
	mimePNG  = "image/png"
	mimeJPEG = "image/jpeg"
	mimePDF  = "application/pdf"
)

// bill is an image ready to hand to a model
type bill struct {
	data     []byte
	mimeType string
}

// format returns the subtype genai expects, e.g. "png"
func (b bill) format() string {
	return strings.TrimPrefix(b.mimeType, "image/")
}

// normalizeBill turns an upload into a PNG or JPEG image. PDFs are rendered from their
// first page. HEIC and the other decodable formats are re-encoded as PNG.
func normalizeBill(data []byte, contentType string) (bill, error) {
	if len(data) == 0 {
		return bill{}, fmt.Errorf("bill is empty")
	}

	mimeType := detectMimeType(data, contentType)
	switch {
	case mimeType == mimePNG || mimeType == mimeJPEG:
		return bill{data: data, mimeType: mimeType}, nil
	case mimeType == mimePDF:
		out, err := renderPDF(data)
		if err != nil {
			return bill{}, fmt.Errorf("converting PDF to image: %w", err)
		}
		return bill{data: out, mimeType: mimePNG}, nil
	default:
		out, err := reencodePNG(data, mimeType)
		if err != nil {
			return bill{}, fmt.Errorf("converting image to PNG: %w", err)
		}
		return bill{data: out, mimeType: mimePNG}, nil
	}
}

// detectMimeType prefers the bytes over the declared type, which browsers often leave blank
func detectMimeType(data []byte, contentType string) string {
	if isHEIC(data) {
		return "image/heic"
	}
	sniffed := http.DetectContentType(data)
	if sniffed != "application/octet-stream" {
		return strings.SplitN(sniffed, ";", 2)[0]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

func renderPDF(data []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	if doc.NumPage() == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}
	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return encodePNG(img)
}

func reencodePNG(data []byte, mimeType string) ([]byte, error) {
	var (
		img image.Image
		err error
	)
	if isHEIC(data) || strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif") {
		img, err = heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return encodePNG(img)
	}

	img, _, err = image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("unsupported bill format %q, expected JPEG, PNG, GIF, HEIC or PDF: %w", mimeType, err)
	}
	return encodePNG(img)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEIC looks for an ftyp box with a HEIF family brand
func isHEIC(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}
