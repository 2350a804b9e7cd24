package downloads

import (
	"archive/zip"
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/anoint-array/platform/internal/domain/order"
	svcerrors "github.com/anoint-array/platform/internal/errors"
	"github.com/anoint-array/platform/internal/storage"
	"github.com/anoint-array/platform/services/sealarray"
)

// BundleName is the archive file name offered to the browser.
func BundleName(o *order.Order) string {
	return fmt.Sprintf("anoint-seal-array-%s.zip", shortID(o.ID))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// WriteBundle writes the order's download archive to w. Every input is
// gathered before the first byte is written, so a failure leaves w empty.
func (s *Service) WriteBundle(ctx context.Context, w io.Writer, o *order.Order) error {
	if o.ArtifactPath == "" {
		return svcerrors.NotFound("artifact", o.ID)
	}
	img, err := s.objects.Get(ctx, storage.BucketSealArrays, o.ArtifactPath)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return svcerrors.NotFound("artifact", o.ArtifactPath)
		}
		return svcerrors.Upstream("storage", true, err)
	}

	type entry struct {
		name string
		data []byte
	}
	entries := []entry{{name: "seal-array.png", data: img}}
	if s.bundle.IncludeCertificate {
		cert, err := Certificate(o, s.now())
		if err != nil {
			return err
		}
		entries = append(entries, entry{name: "certificate.pdf", data: cert})
	}
	if s.bundle.IncludeReadme {
		entries = append(entries, entry{name: "README.txt", data: []byte(s.bundle.Readme)})
	}

	zw := zip.NewWriter(w)
	modified := o.UpdatedAt
	if modified.IsZero() {
		modified = s.now()
	}
	for _, e := range entries {
		method := zip.Deflate
		if strings.HasSuffix(e.name, ".png") {
			method = zip.Store
		}
		f, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: method, Modified: modified.UTC()})
		if err != nil {
			return err
		}
		if _, err := f.Write(e.data); err != nil {
			return err
		}
	}
	return zw.Close()
}

// Certificate renders a single-page PDF naming the buyer and their numbers.
// Text is set in the core Helvetica face through the cp1252 translator, so
// Latin-1 names keep their accents.
func Certificate(o *order.Order, issued time.Time) ([]byte, error) {
	lines := []string{
		"Name: " + o.CustomerName,
		"Birth date: " + o.BirthDate,
	}
	if p, err := sealarray.NewProfile(o.CustomerName, o.BirthDate); err == nil {
		lines = append(lines,
			fmt.Sprintf("Life Path: %d", p.LifePath),
			fmt.Sprintf("Expression: %d", p.Expression),
			fmt.Sprintf("Soul Urge: %d", p.SoulUrge),
			fmt.Sprintf("Personality: %d", p.Personality),
		)
	}
	lines = append(lines, "", "Order: "+o.ID, "Issued: "+issued.UTC().Format("2006-01-02"))

	pdf := fpdf.New("P", "pt", "Letter", "")
	pdf.SetCompression(false)
	pdf.SetCreationDate(issued.UTC())
	pdf.SetModificationDate(issued.UTC())
	pdf.SetTitle("ANOINT Array Certificate of Authenticity", true)
	pdf.SetMargins(72, 72, 72)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 24, "ANOINT Array - Certificate of Authenticity", "", 1, "L", false, 0, "")
	pdf.Ln(12)
	pdf.SetFont("Helvetica", "", 14)
	for _, line := range lines {
		pdf.CellFormat(0, 18, tr(line), "", 1, "L", false, 0, "")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render certificate: %w", err)
	}
	return buf.Bytes(), nil
}
