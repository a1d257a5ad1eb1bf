package reports

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/lims/lims/internal/domain/catalog"
	"github.com/lims/lims/internal/domain/identity"
	"github.com/lims/lims/internal/domain/results"
)

// LabInfo is printed in the header of every page.
type LabInfo struct {
	Name    string
	Address string
	Phone   string
}

// Section is one test block of a report.
type Section struct {
	Test       *catalog.LabTest
	Result     *results.Result
	Reviewer   string
	Technician string
}

// Document is everything the renderer prints.
type Document struct {
	ReportNumber string
	GeneratedAt  time.Time
	Patient      *identity.Patient
	Sections     []Section
}

// Renderer turns a Document into PDF bytes.
type Renderer interface {
	Render(doc Document) ([]byte, error)
}

// PDFRenderer lays out A4 lab reports.
type PDFRenderer struct {
	lab      LabInfo
	compress bool
}

func NewPDFRenderer(lab LabInfo) *PDFRenderer {
	if lab.Name == "" {
		lab.Name = "Clinical Laboratory"
	}
	return &PDFRenderer{lab: lab, compress: true}
}

// Column widths of the value table, in mm. They add up to the printable
// width of an A4 page with 15 mm margins.
var columns = []struct {
	title string
	width float64
	align string
}{
	{"Parameter", 58, "L"},
	{"Result", 32, "R"},
	{"Unit", 25, "L"},
	{"Reference range", 45, "L"},
	{"Flag", 20, "C"},
}

var flagLabels = map[string]string{
	results.FlagLow:      "LOW",
	results.FlagHigh:     "HIGH",
	results.FlagAbnormal: "ABN",
}

func (r *PDFRenderer) Render(doc Document) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCompression(r.compress)
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.SetTitle("Lab report "+doc.ReportNumber, true)
	pdf.SetCreator(r.lab.Name, true)
	pdf.SetCreationDate(doc.GeneratedAt)
	pdf.AliasNbPages("")
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetHeaderFunc(func() {
		pdf.SetFont("Helvetica", "B", 15)
		pdf.CellFormat(0, 7, tr(r.lab.Name), "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 9)
		var contact []string
		if r.lab.Address != "" {
			contact = append(contact, r.lab.Address)
		}
		if r.lab.Phone != "" {
			contact = append(contact, "Tel. "+r.lab.Phone)
		}
		if len(contact) > 0 {
			pdf.CellFormat(0, 5, tr(strings.Join(contact, "  |  ")), "", 1, "L", false, 0, "")
		}
		pdf.SetDrawColor(60, 60, 60)
		y := pdf.GetY() + 2
		pdf.Line(15, y, 195, y)
		pdf.Ln(6)
	})
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.CellFormat(90, 10, "Report "+doc.ReportNumber, "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 10, fmt.Sprintf("Page %d of {nb}", pdf.PageNo()), "", 0, "R", false, 0, "")
	})

	pdf.AddPage()
	r.patientBlock(pdf, tr, doc)
	for _, s := range doc.Sections {
		r.section(pdf, tr, s)
	}

	if pdf.Err() {
		return nil, fmt.Errorf("render report: %w", pdf.Error())
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *PDFRenderer) patientBlock(pdf *fpdf.Fpdf, tr func(string) string, doc Document) {
	p := doc.Patient
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 7, "LABORATORY REPORT", "", 1, "L", false, 0, "")

	row := func(label, value, label2, value2 string) {
		pdf.SetFont("Helvetica", "B", 9)
		pdf.CellFormat(28, 6, label, "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 9)
		pdf.CellFormat(62, 6, tr(value), "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "B", 9)
		pdf.CellFormat(28, 6, label2, "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 9)
		pdf.CellFormat(0, 6, tr(value2), "", 1, "L", false, 0, "")
	}

	birth, age := "-", "-"
	if p.BirthDate != nil {
		birth = p.BirthDate.Format("2006-01-02")
		age = fmt.Sprintf("%d", p.Age(doc.GeneratedAt))
	}
	row("Patient", p.FullName(), "Report no.", doc.ReportNumber)
	row("MRN", p.MRN, "Issued", doc.GeneratedAt.UTC().Format("2006-01-02 15:04 UTC"))
	row("Date of birth", birth, "Age / Sex", age+" / "+p.Gender)
	pdf.Ln(4)
}

func (r *PDFRenderer) section(pdf *fpdf.Fpdf, tr func(string) string, s Section) {
	pdf.SetFont("Helvetica", "B", 11)
	pdf.SetFillColor(230, 236, 242)
	title := s.Test.Name
	if s.Test.Code != "" {
		title += " (" + s.Test.Code + ")"
	}
	pdf.CellFormat(0, 7, tr(title), "", 1, "L", true, 0, "")
	pdf.SetFont("Helvetica", "", 8)
	pdf.CellFormat(0, 5, tr("Sample: "+s.Test.SampleType), "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "B", 9)
	for _, col := range columns {
		pdf.CellFormat(col.width, 6, col.title, "B", 0, col.align, false, 0, "")
	}
	pdf.Ln(-1)

	for _, v := range s.Result.Values {
		style := ""
		if v.Flag != "" && v.Flag != results.FlagNormal {
			style = "B"
		}
		pdf.SetFont("Helvetica", style, 9)
		cells := []string{v.ParameterName, v.Value, v.Unit, v.RangeLabel(), flagLabels[v.Flag]}
		for i, col := range columns {
			pdf.CellFormat(col.width, 6, tr(cells[i]), "", 0, col.align, false, 0, "")
		}
		pdf.Ln(-1)
	}

	if s.Result.Interpretation != nil {
		pdf.Ln(2)
		pdf.SetFont("Helvetica", "B", 9)
		pdf.CellFormat(0, 5, "Interpretation", "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 9)
		pdf.MultiCell(0, 5, tr(*s.Result.Interpretation), "", "L", false)
	}
	if s.Result.ReviewComment != nil {
		pdf.SetFont("Helvetica", "I", 9)
		pdf.MultiCell(0, 5, tr("Reviewer comment: "+*s.Result.ReviewComment), "", "L", false)
	}

	pdf.Ln(2)
	pdf.SetFont("Helvetica", "", 8)
	signed := "Approved by " + s.Reviewer
	if s.Result.ReviewedAt != nil {
		signed += " on " + s.Result.ReviewedAt.UTC().Format("2006-01-02 15:04 UTC")
	}
	if s.Technician != "" {
		signed = "Performed by " + s.Technician + ". " + signed
	}
	pdf.CellFormat(0, 5, tr(signed), "T", 1, "L", false, 0, "")
	pdf.Ln(5)
}
