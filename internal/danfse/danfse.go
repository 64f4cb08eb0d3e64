// Package danfse renders the auxiliary document (DANFSE) of an issued NFS-e.
package danfse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	nfsedecimal "github.com/rezonia/nfse-submitter/internal/decimal"
	nfse "github.com/rezonia/nfse-submitter/internal/model"
)

// A4 portrait in points, origin lower left
const (
	pageWidth   = 595.0
	pageHeight  = 842.0
	marginLeft  = 40.0
	marginRight = 40.0
	valueLeft   = 190.0
	lineHeight  = 13.0
	valueSize   = 8

	// generous average Helvetica glyph width, as a fraction of the font size
	glyphWidth = 0.55
)

var brasilia = time.FixedZone("BRT", -3*60*60)

func init() {
	api.DisableConfigDir()
}

// Field is one label/value line of the document
type Field struct {
	Label string
	Value string
}

// Section is a titled block of fields
type Section struct {
	Title  string
	Fields []Field
}

// Document is the printable content of a DANFSE
type Document struct {
	Title    string
	Subtitle string
	Status   string
	Sections []Section
}

// FromRecord builds the document for an issued record. municipality is the
// display name of the issuing city and may be empty.
func FromRecord(rec *nfse.SubmissionRecord, municipality string) (*Document, error) {
	if rec.State != nfse.StateIssued || rec.Result == nil {
		return nil, nfse.ErrNotIssued
	}
	inv := rec.Invoice
	res := rec.Result

	issuedAt := rec.UpdatedAt
	if res.IssuedAt != nil {
		issuedAt = *res.IssuedAt
	}
	place := string(inv.MunicipalityCode)
	if municipality != "" {
		place = municipality + " (" + place + ")"
	}

	recipientLabel := "CPF/CNPJ:"
	if kind := inv.RecipientKind(); kind != "" {
		recipientLabel = kind + ":"
	}

	return &Document{
		Title:    "NOTA FISCAL DE SERVIÇOS ELETRÔNICA",
		Subtitle: "NFS-e (DANFSE - Documento Auxiliar)",
		Status:   "AUTORIZADA",
		Sections: []Section{
			{
				Title: "DADOS DA NFS-e",
				Fields: []Field{
					{"Número:", res.DocumentNumber},
					{"Código de verificação:", orDash(res.VerificationCode)},
					{"Data/Hora de emissão:", issuedAt.In(brasilia).Format("02/01/2006 15:04:05")},
					{"Competência:", inv.IssueDate.Format("01/2006")},
					{"Local da prestação:", place},
					{"Identificador:", rec.ID},
				},
			},
			{
				Title: "PRESTADOR DE SERVIÇOS",
				Fields: []Field{
					{"CNPJ:", formatTaxID(inv.IssuerTaxID)},
					{"Inscrição municipal:", orDash(inv.IssuerMunicipalRegistration)},
				},
			},
			{
				Title: "TOMADOR DE SERVIÇOS",
				Fields: []Field{
					{recipientLabel, orDash(formatTaxID(inv.Recipient.TaxID))},
					{"Nome/Razão social:", orDash(inv.Recipient.Name)},
					{"E-mail:", orDash(inv.Recipient.Email)},
				},
			},
			{
				Title: "DESCRIÇÃO DO SERVIÇO",
				Fields: []Field{
					{"Código do serviço:", inv.ServiceCode},
					{"Descrição:", inv.ServiceDescription},
				},
			},
			{
				Title: "VALORES",
				Fields: []Field{
					{"Valor dos serviços:", nfsedecimal.FormatBRL(inv.Amount)},
					{"Base de cálculo:", nfsedecimal.FormatBRL(inv.Amount)},
					{"Alíquota ISS:", inv.TaxRate.StringFixed(2) + "%"},
					{"Valor do ISS:", nfsedecimal.FormatBRL(inv.ISSAmount())},
					{"Valor líquido:", nfsedecimal.FormatBRL(inv.NetAmount())},
				},
			},
		},
	}, nil
}

// Renderer writes DANFSE documents as PDF
type Renderer struct {
	conf *model.Configuration
}

// NewRenderer creates a Renderer with pdfcpu's default configuration
func NewRenderer() *Renderer {
	return &Renderer{conf: model.NewDefaultConfiguration()}
}

// Render writes doc as a single-page PDF to w
func (r *Renderer) Render(w io.Writer, doc *Document) error {
	desc, err := json.Marshal(pageLayout(doc))
	if err != nil {
		return fmt.Errorf("danfse: layout: %w", err)
	}
	if err := api.Create(nil, bytes.NewReader(desc), w, r.conf); err != nil {
		return fmt.Errorf("danfse: render: %w", err)
	}
	return nil
}

// RenderRecord is FromRecord followed by Render into memory
func (r *Renderer) RenderRecord(rec *nfse.SubmissionRecord, municipality string) ([]byte, error) {
	doc, err := FromRecord(rec, municipality)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := r.Render(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// pdfcpu create description, see `pdfcpu create` JSON input
type layout struct {
	Paper string          `json:"paper"`
	Pages map[string]page `json:"pages"`
}

type font struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

type page struct {
	Content content `json:"content"`
}

type content struct {
	Text []text `json:"text"`
}

type text struct {
	Value string     `json:"value"`
	Pos   [2]float64 `json:"pos"`
	Font  font       `json:"font"`
	Align string     `json:"align"`
}

func pageLayout(doc *Document) layout {
	var items []text
	y := pageHeight - 50

	add := func(value string, x float64, name string, size int, align string) {
		items = append(items, text{
			Value: value,
			Pos:   [2]float64{x, y},
			Font:  font{Name: name, Size: size},
			Align: align,
		})
	}

	add(doc.Title, 297.5, "Helvetica-Bold", 14, "center")
	y -= 18
	add(doc.Subtitle, 297.5, "Helvetica", 9, "center")
	y -= 16
	add(doc.Status, 297.5, "Helvetica-Bold", 11, "center")
	y -= 28

	for _, s := range doc.Sections {
		add(s.Title, marginLeft, "Helvetica-Bold", 10, "left")
		y -= lineHeight + 2
		for _, f := range s.Fields {
			add(f.Label, marginLeft, "Helvetica-Bold", valueSize, "left")
			for _, line := range wrap(f.Value, valueChars()) {
				add(line, valueLeft, "Helvetica", valueSize, "left")
				y -= lineHeight
			}
		}
		y -= 10
	}

	return layout{
		Paper: "A4",
		Pages: map[string]page{"1": {Content: content{Text: items}}},
	}
}

// valueChars is how many characters fit between the value column and the
// right margin
func valueChars() int {
	chars := (pageWidth - marginRight - valueLeft) / (glyphWidth * valueSize)
	return int(chars)
}

// wrap breaks s into lines of at most width runes, on spaces where possible.
// Explicit newlines are kept.
func wrap(s string, width int) []string {
	var lines []string
	for _, para := range strings.Split(s, "\n") {
		var cur strings.Builder
		n := 0
		flush := func() {
			lines = append(lines, cur.String())
			cur.Reset()
			n = 0
		}
		for _, word := range strings.Fields(para) {
			wl := utf8.RuneCountInString(word)
			if n > 0 && n+1+wl > width {
				flush()
			}
			for wl > width {
				r := []rune(word)
				if n > 0 {
					flush()
				}
				lines = append(lines, string(r[:width]))
				word, wl = string(r[width:]), wl-width
			}
			if n > 0 {
				cur.WriteByte(' ')
				n++
			}
			cur.WriteString(word)
			n += wl
		}
		if n > 0 || len(lines) == 0 {
			flush()
		}
	}
	return lines
}

// formatTaxID punctuates an 11 digit CPF or a 14 digit CNPJ
func formatTaxID(id string) string {
	d := nfse.DigitsOnly(id)
	switch len(d) {
	case 11:
		return d[:3] + "." + d[3:6] + "." + d[6:9] + "-" + d[9:]
	case 14:
		return d[:2] + "." + d[2:5] + "." + d[5:8] + "/" + d[8:12] + "-" + d[12:]
	default:
		return id
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
