package saopaulo

import (
	"context"
	"crypto"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/beevik/etree"

	"github.com/rezonia/nfse-submitter/internal/certstore"
	nfsedecimal "github.com/rezonia/nfse-submitter/internal/decimal"
	"github.com/rezonia/nfse-submitter/internal/model"
	"github.com/rezonia/nfse-submitter/internal/municipality"
	sigxml "github.com/rezonia/nfse-submitter/internal/signature/xml"
)

const dateLayout = "2006-01-02"

// Encode implements municipality.Adapter. It builds a one-RPS
// PedidoEnvioLoteRPS, signs the RPS Assinatura and the whole request.
func (a *Adapter) Encode(ctx context.Context, inv *model.Invoice, h *certstore.Handle) (*model.SignedRequest, error) {
	series, number := municipality.RPSIdentity(inv, defaultSeries)
	im := model.DigitsOnly(inv.IssuerMunicipalRegistration)

	if err := validate(inv, series); err != nil {
		return nil, err
	}

	assinatura, err := a.certs.SignBytes(h, []byte(AssinaturaRPS(inv, series, number)), crypto.SHA1)
	if err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("PedidoEnvioLoteRPS")
	root.CreateAttr("xmlns", Namespace)

	issueDate := inv.IssueDate.UTC().Format(dateLayout)
	amount := nfsedecimal.RoundCents(inv.Amount).StringFixed(2)

	cab := unqualified(root, "Cabecalho")
	cab.CreateAttr("Versao", schemaVersion)
	cab.CreateElement("CPFCNPJRemetente").CreateElement("CNPJ").SetText(model.DigitsOnly(inv.IssuerTaxID))
	cab.CreateElement("transacao").SetText("true")
	cab.CreateElement("dtInicio").SetText(issueDate)
	cab.CreateElement("dtFim").SetText(issueDate)
	cab.CreateElement("QtdRPS").SetText("1")
	cab.CreateElement("ValorTotalServicos").SetText(amount)
	cab.CreateElement("ValorTotalDeducoes").SetText("0.00")

	rps := unqualified(root, "RPS")
	rps.CreateElement("Assinatura").SetText(base64.StdEncoding.EncodeToString(assinatura))
	chave := rps.CreateElement("ChaveRPS")
	chave.CreateElement("InscricaoPrestador").SetText(im)
	chave.CreateElement("SerieRPS").SetText(series)
	chave.CreateElement("NumeroRPS").SetText(fmt.Sprint(number))
	rps.CreateElement("TipoRPS").SetText("RPS")
	rps.CreateElement("DataEmissao").SetText(issueDate)
	rps.CreateElement("StatusRPS").SetText("N")
	rps.CreateElement("TributacaoRPS").SetText("T")
	rps.CreateElement("ValorServicos").SetText(amount)
	rps.CreateElement("ValorDeducoes").SetText("0.00")
	rps.CreateElement("CodigoServico").SetText(model.DigitsOnly(inv.ServiceCode))
	rps.CreateElement("AliquotaServicos").SetText(nfsedecimal.RateFraction(inv.TaxRate).String())
	rps.CreateElement("ISSRetido").SetText("false")
	if taxID := model.DigitsOnly(inv.Recipient.TaxID); taxID != "" {
		tag := "CNPJ"
		if inv.RecipientKind() == "CPF" {
			tag = "CPF"
		}
		rps.CreateElement("CPFCNPJTomador").CreateElement(tag).SetText(taxID)
	}
	rps.CreateElement("RazaoSocialTomador").SetText(strings.TrimSpace(inv.Recipient.Name))
	if inv.Recipient.Email != "" {
		rps.CreateElement("EmailTomador").SetText(strings.TrimSpace(inv.Recipient.Email))
	}
	rps.CreateElement("Discriminacao").SetText(strings.TrimSpace(inv.ServiceDescription))

	body, err := a.sign(h, doc)
	if err != nil {
		return nil, err
	}

	op := opEnvioLote
	if a.testMode {
		op = opTesteLote
	}
	return &model.SignedRequest{
		IdempotencyKey: inv.IdempotencyKey,
		Municipality:   Code,
		Operation:      op.Name,
		Body:           body,
		TrackingHint:   RPSTracking(im, series, number),
	}, nil
}

// AssinaturaRPS builds the 86-character string São Paulo requires each RPS
// to sign with RSA-SHA1.
func AssinaturaRPS(inv *model.Invoice, series string, number int64) string {
	indicador, tomador := "3", ""
	switch inv.RecipientKind() {
	case "CPF":
		indicador, tomador = "1", model.DigitsOnly(inv.Recipient.TaxID)
	case "CNPJ":
		indicador, tomador = "2", model.DigitsOnly(inv.Recipient.TaxID)
	}

	var b strings.Builder
	b.Grow(86)
	b.WriteString(zeroPad(model.DigitsOnly(inv.IssuerMunicipalRegistration), 8))
	fmt.Fprintf(&b, "%-5s", series)
	fmt.Fprintf(&b, "%012d", number)
	b.WriteString(inv.IssueDate.UTC().Format("20060102"))
	b.WriteString("T") // tributação no município
	b.WriteString("N") // status normal
	b.WriteString("N") // ISS não retido
	fmt.Fprintf(&b, "%015d", nfsedecimal.ToCents(inv.Amount))
	fmt.Fprintf(&b, "%015d", 0)
	b.WriteString(zeroPad(model.DigitsOnly(inv.ServiceCode), 5))
	b.WriteString(indicador)
	b.WriteString(zeroPad(tomador, 14))
	return b.String()
}

// RPSTracking is the tracking identifier derivable before submission
func RPSTracking(im, series string, number int64) string {
	return fmt.Sprintf("rps:%s/%s/%d", im, series, number)
}

// LotTracking is the tracking identifier of an accepted lot
func LotTracking(lot string) string {
	return "lote:" + lot
}

func (a *Adapter) sign(h *certstore.Handle, doc *etree.Document) ([]byte, error) {
	signer, err := sigxml.NewSigner(a.certs.Signer(h), h.ChainDER())
	if err != nil {
		return nil, err
	}
	if _, err := signer.Sign(doc.Root(), sigxml.Enveloped); err != nil {
		return nil, err
	}
	return doc.WriteToBytes()
}

func zeroPad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

// unqualified creates a child in no namespace, as the SP schema expects
func unqualified(parent *etree.Element, tag string) *etree.Element {
	el := parent.CreateElement(tag)
	el.CreateAttr("xmlns", "")
	return el
}

func validate(inv *model.Invoice, series string) error {
	encErr := model.NewEncodingError(Code, nil)
	if len(model.DigitsOnly(inv.IssuerMunicipalRegistration)) > 8 {
		encErr.Add("issuer_municipal_registration", "max_digits", "São Paulo CCM has at most 8 digits")
	}
	if len(series) > 5 {
		encErr.Add("rps.series", "max_length", "SerieRPS has at most 5 characters")
	}
	if len(model.DigitsOnly(inv.ServiceCode)) > 5 {
		encErr.Add("service_code", "max_digits", "CodigoServico has at most 5 digits")
	}
	if encErr.HasFields() {
		return encErr
	}
	return nil
}
