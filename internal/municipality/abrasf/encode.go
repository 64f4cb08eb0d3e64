package abrasf

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/beevik/etree"

	"github.com/rezonia/nfse-submitter/internal/certstore"
	nfsedecimal "github.com/rezonia/nfse-submitter/internal/decimal"
	"github.com/rezonia/nfse-submitter/internal/model"
	"github.com/rezonia/nfse-submitter/internal/municipality"
	sigxml "github.com/rezonia/nfse-submitter/internal/signature/xml"
)

const (
	dateLayout        = "2006-01-02"
	maxDescriptionLen = 2000
)

// Encode implements municipality.Adapter. The declaration is signed with
// the Signature as its sibling inside Rps; in async mode the lot is signed
// the same way.
func (a *Adapter) Encode(ctx context.Context, inv *model.Invoice, h *certstore.Handle) (*model.SignedRequest, error) {
	if n := utf8.RuneCountInString(strings.TrimSpace(inv.ServiceDescription)); n > maxDescriptionLen {
		return nil, model.NewEncodingError(a.cfg.Code, nil, model.FieldError{
			Field:   "service_description",
			Rule:    "max_length",
			Message: fmt.Sprintf("Discriminacao has at most %d characters, got %d", maxDescriptionLen, n),
		})
	}

	signer, err := sigxml.NewSigner(a.certs.Signer(h), h.ChainDER())
	if err != nil {
		return nil, err
	}

	series, number := municipality.RPSIdentity(inv, defaultSeries)
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	op := opGerarNfse
	var inf *etree.Element
	if a.cfg.Async {
		op = opRecepcionarLote
		root := doc.CreateElement("EnviarLoteRpsEnvio")
		root.CreateAttr("xmlns", Namespace)
		lote := root.CreateElement("LoteRps")
		lote.CreateAttr("Id", fmt.Sprintf("lote%d", number))
		lote.CreateAttr("versao", Version)
		lote.CreateAttr("xmlns", Namespace)
		lote.CreateElement("NumeroLote").SetText(fmt.Sprint(number))
		prestador(lote.CreateElement("Prestador"), inv)
		lote.CreateElement("QuantidadeRps").SetText("1")
		inf = a.declaration(lote.CreateElement("ListaRps").CreateElement("Rps"), inv, series, number)

		if _, err := signer.Sign(inf, sigxml.Sibling); err != nil {
			return nil, err
		}
		if _, err := signer.Sign(lote, sigxml.Sibling); err != nil {
			return nil, err
		}
	} else {
		root := doc.CreateElement("GerarNfseEnvio")
		root.CreateAttr("xmlns", Namespace)
		inf = a.declaration(root.CreateElement("Rps"), inv, series, number)
		if _, err := signer.Sign(inf, sigxml.Sibling); err != nil {
			return nil, err
		}
	}

	body, err := doc.WriteToBytes()
	if err != nil {
		return nil, err
	}
	return &model.SignedRequest{
		IdempotencyKey: inv.IdempotencyKey,
		Municipality:   a.cfg.Code,
		Operation:      op.Name,
		Body:           body,
		TrackingHint:   RPSTracking(series, number),
	}, nil
}

// RPSTracking is the tracking identifier derivable before submission
func RPSTracking(series string, number int64) string {
	return fmt.Sprintf("rps:%s/%d", series, number)
}

// ProtocolTracking is the tracking identifier of an accepted lot
func ProtocolTracking(protocolo string) string {
	return "protocolo:" + protocolo
}

func (a *Adapter) declaration(rps *etree.Element, inv *model.Invoice, series string, number int64) *etree.Element {
	issueDate := inv.IssueDate.UTC().Format(dateLayout)

	inf := rps.CreateElement("InfDeclaracaoPrestacaoServico")
	inf.CreateAttr("Id", fmt.Sprintf("rps%d", number))
	inf.CreateAttr("xmlns", Namespace)

	r := inf.CreateElement("Rps")
	id := r.CreateElement("IdentificacaoRps")
	id.CreateElement("Numero").SetText(fmt.Sprint(number))
	id.CreateElement("Serie").SetText(series)
	id.CreateElement("Tipo").SetText(rpsType)
	r.CreateElement("DataEmissao").SetText(issueDate)
	r.CreateElement("Status").SetText("1")

	inf.CreateElement("Competencia").SetText(issueDate)

	servico := inf.CreateElement("Servico")
	valores := servico.CreateElement("Valores")
	valores.CreateElement("ValorServicos").SetText(nfsedecimal.RoundCents(inv.Amount).StringFixed(2))
	valores.CreateElement("ValorIss").SetText(inv.ISSAmount().StringFixed(2))
	valores.CreateElement("Aliquota").SetText(inv.TaxRate.StringFixed(2))
	servico.CreateElement("IssRetido").SetText("2")
	servico.CreateElement("ItemListaServico").SetText(strings.TrimSpace(inv.ServiceCode))
	servico.CreateElement("Discriminacao").SetText(strings.TrimSpace(inv.ServiceDescription))
	servico.CreateElement("CodigoMunicipio").SetText(string(a.cfg.Code))
	servico.CreateElement("ExigibilidadeISS").SetText("1")

	prestador(inf.CreateElement("Prestador"), inv)

	tomador := inf.CreateElement("TomadorServico")
	if taxID := model.DigitsOnly(inv.Recipient.TaxID); taxID != "" {
		tag := "Cnpj"
		if inv.RecipientKind() == "CPF" {
			tag = "Cpf"
		}
		tomador.CreateElement("IdentificacaoTomador").CreateElement("CpfCnpj").CreateElement(tag).SetText(taxID)
	}
	tomador.CreateElement("RazaoSocial").SetText(strings.TrimSpace(inv.Recipient.Name))
	if inv.Recipient.Email != "" {
		tomador.CreateElement("Contato").CreateElement("Email").SetText(strings.TrimSpace(inv.Recipient.Email))
	}

	inf.CreateElement("OptanteSimplesNacional").SetText("2")
	inf.CreateElement("IncentivoFiscal").SetText("2")
	return inf
}

func prestador(el *etree.Element, inv *model.Invoice) {
	el.CreateElement("CpfCnpj").CreateElement("Cnpj").SetText(model.DigitsOnly(inv.IssuerTaxID))
	el.CreateElement("InscricaoMunicipal").SetText(model.DigitsOnly(inv.IssuerMunicipalRegistration))
}

func prestadorFor(el *etree.Element, q municipality.StatusQuery) {
	el.CreateElement("CpfCnpj").CreateElement("Cnpj").SetText(q.IssuerTaxID)
	el.CreateElement("InscricaoMunicipal").SetText(q.MunicipalRegistration)
}
