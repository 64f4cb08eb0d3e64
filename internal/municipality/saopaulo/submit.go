package saopaulo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/rezonia/nfse-submitter/internal/certstore"
	"github.com/rezonia/nfse-submitter/internal/model"
	"github.com/rezonia/nfse-submitter/internal/municipality"
)

const issuedAtLayout = "2006-01-02T15:04:05"

// Submit implements municipality.Adapter
func (a *Adapter) Submit(ctx context.Context, h *certstore.Handle, req *model.SignedRequest) (*model.Outcome, error) {
	op := opEnvioLote
	if req.Operation == opTesteLote.Name {
		op = opTesteLote
	}

	ret, raw, err := a.call(ctx, h, op, "EnvioLoteRPSRequest", req.Body)
	if err != nil {
		return nil, err
	}

	if out, err := a.checkErrors(ret, raw); out != nil || err != nil {
		return out, err
	}

	if out := issuedFrom(ret.FindElement("./ChaveNFeRPS/ChaveNFe"), nil); out != nil {
		out.Raw = raw
		return out, nil
	}

	lot := text(ret.FindElement("./Cabecalho/InformacoesLote/NumeroLote"))
	if lot == "" {
		return nil, model.NewProtocolError("sp:MissingNumeroLote", "response carries neither an NFe nor a lot number")
	}
	out := model.AcceptedPending(LotTracking(lot))
	out.Raw = raw
	return out, nil
}

// QueryStatus implements municipality.Adapter. Tracking identifiers are
// "lote:<NumeroLote>" after acceptance or "rps:<CCM>/<serie>/<numero>"
// when the lot number was never learned.
func (a *Adapter) QueryStatus(ctx context.Context, h *certstore.Handle, q municipality.StatusQuery) (*model.Outcome, error) {
	kind, key, ok := strings.Cut(q.TrackingID, ":")
	if !ok {
		return nil, invalidTracking(q.TrackingID)
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	var (
		op      municipality.Operation
		wrapper string
	)
	switch kind {
	case "lote":
		root := doc.CreateElement("PedidoConsultaLote")
		root.CreateAttr("xmlns", Namespace)
		cab := unqualified(root, "Cabecalho")
		cab.CreateAttr("Versao", schemaVersion)
		cab.CreateElement("CPFCNPJRemetente").CreateElement("CNPJ").SetText(q.IssuerTaxID)
		cab.CreateElement("NumeroLote").SetText(key)
		op, wrapper = opConsLote, "ConsultaLoteRequest"
	case "rps":
		parts := strings.Split(key, "/")
		if len(parts) != 3 {
			return nil, invalidTracking(q.TrackingID)
		}
		root := doc.CreateElement("PedidoConsultaNFe")
		root.CreateAttr("xmlns", Namespace)
		cab := unqualified(root, "Cabecalho")
		cab.CreateAttr("Versao", schemaVersion)
		cab.CreateElement("CPFCNPJRemetente").CreateElement("CNPJ").SetText(q.IssuerTaxID)
		chave := unqualified(root, "Detalhe").CreateElement("ChaveRPS")
		chave.CreateElement("InscricaoPrestador").SetText(parts[0])
		chave.CreateElement("SerieRPS").SetText(parts[1])
		chave.CreateElement("NumeroRPS").SetText(parts[2])
		op, wrapper = opConsNFe, "ConsultaNFeRequest"
	default:
		return nil, invalidTracking(q.TrackingID)
	}

	body, err := a.sign(h, doc)
	if err != nil {
		return nil, err
	}
	ret, raw, err := a.call(ctx, h, op, wrapper, body)
	if err != nil {
		return nil, err
	}
	if out, err := a.checkErrors(ret, raw); out != nil || err != nil {
		return out, err
	}

	nfe := ret.SelectElement("NFe")
	if nfe == nil {
		if kind == "lote" {
			return model.AcceptedPending(q.TrackingID), nil
		}
		return model.NotFound(), nil
	}

	var out *model.Outcome
	switch status := text(nfe.SelectElement("StatusNFe")); status {
	case "C":
		out = model.Rejected("NFS-e cancelada pela prefeitura")
	case "E":
		out = model.Rejected("NFS-e extraviada")
	default:
		out = issuedFrom(nfe.SelectElement("ChaveNFe"), nfe.SelectElement("DataEmissaoNFe"))
		if out == nil {
			return nil, model.NewProtocolError("sp:MissingNumeroNFe", "NFe element without ChaveNFe")
		}
	}
	out.Raw = raw
	return out, nil
}

// call wraps the signed message in the operation element, posts it and
// parses the RetornoXML payload
func (a *Adapter) call(ctx context.Context, h *certstore.Handle, op municipality.Operation, wrapper string, body []byte) (*etree.Element, []byte, error) {
	req := etree.NewElement(wrapper)
	req.CreateAttr("xmlns", Namespace)
	req.CreateElement("VersaoSchema").SetText(schemaVersion)
	req.CreateElement("MensagemXML").SetText(string(body))

	resp, err := a.transport.Call(ctx, h, op, req)
	if err != nil {
		return nil, nil, a.classified(err)
	}
	msg, ok := municipality.MessageText(resp, "RetornoXML")
	if !ok {
		return nil, nil, a.classified(model.NewProtocolError("soap:MalformedResponse", "missing RetornoXML"))
	}
	ret, err := municipality.ParseMessage(msg)
	if err != nil {
		return nil, nil, a.classified(err)
	}
	return ret, []byte(msg), nil
}

// checkErrors turns Erro elements into a Rejected outcome when the first
// code is permanent and into a classified *model.ProtocolError otherwise
func (a *Adapter) checkErrors(ret *etree.Element, raw []byte) (*model.Outcome, error) {
	success := text(ret.FindElement("./Cabecalho/Sucesso")) == "true"
	erros := ret.SelectElements("Erro")
	if success && len(erros) == 0 {
		return nil, nil
	}
	if len(erros) == 0 {
		return nil, a.classified(model.NewProtocolError("sp:Unsuccessful", "Sucesso=false without Erro"))
	}

	pErr := model.NewProtocolError(text(erros[0].SelectElement("Codigo")), text(erros[0].SelectElement("Descricao")))
	pErr.Class = a.ClassifyError(pErr)
	if pErr.Class != model.ClassPermanent {
		return nil, pErr
	}

	reasons := make([]string, 0, len(erros))
	for _, e := range erros {
		reasons = append(reasons, fmt.Sprintf("%s: %s", text(e.SelectElement("Codigo")), text(e.SelectElement("Descricao"))))
	}
	out := model.Rejected(strings.Join(reasons, "; "))
	out.Raw = raw
	return out, nil
}

func (a *Adapter) classified(err error) error {
	var pErr *model.ProtocolError
	if errors.As(err, &pErr) {
		pErr.Class = a.ClassifyError(pErr)
	}
	return err
}

func issuedFrom(chave, emissao *etree.Element) *model.Outcome {
	if chave == nil {
		return nil
	}
	number := text(chave.SelectElement("NumeroNFe"))
	if number == "" {
		return nil
	}
	out := model.Issued(number)
	out.VerificationCode = text(chave.SelectElement("CodigoVerificacao"))
	if ts := text(emissao); ts != "" {
		if t, err := time.ParseInLocation(issuedAtLayout, ts, saoPaulo); err == nil {
			out.IssuedAt = &t
		}
	}
	return out
}

func invalidTracking(id string) error {
	return &model.ProtocolError{
		Code:    "sp:InvalidTracking",
		Message: strconv.Quote(id) + " is not a lote: or rps: tracking identifier",
		Class:   model.ClassPermanent,
	}
}

func text(el *etree.Element) string {
	if el == nil {
		return ""
	}
	return strings.TrimSpace(el.Text())
}

var saoPaulo = func() *time.Location {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		return time.FixedZone("BRT", -3*60*60)
	}
	return loc
}()
