package abrasf

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

// Lot processing situations returned by ConsultarLoteRps
const (
	situacaoNaoRecebido   = "1"
	situacaoNaoProcessado = "2"
	situacaoComErro       = "3"
	situacaoSucesso       = "4"
)

var issuedAtLayouts = []string{"2006-01-02T15:04:05", "2006-01-02T15:04:05Z07:00", "2006-01-02"}

// Submit implements municipality.Adapter
func (a *Adapter) Submit(ctx context.Context, h *certstore.Handle, req *model.SignedRequest) (*model.Outcome, error) {
	op := opGerarNfse
	if req.Operation == opRecepcionarLote.Name {
		op = opRecepcionarLote
	}

	ret, raw, err := a.call(ctx, h, op, req.Body)
	if err != nil {
		return nil, err
	}

	if out := issued(ret); out != nil {
		out.Raw = raw
		return out, nil
	}
	if p := text(ret.SelectElement("Protocolo")); p != "" {
		out := model.AcceptedPending(ProtocolTracking(p))
		out.Raw = raw
		return out, nil
	}
	return a.messages(ret, raw)
}

// QueryStatus implements municipality.Adapter. Tracking identifiers are
// "protocolo:<n>" for accepted lots or "rps:<serie>/<numero>".
func (a *Adapter) QueryStatus(ctx context.Context, h *certstore.Handle, q municipality.StatusQuery) (*model.Outcome, error) {
	kind, key, ok := strings.Cut(q.TrackingID, ":")
	if !ok {
		return nil, invalidTracking(q.TrackingID)
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	switch kind {
	case "protocolo":
		root := doc.CreateElement("ConsultarLoteRpsEnvio")
		root.CreateAttr("xmlns", Namespace)
		prestadorFor(root.CreateElement("Prestador"), q)
		root.CreateElement("Protocolo").SetText(key)

		body, err := doc.WriteToBytes()
		if err != nil {
			return nil, err
		}
		ret, raw, err := a.call(ctx, h, opConsultarLote, body)
		if err != nil {
			return nil, err
		}
		return a.lotStatus(q, ret, raw)

	case "rps":
		series, number, ok := strings.Cut(key, "/")
		if !ok || series == "" {
			return nil, invalidTracking(q.TrackingID)
		}
		if _, err := strconv.ParseInt(number, 10, 64); err != nil {
			return nil, invalidTracking(q.TrackingID)
		}
		root := doc.CreateElement("ConsultarNfseRpsEnvio")
		root.CreateAttr("xmlns", Namespace)
		id := root.CreateElement("IdentificacaoRps")
		id.CreateElement("Numero").SetText(number)
		id.CreateElement("Serie").SetText(series)
		id.CreateElement("Tipo").SetText(rpsType)
		prestadorFor(root.CreateElement("Prestador"), q)

		body, err := doc.WriteToBytes()
		if err != nil {
			return nil, err
		}
		ret, raw, err := a.call(ctx, h, opConsultarPorRps, body)
		if err != nil {
			return nil, err
		}
		if out := issued(ret); out != nil {
			out.Raw = raw
			return out, nil
		}
		if len(ret.FindElements(".//MensagemRetorno")) == 0 {
			return model.NotFound(), nil
		}
		if a.notFoundCodes[text(ret.FindElement(".//MensagemRetorno/Codigo"))] {
			return model.NotFound(), nil
		}
		return a.messages(ret, raw)
	}
	return nil, invalidTracking(q.TrackingID)
}

func (a *Adapter) lotStatus(q municipality.StatusQuery, ret *etree.Element, raw []byte) (*model.Outcome, error) {
	switch text(ret.SelectElement("Situacao")) {
	case situacaoNaoRecebido, situacaoNaoProcessado:
		return model.AcceptedPending(q.TrackingID), nil
	case situacaoComErro:
		out := model.Rejected(reasons(ret))
		out.Raw = raw
		return out, nil
	case situacaoSucesso:
		if out := issued(ret); out != nil {
			out.Raw = raw
			return out, nil
		}
		return nil, a.classified(model.NewProtocolError("abrasf:MissingNfse", "lot processed without CompNfse"))
	}
	if out := issued(ret); out != nil {
		out.Raw = raw
		return out, nil
	}
	return a.messages(ret, raw)
}

// messages handles a ListaMensagemRetorno: permanent codes reject the
// invoice, anything else is returned as a classified protocol error
func (a *Adapter) messages(ret *etree.Element, raw []byte) (*model.Outcome, error) {
	msgs := ret.FindElements(".//MensagemRetorno")
	if len(msgs) == 0 {
		return nil, a.classified(model.NewProtocolError("abrasf:EmptyResponse", "response has no NFS-e, protocol or messages"))
	}

	pErr := model.NewProtocolError(text(msgs[0].SelectElement("Codigo")), text(msgs[0].SelectElement("Mensagem")))
	pErr.Class = a.ClassifyError(pErr)
	if pErr.Class != model.ClassPermanent {
		return nil, pErr
	}
	out := model.Rejected(reasons(ret))
	out.Raw = raw
	return out, nil
}

func (a *Adapter) call(ctx context.Context, h *certstore.Handle, op municipality.Operation, body []byte) (*etree.Element, []byte, error) {
	req := etree.NewElement(op.Name + "Request")
	req.CreateAttr("xmlns", ServiceNamespace)
	req.CreateElement("nfseCabecMsg").SetText(
		`<cabecalho xmlns="` + Namespace + `" versao="` + Version + `"><versaoDados>` + Version + `</versaoDados></cabecalho>`)
	req.CreateElement("nfseDadosMsg").SetText(string(body))

	resp, err := a.transport.Call(ctx, h, op, req)
	if err != nil {
		return nil, nil, a.classified(err)
	}
	msg, ok := municipality.MessageText(resp, "outputXML", "return")
	if !ok {
		return nil, nil, a.classified(model.NewProtocolError("soap:MalformedResponse", "missing outputXML"))
	}
	ret, err := municipality.ParseMessage(msg)
	if err != nil {
		return nil, nil, a.classified(err)
	}
	return ret, []byte(msg), nil
}

func (a *Adapter) classified(err error) error {
	var pErr *model.ProtocolError
	if errors.As(err, &pErr) {
		pErr.Class = a.ClassifyError(pErr)
	}
	return err
}

// issued extracts the NFS-e from a CompNfse, or a Rejected outcome when the
// document carries a cancellation
func issued(ret *etree.Element) *model.Outcome {
	comp := ret.FindElement(".//CompNfse")
	if comp == nil {
		return nil
	}
	if comp.FindElement(".//NfseCancelamento") != nil {
		return model.Rejected("NFS-e cancelada")
	}
	inf := comp.FindElement(".//InfNfse")
	if inf == nil {
		return nil
	}
	number := text(inf.SelectElement("Numero"))
	if number == "" {
		return nil
	}
	out := model.Issued(number)
	out.VerificationCode = text(inf.SelectElement("CodigoVerificacao"))
	if ts := text(inf.SelectElement("DataEmissao")); ts != "" {
		for _, layout := range issuedAtLayouts {
			if t, err := time.Parse(layout, ts); err == nil {
				out.IssuedAt = &t
				break
			}
		}
	}
	return out
}

func reasons(ret *etree.Element) string {
	var out []string
	for _, m := range ret.FindElements(".//MensagemRetorno") {
		out = append(out, fmt.Sprintf("%s: %s", text(m.SelectElement("Codigo")), text(m.SelectElement("Mensagem"))))
	}
	if len(out) == 0 {
		return "lote processado com erro"
	}
	return strings.Join(out, "; ")
}

func invalidTracking(id string) error {
	return &model.ProtocolError{
		Code:    "abrasf:InvalidTracking",
		Message: strconv.Quote(id) + " is not a protocolo: or rps: tracking identifier",
		Class:   model.ClassPermanent,
	}
}

func text(el *etree.Element) string {
	if el == nil {
		return ""
	}
	return strings.TrimSpace(el.Text())
}
