package xml

import (
	"crypto"
	"errors"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/rezonia/nfse-submitter/internal/signature"
)

// IDAttribute is the attribute NFS-e schemas use for Reference URIs
const IDAttribute = "Id"

var (
	errNoParent = errors.New("element has no parent")
	errNoID     = errors.New("element has no Id attribute")
)

// Placement controls where the Signature element is inserted
type Placement int

const (
	// Enveloped appends the Signature as the last child of the signed element
	Enveloped Placement = iota
	// Sibling inserts the Signature right after the signed element, the
	// layout ABRASF schemas require for InfDeclaracaoPrestacaoServico and LoteRps
	Sibling
)

// Signer produces XMLDSig enveloped signatures with inclusive C14N 1.0
type Signer struct {
	ctx *dsig.SigningContext
}

// SignerOption configures a Signer
type SignerOption func(*dsig.SigningContext) error

// WithSHA256 switches from RSA-SHA1 to RSA-SHA256
func WithSHA256() SignerOption {
	return func(ctx *dsig.SigningContext) error {
		return ctx.SetSignatureMethod(dsig.RSASHA256SignatureMethod)
	}
}

// WithPrefix sets the namespace prefix of the Signature element ("" by default)
func WithPrefix(prefix string) SignerOption {
	return func(ctx *dsig.SigningContext) error {
		ctx.Prefix = prefix
		return nil
	}
}

// NewSigner creates a Signer around key material held elsewhere. certs is
// the DER chain placed in KeyInfo, leaf first.
func NewSigner(key crypto.Signer, certs [][]byte, opts ...SignerOption) (*Signer, error) {
	ctx, err := dsig.NewSigningContext(key, certs)
	if err != nil {
		return nil, signature.ErrSigningFailed("", err)
	}
	ctx.IdAttribute = IDAttribute
	ctx.Prefix = ""
	ctx.Canonicalizer = dsig.MakeC14N10RecCanonicalizer()
	if err := ctx.SetSignatureMethod(dsig.RSASHA1SignatureMethod); err != nil {
		return nil, signature.ErrSigningFailed("", err)
	}

	for _, opt := range opts {
		if err := opt(ctx); err != nil {
			return nil, signature.ErrSigningFailed("", err)
		}
	}
	return &Signer{ctx: ctx}, nil
}

// Sign signs el in place and inserts the Signature according to placement.
// el must carry an Id attribute when placement is Sibling.
func (s *Signer) Sign(el *etree.Element, placement Placement) (*etree.Element, error) {
	if placement == Sibling && el.Parent() == nil {
		return nil, signature.ErrSigningFailed(el.Tag, errNoParent)
	}
	if placement == Sibling && el.SelectAttrValue(IDAttribute, "") == "" {
		return nil, signature.ErrSigningFailed(el.Tag, errNoID)
	}

	sig, err := s.ctx.ConstructSignature(el, true)
	if err != nil {
		return nil, signature.ErrSigningFailed(el.Tag, err)
	}

	switch placement {
	case Sibling:
		el.Parent().InsertChildAt(el.Index()+1, sig)
	default:
		el.AddChild(sig)
	}
	return sig, nil
}

// SignDocument parses data, signs the element selected by path and returns the bytes
func (s *Signer) SignDocument(data []byte, path string, placement Placement) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, signature.ErrMalformedDocument(err)
	}
	el := doc.FindElement(path)
	if el == nil {
		return nil, signature.ErrReferenceNotFound(path)
	}
	if _, err := s.Sign(el, placement); err != nil {
		return nil, err
	}
	return doc.WriteToBytes()
}
