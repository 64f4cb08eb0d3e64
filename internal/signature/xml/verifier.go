package xml

import (
	"context"
	"crypto/x509"
	"fmt"

	"github.com/beevik/etree"
	"github.com/jonboulle/clockwork"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/rezonia/nfse-submitter/internal/certstore"
	"github.com/rezonia/nfse-submitter/internal/signature"
)

// XMLVerifier verifies XMLDSig signatures in NFS-e requests
type XMLVerifier struct {
	trustStore *certstore.TrustStore
	extractor  *SignatureExtractor
	clock      clockwork.Clock
}

// VerifierOption configures an XMLVerifier
type VerifierOption func(*XMLVerifier)

// WithTrustStore verifies the signing certificate chain against ts
func WithTrustStore(ts *certstore.TrustStore) VerifierOption {
	return func(v *XMLVerifier) {
		v.trustStore = ts
	}
}

// WithClock sets the clock used for certificate validity
func WithClock(c clockwork.Clock) VerifierOption {
	return func(v *XMLVerifier) {
		v.clock = c
	}
}

// NewXMLVerifier creates a new XML signature verifier
func NewXMLVerifier(opts ...VerifierOption) *XMLVerifier {
	v := &XMLVerifier{
		extractor: NewSignatureExtractor(),
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify verifies every signature in data. Each one is validated against
// a standalone copy of the element it references.
func (v *XMLVerifier) Verify(ctx context.Context, data []byte) (*signature.VerificationResult, error) {
	result := signature.NewVerificationResult()

	extraction, err := v.extractor.Extract(data)
	if err != nil {
		result.AddError(err.Error())
		return result, signature.ErrNoSignature()
	}

	var signer *x509.Certificate
	for _, part := range extraction.Parts {
		check := signature.SignatureCheck{Reference: part.Reference}
		cert, err := v.checkPart(part)
		if part.SignedElement != nil {
			check.Element = part.SignedElement.Tag
		}
		if err != nil {
			check.Error = err.Error()
		} else {
			check.Valid = true
		}
		result.AddCheck(check)

		if cert == nil {
			continue
		}
		if signer == nil {
			signer = cert
		} else if !signer.Equal(cert) {
			result.AddWarning(fmt.Sprintf("signature %s uses a different certificate", part.Reference))
		}
	}

	if signer != nil {
		result.SetSigner(signer)
		v.verifyChain(signer, result)
	}

	result.ComputeValidity()
	return result, nil
}

// CanVerify returns true if the data appears to be signed XML
func (v *XMLVerifier) CanVerify(data []byte) bool {
	return v.extractor.CanExtract(data)
}

func (v *XMLVerifier) checkPart(part SignedPart) (*x509.Certificate, error) {
	der, err := ExtractCertificate(part.SignatureElement)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	if part.SignedElement == nil {
		return cert, signature.ErrReferenceNotFound(part.Reference)
	}

	standalone, err := standaloneCopy(part)
	if err != nil {
		return cert, err
	}

	vctx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cert},
	})
	vctx.IdAttribute = IDAttribute
	vctx.Clock = dsig.NewFakeClock(v.clock)

	if _, err := vctx.Validate(standalone); err != nil {
		return cert, signature.ErrInvalidSignature(part.Reference, err)
	}
	return cert, nil
}

func (v *XMLVerifier) verifyChain(cert *x509.Certificate, result *signature.VerificationResult) {
	if v.trustStore == nil || len(v.trustStore.RootCerts()) == 0 {
		result.CertChainValid = true
		result.AddWarning("certificate chain not verified: no trust anchors configured")
		return
	}
	chain, err := v.trustStore.VerifyChain(cert, nil)
	if err != nil {
		result.AddError(signature.ErrChainInvalid(err).Error())
		return
	}
	result.CertChain = chain
	result.CertChainValid = true
}

// standaloneCopy rebuilds the signed element as its own document with the
// Signature inside it, the shape goxmldsig validates. Sibling signatures are
// moved in; the enveloped-signature transform removes them before digesting.
func standaloneCopy(part SignedPart) (*etree.Element, error) {
	el := part.SignedElement.Copy()
	if !isDescendant(part.SignatureElement, part.SignedElement) {
		el.AddChild(part.SignatureElement.Copy())
	}

	doc := etree.NewDocument()
	doc.SetRoot(el)
	raw, err := doc.WriteToBytes()
	if err != nil {
		return nil, err
	}

	reparsed := etree.NewDocument()
	if err := reparsed.ReadFromBytes(raw); err != nil {
		return nil, signature.ErrMalformedDocument(err)
	}
	return reparsed.Root(), nil
}

func isDescendant(el, ancestor *etree.Element) bool {
	for p := el.Parent(); p != nil; p = p.Parent() {
		if p == ancestor {
			return true
		}
	}
	return false
}
