package xml

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// XMLDSigNamespace is the XML Signature namespace
const XMLDSigNamespace = "http://www.w3.org/2000/09/xmldsig#"

// SignatureExtractor locates XMLDSig signatures and the elements they cover
type SignatureExtractor struct{}

// NewSignatureExtractor creates a new signature extractor
func NewSignatureExtractor() *SignatureExtractor {
	return &SignatureExtractor{}
}

// SignedPart pairs a Signature with the element its Reference points to
type SignedPart struct {
	// Reference is the Reference URI ("" or "#Id")
	Reference string
	// SignatureElement is the <Signature> element
	SignatureElement *etree.Element
	// SignedElement is the element covered by the signature
	SignedElement *etree.Element
}

// ExtractionResult contains every signature in a document
type ExtractionResult struct {
	Document *etree.Document
	Parts    []SignedPart
}

// Extract finds every XMLDSig signature in data and resolves its reference
func (e *SignatureExtractor) Extract(data []byte) (*ExtractionResult, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}

	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("empty XML document")
	}

	sigs := findElementsRecursive(root, "Signature")
	if len(sigs) == 0 {
		return nil, fmt.Errorf("no Signature element found in document")
	}

	ids := indexByID(root)
	result := &ExtractionResult{Document: doc}
	for _, sig := range sigs {
		uri := referenceURI(sig)
		part := SignedPart{Reference: uri, SignatureElement: sig}
		if uri == "" {
			part.SignedElement = sig.Parent()
		} else {
			part.SignedElement = ids[strings.TrimPrefix(uri, "#")]
		}
		result.Parts = append(result.Parts, part)
	}
	return result, nil
}

// CanExtract returns true if the data appears to be XML with a signature
func (e *SignatureExtractor) CanExtract(data []byte) bool {
	if len(data) < 5 {
		return false
	}

	trimmed := bytes.TrimSpace(data)
	if !bytes.HasPrefix(trimmed, []byte("<?xml")) && !bytes.HasPrefix(trimmed, []byte("<")) {
		return false
	}

	return bytes.Contains(data, []byte("<Signature")) ||
		bytes.Contains(data, []byte(":Signature"))
}

// ExtractCertificate decodes the first X509Certificate under KeyInfo
func ExtractCertificate(sig *etree.Element) ([]byte, error) {
	for _, el := range findElementsRecursive(sig, "X509Certificate") {
		text := strings.Join(strings.Fields(el.Text()), "")
		if text == "" {
			continue
		}
		der, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return nil, fmt.Errorf("failed to decode certificate: %w", err)
		}
		return der, nil
	}
	return nil, fmt.Errorf("no X509Certificate found in Signature")
}

func referenceURI(sig *etree.Element) string {
	for _, ref := range findElementsRecursive(sig, "Reference") {
		return ref.SelectAttrValue("URI", "")
	}
	return ""
}

func indexByID(root *etree.Element) map[string]*etree.Element {
	out := make(map[string]*etree.Element)
	var walk func(*etree.Element)
	walk = func(el *etree.Element) {
		if id := el.SelectAttrValue(IDAttribute, ""); id != "" {
			out[id] = el
		}
		for _, child := range el.ChildElements() {
			walk(child)
		}
	}
	walk(root)
	return out
}

// findElementsRecursive returns elements with the given local name in document order
func findElementsRecursive(elem *etree.Element, localName string) []*etree.Element {
	var out []*etree.Element
	if hasLocalName(elem, localName) {
		out = append(out, elem)
	}
	for _, child := range elem.ChildElements() {
		out = append(out, findElementsRecursive(child, localName)...)
	}
	return out
}

// hasLocalName checks the tag ignoring any namespace prefix
func hasLocalName(elem *etree.Element, localName string) bool {
	return elem.Tag == localName
}
