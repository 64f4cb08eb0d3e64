package municipality

import (
	"strings"

	"github.com/rezonia/nfse-submitter/internal/model"
)

// Catalog classifies municipality error codes. Codes missing from both
// sets are Unknown unless a transient hint matches the message.
type Catalog struct {
	Permanent      map[string]bool
	Transient      map[string]bool
	TransientHints []string
}

// NewCatalog builds a catalog from code lists
func NewCatalog(permanent, transient, hints []string) Catalog {
	c := Catalog{
		Permanent: make(map[string]bool, len(permanent)),
		Transient: make(map[string]bool, len(transient)),
	}
	for _, code := range permanent {
		c.Permanent[code] = true
	}
	for _, code := range transient {
		c.Transient[code] = true
	}
	for _, h := range hints {
		c.TransientHints = append(c.TransientHints, strings.ToLower(h))
	}
	return c
}

// Merge adds operator-configured codes on top of c
func (c Catalog) Merge(permanent, transient []string) Catalog {
	out := NewCatalog(nil, nil, nil)
	for k := range c.Permanent {
		out.Permanent[k] = true
	}
	for k := range c.Transient {
		out.Transient[k] = true
	}
	out.TransientHints = append(out.TransientHints, c.TransientHints...)
	for _, code := range permanent {
		out.Permanent[code] = true
		delete(out.Transient, code)
	}
	for _, code := range transient {
		out.Transient[code] = true
		delete(out.Permanent, code)
	}
	return out
}

// Classify returns the class of err
func (c Catalog) Classify(err *model.ProtocolError) model.ErrorClass {
	if err == nil {
		return model.ClassUnknown
	}
	if class, ok := classifyTransportCode(err.Code); ok {
		return class
	}
	switch {
	case c.Transient[err.Code]:
		return model.ClassTransient
	case c.Permanent[err.Code]:
		return model.ClassPermanent
	}
	msg := strings.ToLower(err.Message)
	for _, h := range c.TransientHints {
		if strings.Contains(msg, h) {
			return model.ClassTransient
		}
	}
	return model.ClassUnknown
}

// classifyTransportCode handles the codes Transport itself produces
func classifyTransportCode(code string) (model.ErrorClass, bool) {
	switch {
	case code == "soap:Client", code == "soap:Sender":
		return model.ClassPermanent, true
	case code == "http:401", code == "http:403", code == "http:404", code == "http:405":
		return model.ClassPermanent, true
	case code == "soap:MalformedResponse":
		return model.ClassUnknown, true
	}
	return "", false
}
