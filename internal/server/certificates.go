package server

import (
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rezonia/nfse-submitter/internal/certstore"
)

func (s *Server) handleLoadCertificate(c *gin.Context) {
	var req CertificateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Details: err.Error()})
		return
	}
	pfx, err := base64.StdEncoding.DecodeString(req.PFX)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "pfx must be base64", Details: err.Error()})
		return
	}

	var opts []certstore.LoadOption
	if req.TaxID != "" {
		opts = append(opts, certstore.WithIssuerTaxID(req.TaxID))
	}
	h, err := s.certs.Load(pfx, req.Passphrase, opts...)
	if err != nil {
		s.writeError(c, err)
		return
	}
	info, err := s.certs.Info(h)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) handleListCertificates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"certificates": s.certs.List()})
}

func (s *Server) handleRevokeCertificate(c *gin.Context) {
	h, err := s.certs.Get(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.certs.Revoke(h); err != nil {
		s.writeError(c, err)
		return
	}
	info, err := s.certs.Info(h)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}
