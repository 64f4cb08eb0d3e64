package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rezonia/nfse-submitter/internal/model"
)

const requestTimeout = 30 * time.Second

func (s *Server) handleSubmit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Details: err.Error()})
		return
	}
	inv, err := req.Invoice()
	if err != nil {
		s.writeError(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	id, err := s.engine.SubmitInvoice(ctx, inv)
	if err != nil {
		s.writeError(c, err)
		return
	}
	rec, err := s.engine.GetStatus(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.Header("Location", "/api/v1/invoices/"+id)
	c.JSON(http.StatusAccepted, SubmitResponse{ID: id, State: rec.State})
}

func (s *Server) handleStatus(c *gin.Context) {
	rec, err := s.engine.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newStatusResponse(rec))
}

func (s *Server) handleCancel(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	id := c.Param("id")
	if err := s.engine.Cancel(ctx, id); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondStatus(ctx, c, id)
}

func (s *Server) handleAbandon(c *gin.Context) {
	var req AbandonRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Details: err.Error()})
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	id := c.Param("id")
	if err := s.engine.Abandon(ctx, id, req.Reason); err != nil {
		s.writeError(c, err)
		return
	}
	s.logger.Warn("record abandoned", "record_id", id, "subject", c.GetString(contextKeySubject))
	s.respondStatus(ctx, c, id)
}

func (s *Server) respondStatus(ctx context.Context, c *gin.Context, id string) {
	rec, err := s.engine.GetStatus(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newStatusResponse(rec))
}

func (s *Server) handleDANFSE(c *gin.Context) {
	rec, err := s.engine.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	pdf, err := s.renderer.RenderRecord(rec, s.municipalityName(rec.Invoice.MunicipalityCode))
	if err != nil {
		s.writeError(c, err)
		return
	}

	name := rec.ID
	if rec.Result != nil && rec.Result.DocumentNumber != "" {
		name = rec.Result.DocumentNumber
	}
	c.Header("Content-Disposition", fmt.Sprintf(`inline; filename="danfse-%s.pdf"`, name))
	c.Data(http.StatusOK, "application/pdf", pdf)
}

func (s *Server) municipalityName(code model.MunicipalityCode) string {
	for _, cp := range s.engine.Registry().Capabilities() {
		if cp.Code == code {
			return cp.Name
		}
	}
	return ""
}
