package server

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/backoffice/internal/actorcontext"
	attachmentdomain "github.com/smallbiznis/backoffice/internal/attachment/domain"
)

type linkAttachmentRequest struct {
	DocumentID    string           `json:"document_id" validate:"required"`
	Type          string           `json:"type" validate:"required"`
	InvoiceNumber string           `json:"invoice_number" validate:"max=128"`
	Amount        *decimal.Decimal `json:"amount"`
	IsPrimary     bool             `json:"is_primary"`
	FileName      string           `json:"file_name" validate:"max=255"`
	ContentType   string           `json:"content_type" validate:"max=128"`
}

func (s *Server) UploadAttachment(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	billID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		AbortWithError(c, newValidationError("file", "required", "file is required"))
		return
	}
	if header.Size > maxUploadBytes {
		AbortWithError(c, newValidationError("file", "file_too_large", fmt.Sprintf("file exceeds %d bytes", maxUploadBytes)))
		return
	}

	attachmentType, ok := attachmentdomain.ParseType(c.DefaultPostForm("type", string(attachmentdomain.TypeGenerated)))
	if !ok {
		AbortWithError(c, attachmentdomain.ErrInvalidType)
		return
	}

	var amount *decimal.Decimal
	if raw := strings.TrimSpace(c.PostForm("amount")); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			AbortWithError(c, newValidationError("amount", "invalid_amount", "invalid amount"))
			return
		}
		amount = &parsed
	}

	isPrimary, err := parseOptionalBool(c.PostForm("is_primary"))
	if err != nil {
		AbortWithError(c, newValidationError("is_primary", "invalid_is_primary", "invalid is_primary"))
		return
	}

	file, err := header.Open()
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	attachment, err := s.attachmentSvc.AttachUploadedDocument(c.Request.Context(), attachmentdomain.AttachUploadRequest{
		BillID: billID,
		File: attachmentdomain.File{
			Name:        header.Filename,
			ContentType: contentType,
			Data:        data,
		},
		Type:          attachmentType,
		InvoiceNumber: c.PostForm("invoice_number"),
		Amount:        amount,
		IsPrimary:     isPrimary != nil && *isPrimary,
		CreatedBy:     actor,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": attachment})
}

func (s *Server) LinkAttachment(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	billID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req linkAttachmentRequest
	if err := s.bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}
	attachmentType, ok := attachmentdomain.ParseType(req.Type)
	if !ok {
		AbortWithError(c, attachmentdomain.ErrInvalidType)
		return
	}

	attachment, err := s.attachmentSvc.LinkExistingDocument(c.Request.Context(), attachmentdomain.LinkDocumentRequest{
		BillID:        billID,
		DocumentID:    req.DocumentID,
		Type:          attachmentType,
		InvoiceNumber: req.InvoiceNumber,
		Amount:        req.Amount,
		IsPrimary:     req.IsPrimary,
		FileName:      req.FileName,
		ContentType:   req.ContentType,
		CreatedBy:     actor,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": attachment})
}

func (s *Server) GenerateInvoiceAttachment(c *gin.Context) {
	s.generateAttachment(c, s.attachmentSvc.GenerateInvoiceDocument)
}

func (s *Server) GenerateReceiptAttachment(c *gin.Context) {
	s.generateAttachment(c, s.attachmentSvc.GenerateReceiptDocument)
}

func (s *Server) generateAttachment(c *gin.Context, generate func(ctx context.Context, billID snowflake.ID, actor actorcontext.Actor) (attachmentdomain.Attachment, error)) {
	actor, ok := actorFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	billID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	attachment, err := generate(c.Request.Context(), billID, actor)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": attachment})
}

func (s *Server) SetPrimaryAttachment(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	billID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	attachmentID, err := parseIDParam(c, "attachment_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	attachment, err := s.attachmentSvc.SetPrimary(c.Request.Context(), billID, attachmentID, actor)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": attachment})
}

func (s *Server) UnlinkAttachment(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	billID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	attachmentID, err := parseIDParam(c, "attachment_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.attachmentSvc.Unlink(c.Request.Context(), billID, attachmentID, actor); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) ListAttachments(c *gin.Context) {
	billID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	attachments, err := s.attachmentSvc.ListForBill(c.Request.Context(), billID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": attachments})
}

func (s *Server) GetPrimaryAttachment(c *gin.Context) {
	billID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	attachment, err := s.attachmentSvc.Primary(c.Request.Context(), billID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if attachment == nil {
		AbortWithError(c, attachmentdomain.ErrAttachmentNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": attachment})
}

func (s *Server) DownloadAttachment(c *gin.Context) {
	billID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	attachmentID, err := parseIDParam(c, "attachment_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	attachment, data, err := s.attachmentSvc.Download(c.Request.Context(), billID, attachmentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	contentType := attachment.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	fileName := attachment.FileName
	if fileName == "" {
		fileName = attachment.DocumentID
	}
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": fileName}))
	c.Data(http.StatusOK, contentType, data)
}
