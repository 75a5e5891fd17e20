package controller

import (
	"fmt"
	"path/filepath"
	"strings"

	"fengshui-report-be/internal/pkg/serverutils"
	"fengshui-report-be/internal/service"
	"fengshui-report-be/pkg/report"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const defaultPDFName = "fengshui-report.pdf"

type IPdfController interface {
	RegisterRoutes(r fiber.Router)
	Download(ctx *fiber.Ctx) error
}

type pdfController struct {
	consultationService service.IConsultationService
}

func NewPdfController(consultationService service.IConsultationService) IPdfController {
	return &pdfController{consultationService: consultationService}
}

func (c *pdfController) RegisterRoutes(r fiber.Router) {
	r.Get("/pdf/download", c.Download)
}

// Download streams a PDF given either inline base64 or a consultation id.
// Bytes without the PDF signature are never sent.
func (c *pdfController) Download(ctx *fiber.Ctx) error {
	var (
		pdf []byte
		err error
	)
	switch {
	case ctx.Query("consultation_id") != "":
		pdf, err = c.stored(ctx, ctx.Query("consultation_id"))
		if err != nil {
			return err
		}
	case ctx.Query("base64") != "":
		// A '+' left unescaped in the query arrives as a space.
		pdf, err = report.DecodePDF(strings.ReplaceAll(ctx.Query("base64"), " ", "+"))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "base64 is not a valid PDF document")
		}
	default:
		return fiber.NewError(fiber.StatusBadRequest, "base64 or consultation_id is required")
	}

	ctx.Set(fiber.HeaderContentType, "application/pdf")
	ctx.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, pdfFilename(ctx.Query("filename"))))
	return ctx.Send(pdf)
}

func (c *pdfController) stored(ctx *fiber.Ctx, rawID string) ([]byte, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "invalid consultation id")
	}
	if email := serverutils.Email(ctx); email != "" {
		consultation, err := c.consultationService.Show(ctx.UserContext(), id)
		if err != nil {
			return nil, err
		}
		if consultation.Email != email {
			return nil, service.ErrConsultationNotFound
		}
	}
	return c.consultationService.ReportPDF(ctx.UserContext(), id)
}

// pdfFilename keeps a safe base name ending in .pdf.
func pdfFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if r == '"' || r == '\\' || r < 0x20 {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == "/" {
		return defaultPDFName
	}
	if !strings.HasSuffix(strings.ToLower(name), ".pdf") {
		name += ".pdf"
	}
	return name
}
