package controller

import (
	"path/filepath"

	"fengshui-report-be/internal/dto"
	"fengshui-report-be/internal/pkg/serverutils"
	"fengshui-report-be/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type IConsultationController interface {
	RegisterRoutes(r fiber.Router)
	Upload(ctx *fiber.Ctx) error
	Layout(ctx *fiber.Ctx) error
	EnergySummary(ctx *fiber.Ctx) error
	Analyze(ctx *fiber.Ctx) error
	FullReport(ctx *fiber.Ctx) error
	FullReportAsync(ctx *fiber.Ctx) error
	ReportStatus(ctx *fiber.Ctx) error
	Show(ctx *fiber.Ctx) error
}

type consultationController struct {
	consultationService service.IConsultationService
	reportService       service.IReportService
}

func NewConsultationController(consultationService service.IConsultationService, reportService service.IReportService) IConsultationController {
	return &consultationController{
		consultationService: consultationService,
		reportService:       reportService,
	}
}

func (c *consultationController) RegisterRoutes(r fiber.Router) {
	r.Post("/upload", c.Upload)
	r.Post("/layout", c.Layout)
	r.Post("/energy-summary", c.EnergySummary)
	r.Post("/analyze", c.Analyze)
	r.Post("/full-report", c.FullReport)
	r.Post("/full-report-async", c.FullReportAsync)
	r.Get("/report-status/:consultationId", c.ReportStatus)
	r.Get("/consultations/:id", c.Show)
}

// callerEmail prefers the verified token e-mail over the one in the body.
func callerEmail(ctx *fiber.Ctx, fallback string) string {
	if email := serverutils.Email(ctx); email != "" {
		return email
	}
	return fallback
}

// parseStage binds and validates a stage request body. A verified caller
// e-mail overrides the body's.
func parseStage[T any](ctx *fiber.Ctx, req *T, stage func(*T) *dto.StageRequest) error {
	if err := ctx.BodyParser(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	s := stage(req)
	s.Email = callerEmail(ctx, s.Email)
	return serverutils.ValidateRequest(req)
}

func (c *consultationController) Upload(ctx *fiber.Ctx) error {
	fh, err := ctx.FormFile("file")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()

	res, err := c.consultationService.Upload(ctx.UserContext(), callerEmail(ctx, ctx.FormValue("email")), filepath.Base(fh.Filename), f)
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success upload floor plan", res))
}

func (c *consultationController) Layout(ctx *fiber.Ctx) error {
	var req dto.LayoutRequest
	if err := parseStage(ctx, &req, func(r *dto.LayoutRequest) *dto.StageRequest { return &r.StageRequest }); err != nil {
		return err
	}
	res, err := c.consultationService.AnalyzeLayout(ctx.UserContext(), &req)
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success analyze layout", res))
}

func (c *consultationController) EnergySummary(ctx *fiber.Ctx) error {
	var req dto.EnergyRequest
	if err := parseStage(ctx, &req, func(r *dto.EnergyRequest) *dto.StageRequest { return &r.StageRequest }); err != nil {
		return err
	}
	res, err := c.consultationService.EnergySummary(ctx.UserContext(), &req)
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success summarize energy", res))
}

func (c *consultationController) Analyze(ctx *fiber.Ctx) error {
	var req dto.LayoutRequest
	if err := parseStage(ctx, &req, func(r *dto.LayoutRequest) *dto.StageRequest { return &r.StageRequest }); err != nil {
		return err
	}
	res, err := c.consultationService.Analyze(ctx.UserContext(), &req)
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success analyze consultation", res))
}

func (c *consultationController) FullReport(ctx *fiber.Ctx) error {
	var req dto.FullReportRequest
	if err := parseStage(ctx, &req, func(r *dto.FullReportRequest) *dto.StageRequest { return &r.StageRequest }); err != nil {
		return err
	}
	res, err := c.consultationService.GenerateReport(ctx.UserContext(), &req)
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success generate report", res))
}

func (c *consultationController) FullReportAsync(ctx *fiber.Ctx) error {
	var req dto.FullReportRequest
	if err := parseStage(ctx, &req, func(r *dto.FullReportRequest) *dto.StageRequest { return &r.StageRequest }); err != nil {
		return err
	}
	res, err := c.reportService.StartJob(ctx.UserContext(), &req)
	if err != nil {
		return err
	}
	return ctx.Status(fiber.StatusAccepted).JSON(serverutils.SuccessResponse("Report generation started", res))
}

func (c *consultationController) ReportStatus(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("consultationId"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid consultation id")
	}
	res, err := c.reportService.Status(ctx.UserContext(), id, serverutils.Email(ctx))
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success get report status", res))
}

func (c *consultationController) Show(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid consultation id")
	}
	res, err := c.consultationService.Show(ctx.UserContext(), id)
	if err != nil {
		return err
	}
	if email := serverutils.Email(ctx); email != "" && email != res.Email {
		return service.ErrConsultationNotFound
	}
	return ctx.JSON(serverutils.SuccessResponse("Success show consultation", res))
}
