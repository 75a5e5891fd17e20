package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"fengshui-report-be/internal/dto"
	"fengshui-report-be/internal/entity"
	"fengshui-report-be/internal/pkg/logger"
	"fengshui-report-be/internal/repository/contract"
	"fengshui-report-be/internal/repository/specification"
	"fengshui-report-be/internal/repository/unitofwork"
	"fengshui-report-be/pkg/idempotency"
	"fengshui-report-be/pkg/report"
	"fengshui-report-be/pkg/workflow"

	"github.com/google/uuid"
)

const (
	layoutQuery = "Analyze the attached floor plans and describe every house layout."
	energyQuery = "Summarize the energy of this home before and after adjustment."
	reportQuery = "Write the full consultation report."
)

type IConsultationService interface {
	Upload(ctx context.Context, email, filename string, content io.Reader) (*dto.UploadResponse, error)
	AnalyzeLayout(ctx context.Context, req *dto.LayoutRequest) (*dto.LayoutResponse, error)
	EnergySummary(ctx context.Context, req *dto.EnergyRequest) (*dto.EnergyResponse, error)
	// Analyze runs layout then energy. An energy failure keeps the layout
	// result and is reported in EnergyError.
	Analyze(ctx context.Context, req *dto.LayoutRequest) (*dto.AnalyzeResponse, error)
	GenerateReport(ctx context.Context, req *dto.FullReportRequest) (*dto.FullReportResponse, error)
	// RunClaimedReport generates the report of a consultation whose report
	// job has already been claimed with TryStartReport.
	RunClaimedReport(ctx context.Context, id uuid.UUID) (*dto.FullReportResponse, error)
	Locate(ctx context.Context, req *dto.StageRequest) (*entity.Consultation, error)
	Show(ctx context.Context, id uuid.UUID) (*dto.ConsultationResponse, error)
	ReportPDF(ctx context.Context, id uuid.UUID) ([]byte, error)
}

type consultationService struct {
	uowFactory   unitofwork.RepositoryFactory
	workflow     workflow.Client
	cache        *idempotency.Cache
	materializer *report.Materializer
	logger       logger.ILogger
	defaultUser  string
	locks        *keyedMutex
	now          func() time.Time
}

func NewConsultationService(
	uowFactory unitofwork.RepositoryFactory,
	workflowClient workflow.Client,
	cache *idempotency.Cache,
	materializer *report.Materializer,
	logger logger.ILogger,
	defaultUser string,
) IConsultationService {
	return &consultationService{
		uowFactory:   uowFactory,
		workflow:     workflowClient,
		cache:        cache,
		materializer: materializer,
		logger:       logger,
		defaultUser:  defaultUser,
		locks:        newKeyedMutex(),
		now:          time.Now,
	}
}

// reportPayload is the cached form of a finished report.
type reportPayload struct {
	ReportContent string `json:"report_content"`
	PdfBase64     string `json:"pdf_base64"`
}

func (s *consultationService) owner(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return s.defaultUser
	}
	return email
}

func (s *consultationService) Upload(ctx context.Context, email, filename string, content io.Reader) (*dto.UploadResponse, error) {
	id, err := s.workflow.Upload(ctx, s.owner(email), filename, content)
	if err != nil {
		return nil, err
	}
	s.logger.Info("CONSULTATION", "Floor plan uploaded", map[string]interface{}{
		"file_id":  id,
		"filename": filename,
	})
	return &dto.UploadResponse{FileId: id}, nil
}

func parseInputs(req *dto.StageRequest) (entity.EssentialInputs, error) {
	if req.EssentialInputs == nil {
		return entity.EssentialInputs{}, ErrMissingInputs
	}
	ids := append([]string(nil), req.FileIds...)
	if req.EssentialInputs.FloorPlanFileId != "" {
		ids = append(ids, req.EssentialInputs.FloorPlanFileId)
	}
	return entity.NewEssentialInputs(req.EssentialInputs.BirthDate, req.EssentialInputs.Gender, ids)
}

// Locate finds a consultation by id, or by owner and inputs.
func (s *consultationService) Locate(ctx context.Context, req *dto.StageRequest) (*entity.Consultation, error) {
	uow := s.uowFactory.NewUnitOfWork(ctx)
	var spec specification.Specification
	if req.ConsultationId != "" {
		id, err := uuid.Parse(req.ConsultationId)
		if err != nil {
			return nil, ErrConsultationNotFound
		}
		spec = specification.ByID{ID: id}
	} else {
		inputs, err := parseInputs(req)
		if err != nil {
			return nil, err
		}
		spec = specification.KeyFor(s.owner(req.Email), inputs, req.HouseType)
	}

	c, err := uow.ConsultationRepository().FindOne(ctx, spec)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrConsultationNotFound
	}
	if req.Email != "" && c.Email != s.owner(req.Email) {
		return nil, ErrConsultationNotFound
	}
	return c, nil
}

// findOrCreate returns the consultation for req, creating it on first use.
func (s *consultationService) findOrCreate(ctx context.Context, req *dto.StageRequest) (*entity.Consultation, error) {
	if req.ConsultationId != "" {
		return s.Locate(ctx, req)
	}
	inputs, err := parseInputs(req)
	if err != nil {
		return nil, err
	}
	owner := s.owner(req.Email)
	repo := s.uowFactory.NewUnitOfWork(ctx).ConsultationRepository()
	key := specification.KeyFor(owner, inputs, req.HouseType)

	c, err := repo.FindOne(ctx, key)
	if err != nil || c != nil {
		return c, err
	}
	c = entity.NewConsultation(owner, inputs, req.HouseType, req.Language)
	err = repo.Create(ctx, c)
	if errors.Is(err, contract.ErrDuplicateKey) {
		// Lost the race to a concurrent identical request.
		return repo.FindOne(ctx, key)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("CONSULTATION", "Consultation created", map[string]interface{}{
		"consultation_id": c.Id.String(),
		"owner":           owner,
	})
	return c, nil
}

func (s *consultationService) reload(ctx context.Context, id uuid.UUID) (*entity.Consultation, error) {
	c, err := s.uowFactory.NewUnitOfWork(ctx).ConsultationRepository().FindOne(ctx, specification.ByID{ID: id})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrConsultationNotFound
	}
	return c, nil
}

func (s *consultationService) saveStages(ctx context.Context, c *entity.Consultation) error {
	return s.uowFactory.NewUnitOfWork(ctx).ConsultationRepository().UpdateStages(ctx, c)
}

// cacheOwner partitions cached results by house type, which is sent
// upstream but is not part of the inputs hash.
func cacheOwner(c *entity.Consultation) string {
	return c.Email + "|" + c.HouseType
}

// cached returns the cached record of stage. A cached failure is forgotten
// and treated as a miss when retry is set. Cache errors degrade to a miss.
func (s *consultationService) cached(ctx context.Context, c *entity.Consultation, stage workflow.Stage, retry bool) (*idempotency.StageRecord, bool) {
	rec, ok, err := s.cache.Get(ctx, cacheOwner(c), c.InputsHash, string(stage))
	if err != nil {
		s.logger.Warn("CONSULTATION", "Cache lookup failed", map[string]interface{}{
			"stage": string(stage),
			"error": err.Error(),
		})
		return nil, false
	}
	if !ok {
		return nil, false
	}
	if retry && !rec.Success {
		if err := s.cache.Forget(ctx, cacheOwner(c), c.InputsHash, string(stage)); err != nil {
			s.logger.Warn("CONSULTATION", "Failed to forget cached failure", map[string]interface{}{
				"stage": string(stage),
				"error": err.Error(),
			})
		}
		return nil, false
	}
	return rec, true
}

func (s *consultationService) remember(ctx context.Context, c *entity.Consultation, stage workflow.Stage, res entity.StageResult) {
	rec := idempotency.StageRecord{
		Success:        res.Success,
		Payload:        res.Payload,
		ConversationID: res.ConversationId,
		StoredAt:       res.CompletedAt,
	}
	if err := s.cache.Put(ctx, cacheOwner(c), c.InputsHash, string(stage), rec); err != nil {
		s.logger.Warn("CONSULTATION", "Cache write failed", map[string]interface{}{
			"stage": string(stage),
			"error": err.Error(),
		})
	}
}

func resultFromRecord(rec *idempotency.StageRecord) entity.StageResult {
	return entity.StageResult{
		Success:        rec.Success,
		Payload:        rec.Payload,
		ConversationId: rec.ConversationID,
		CompletedAt:    rec.StoredAt,
	}
}

// enter moves c into a running state. A state left behind by an
// interrupted call is re-entered.
func enter(c *entity.Consultation, running entity.ConsultationState) error {
	if c.State == running {
		return nil
	}
	return c.TransitionTo(running)
}

// failStage records a transport or parse failure. Nothing is cached so the
// next call retries upstream.
func (s *consultationService) failStage(ctx context.Context, c *entity.Consultation, stage workflow.Stage, cause error) error {
	s.logger.Error("CONSULTATION", "Stage failed", map[string]interface{}{
		"consultation_id": c.Id.String(),
		"stage":           string(stage),
		"error":           cause.Error(),
	})
	if err := c.Fail(string(stage)); err != nil {
		return cause
	}
	if err := s.saveStages(context.WithoutCancel(ctx), c); err != nil {
		s.logger.Error("CONSULTATION", "Failed to persist stage failure", map[string]interface{}{
			"consultation_id": c.Id.String(),
			"error":           err.Error(),
		})
	}
	return cause
}

func (s *consultationService) stageInputs(c *entity.Consultation) map[string]interface{} {
	return map[string]interface{}{
		"birth_date": c.Inputs.BirthDate,
		"gender":     string(c.Inputs.Gender),
		"house_type": c.HouseType,
		"language":   c.Language,
	}
}

func (s *consultationService) AnalyzeLayout(ctx context.Context, req *dto.LayoutRequest) (*dto.LayoutResponse, error) {
	c, err := s.findOrCreate(ctx, &req.StageRequest)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(c.Id.String())
	defer unlock()
	if c, err = s.reload(ctx, c.Id); err != nil {
		return nil, err
	}

	if rec, ok := s.cached(ctx, c, workflow.StageLayout, req.Retry); ok {
		res := resultFromRecord(rec)
		if c.LayoutResult == nil {
			c.LayoutResult = &res
			c.Resume()
			if err := s.saveStages(ctx, c); err != nil {
				return nil, err
			}
		}
		return layoutResponse(c.Id, res, true)
	}
	if c.LayoutResult != nil && (c.LayoutResult.Success || !req.Retry) {
		s.remember(ctx, c, workflow.StageLayout, *c.LayoutResult)
		return layoutResponse(c.Id, *c.LayoutResult, true)
	}

	if err := enter(c, entity.StateLayoutAnalyzing); err != nil {
		return nil, err
	}
	if err := s.saveStages(ctx, c); err != nil {
		return nil, err
	}

	out, err := s.workflow.InvokeStage(ctx, workflow.StageLayout, workflow.StageInput{
		User:    c.Email,
		Query:   layoutQuery,
		Inputs:  s.stageInputs(c),
		FileIDs: c.Inputs.FloorPlanFileIds,
	})
	if err != nil {
		return nil, s.failStage(ctx, c, workflow.StageLayout, err)
	}
	layout, err := workflow.ParseLayout(out.Answer)
	if err != nil {
		return nil, s.failStage(ctx, c, workflow.StageLayout, err)
	}

	payload, err := json.Marshal(layout)
	if err != nil {
		return nil, err
	}
	res := entity.StageResult{
		Success:        layout.OK,
		Payload:        payload,
		ConversationId: out.ConversationID,
		Partial:        out.Partial,
		Message:        layout.ErrorMessageForUser,
		CompletedAt:    s.now(),
	}
	c.LayoutResult = &res
	if layout.OK {
		err = c.TransitionTo(entity.StateLayoutComplete)
	} else {
		err = c.Fail(string(workflow.StageLayout))
	}
	if err != nil {
		return nil, err
	}
	if err := s.saveStages(ctx, c); err != nil {
		return nil, err
	}
	s.remember(ctx, c, workflow.StageLayout, res)

	s.logger.Info("CONSULTATION", "Layout analyzed", map[string]interface{}{
		"consultation_id": c.Id.String(),
		"ok":              layout.OK,
		"partial":         out.Partial,
	})
	return layoutResponse(c.Id, res, false)
}

func layoutResponse(id uuid.UUID, res entity.StageResult, cached bool) (*dto.LayoutResponse, error) {
	var layout workflow.LayoutResult
	if err := json.Unmarshal(res.Payload, &layout); err != nil {
		return nil, fmt.Errorf("decode stored layout: %w", err)
	}
	return &dto.LayoutResponse{
		ConsultationId:      id,
		Ok:                  layout.OK,
		ErrorMessageForUser: layout.ErrorMessageForUser,
		Houses:              layout.Houses,
		ConversationId:      res.ConversationId,
		Cached:              cached,
		Partial:             res.Partial,
	}, nil
}

func (s *consultationService) EnergySummary(ctx context.Context, req *dto.EnergyRequest) (*dto.EnergyResponse, error) {
	c, err := s.Locate(ctx, &req.StageRequest)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(c.Id.String())
	defer unlock()
	if c, err = s.reload(ctx, c.Id); err != nil {
		return nil, err
	}

	if rec, ok := s.cached(ctx, c, workflow.StageEnergy, req.Retry); ok && rec.Success {
		res := resultFromRecord(rec)
		if !c.EnergySucceeded() {
			c.EnergyResult = &res
			c.ConversationId = res.ConversationId
			c.Resume()
			if err := s.saveStages(ctx, c); err != nil {
				return nil, err
			}
		}
		return energyResponse(c.Id, res, true)
	}
	if c.EnergySucceeded() {
		s.remember(ctx, c, workflow.StageEnergy, *c.EnergyResult)
		return energyResponse(c.Id, *c.EnergyResult, true)
	}
	// The stored layout result is authoritative over anything the client
	// sends back.
	if !c.LayoutSucceeded() {
		return nil, ErrLayoutNotReady
	}

	if err := enter(c, entity.StateEnergyAnalyzing); err != nil {
		return nil, err
	}
	if err := s.saveStages(ctx, c); err != nil {
		return nil, err
	}

	inputs := s.stageInputs(c)
	inputs["layout_result"] = string(c.LayoutResult.Payload)
	out, err := s.workflow.InvokeStage(ctx, workflow.StageEnergy, workflow.StageInput{
		User:   c.Email,
		Query:  energyQuery,
		Inputs: inputs,
	})
	if err != nil {
		return nil, s.failStage(ctx, c, workflow.StageEnergy, err)
	}
	summary, err := workflow.ParseEnergy(out.Answer)
	if err != nil {
		return nil, s.failStage(ctx, c, workflow.StageEnergy, err)
	}

	payload, err := json.Marshal(summary)
	if err != nil {
		return nil, err
	}
	res := entity.StageResult{
		Success:        true,
		Payload:        payload,
		ConversationId: out.ConversationID,
		Partial:        out.Partial,
		CompletedAt:    s.now(),
	}
	c.EnergyResult = &res
	c.ConversationId = out.ConversationID
	if err := c.TransitionTo(entity.StateEnergyComplete); err != nil {
		return nil, err
	}
	if err := s.saveStages(ctx, c); err != nil {
		return nil, err
	}
	s.remember(ctx, c, workflow.StageEnergy, res)

	s.logger.Info("CONSULTATION", "Energy summarized", map[string]interface{}{
		"consultation_id": c.Id.String(),
		"conversation_id": out.ConversationID,
	})
	return energyResponse(c.Id, res, false)
}

func energyResponse(id uuid.UUID, res entity.StageResult, cached bool) (*dto.EnergyResponse, error) {
	var es workflow.EnergySummary
	if err := json.Unmarshal(res.Payload, &es); err != nil {
		return nil, fmt.Errorf("decode stored energy summary: %w", err)
	}
	return &dto.EnergyResponse{
		ConsultationId:  id,
		ScoresBefore:    es.ScoresBefore,
		ScoresAfter:     es.ScoresAfter,
		DimensionLabels: es.DimensionLabels,
		SummaryText:     es.SummaryText,
		ConversationId:  res.ConversationId,
		Cached:          cached,
		Partial:         res.Partial,
	}, nil
}

func (s *consultationService) Analyze(ctx context.Context, req *dto.LayoutRequest) (*dto.AnalyzeResponse, error) {
	layout, err := s.AnalyzeLayout(ctx, req)
	if err != nil {
		return nil, err
	}
	res := &dto.AnalyzeResponse{Layout: layout}
	if !layout.Ok {
		return res, nil
	}

	energyReq := &dto.EnergyRequest{StageRequest: dto.StageRequest{
		ConsultationId: layout.ConsultationId.String(),
		Email:          req.Email,
		Retry:          req.Retry,
	}}
	energy, err := s.EnergySummary(ctx, energyReq)
	if err != nil {
		res.EnergyError = &dto.StageErrorResponse{
			Stage:     string(workflow.StageEnergy),
			Message:   err.Error(),
			Retryable: true,
		}
		return res, nil
	}
	res.Energy = energy
	return res, nil
}

func (s *consultationService) GenerateReport(ctx context.Context, req *dto.FullReportRequest) (*dto.FullReportResponse, error) {
	c, err := s.Locate(ctx, &req.StageRequest)
	if err != nil {
		return nil, err
	}
	if !c.IsPaid() {
		return nil, ErrPaymentRequired
	}
	if c.ReportStatus == entity.ReportStatusCompleted {
		return storedReport(c), nil
	}

	applied, err := s.uowFactory.NewUnitOfWork(ctx).ConsultationRepository().TryStartReport(ctx, c.Id, s.now())
	if err != nil {
		return nil, err
	}
	if !applied {
		if c, err = s.reload(ctx, c.Id); err != nil {
			return nil, err
		}
		if c.ReportStatus == entity.ReportStatusCompleted {
			return storedReport(c), nil
		}
		return nil, ErrReportInProgress
	}
	return s.RunClaimedReport(ctx, c.Id)
}

func storedReport(c *entity.Consultation) *dto.FullReportResponse {
	res := &dto.FullReportResponse{
		ConsultationId: c.Id,
		ReportContent:  c.ReportContent,
		Cached:         true,
	}
	if len(c.ReportPdf) > 0 {
		res.PdfBase64, _ = report.EncodePDF(c.ReportPdf)
	}
	return res
}

func (s *consultationService) RunClaimedReport(ctx context.Context, id uuid.UUID) (*dto.FullReportResponse, error) {
	c, err := s.reload(ctx, id)
	if err != nil {
		return nil, err
	}

	if rec, ok := s.cached(ctx, c, workflow.StageReport, false); ok && rec.Success {
		var p reportPayload
		if err := json.Unmarshal(rec.Payload, &p); err == nil {
			if pdf, err := report.DecodePDF(p.PdfBase64); err == nil {
				if err := s.finishReport(ctx, c, contract.ReportOutcome{
					Status:  entity.ReportStatusCompleted,
					Content: p.ReportContent,
					Pdf:     pdf,
				}); err != nil {
					return nil, err
				}
				return &dto.FullReportResponse{
					ConsultationId: c.Id,
					ReportContent:  p.ReportContent,
					PdfBase64:      p.PdfBase64,
					Cached:         true,
				}, nil
			}
		}
		s.logger.Warn("CONSULTATION", "Discarding unusable cached report", map[string]interface{}{
			"consultation_id": c.Id.String(),
		})
	}

	if !c.EnergySucceeded() {
		return nil, s.failReport(ctx, c, ErrEnergyNotReady)
	}

	inputs := s.stageInputs(c)
	inputs["layout_result"] = string(c.LayoutResult.Payload)
	inputs["energy_result"] = string(c.EnergyResult.Payload)
	out, err := s.workflow.InvokeStage(ctx, workflow.StageReport, workflow.StageInput{
		User:           c.Email,
		Query:          reportQuery,
		Inputs:         inputs,
		ConversationID: c.ConversationId,
	})
	if err != nil {
		return nil, s.failReport(ctx, c, err)
	}
	m, err := s.materializer.Materialize(ctx, out.Answer)
	if err != nil {
		return nil, s.failReport(ctx, c, err)
	}

	if err := s.finishReport(ctx, c, contract.ReportOutcome{
		Status:  entity.ReportStatusCompleted,
		Content: m.Markdown,
		Pdf:     m.PDF,
	}); err != nil {
		return nil, err
	}

	pdfBase64 := m.Base64()
	payload, err := json.Marshal(reportPayload{ReportContent: m.Markdown, PdfBase64: pdfBase64})
	if err == nil {
		s.remember(ctx, c, workflow.StageReport, entity.StageResult{
			Success:        true,
			Payload:        payload,
			ConversationId: out.ConversationID,
			CompletedAt:    s.now(),
		})
	}

	s.logger.Info("CONSULTATION", "Report generated", map[string]interface{}{
		"consultation_id": c.Id.String(),
		"source":          string(m.Source),
		"partial":         out.Partial,
	})
	return &dto.FullReportResponse{
		ConsultationId: c.Id,
		ReportContent:  m.Markdown,
		PdfBase64:      pdfBase64,
		Partial:        out.Partial,
	}, nil
}

func (s *consultationService) finishReport(ctx context.Context, c *entity.Consultation, outcome contract.ReportOutcome) error {
	ctx = context.WithoutCancel(ctx)
	_, err := s.uowFactory.NewUnitOfWork(ctx).ConsultationRepository().FinishReport(ctx, c.Id, outcome)
	return err
}

func (s *consultationService) failReport(ctx context.Context, c *entity.Consultation, cause error) error {
	s.logger.Error("CONSULTATION", "Report generation failed", map[string]interface{}{
		"consultation_id": c.Id.String(),
		"error":           cause.Error(),
	})
	if err := s.finishReport(ctx, c, contract.ReportOutcome{
		Status: entity.ReportStatusFailed,
		Error:  cause.Error(),
	}); err != nil {
		s.logger.Error("CONSULTATION", "Failed to persist report failure", map[string]interface{}{
			"consultation_id": c.Id.String(),
			"error":           err.Error(),
		})
	}
	return cause
}

func (s *consultationService) Show(ctx context.Context, id uuid.UUID) (*dto.ConsultationResponse, error) {
	c, err := s.reload(ctx, id)
	if err != nil {
		return nil, err
	}
	res := &dto.ConsultationResponse{
		Id:            c.Id,
		Email:         c.Email,
		BirthDate:     c.Inputs.BirthDate,
		Gender:        string(c.Inputs.Gender),
		FloorPlanIds:  c.Inputs.FloorPlanFileIds,
		HouseType:     c.HouseType,
		State:         string(c.State),
		FailedStage:   c.FailedStage,
		PaymentStatus: string(c.PaymentStatus),
		ReportStatus:  string(c.ReportStatus),
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
	if c.LayoutResult != nil {
		if res.Layout, err = layoutResponse(c.Id, *c.LayoutResult, true); err != nil {
			return nil, err
		}
	}
	if c.EnergySucceeded() {
		if res.Energy, err = energyResponse(c.Id, *c.EnergyResult, true); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (s *consultationService) ReportPDF(ctx context.Context, id uuid.UUID) ([]byte, error) {
	c, err := s.reload(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.IsPaid() {
		return nil, ErrPaymentRequired
	}
	if c.ReportStatus != entity.ReportStatusCompleted || len(c.ReportPdf) == 0 {
		return nil, ErrReportNotReady
	}
	return c.ReportPdf, nil
}
