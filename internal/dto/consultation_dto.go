package dto

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type UploadResponse struct {
	FileId string `json:"file_id"`
}

type EssentialInputsRequest struct {
	BirthDate       string `json:"birth_date" validate:"required"`
	Gender          string `json:"gender" validate:"required"`
	FloorPlanFileId string `json:"floor_plan_file_id"`
}

// StageRequest locates a consultation either by id or by its inputs.
type StageRequest struct {
	ConsultationId  string                  `json:"consultation_id" validate:"omitempty,uuid"`
	Email           string                  `json:"email" validate:"omitempty,email"`
	EssentialInputs *EssentialInputsRequest `json:"essential_inputs"`
	FileIds         []string                `json:"file_ids"`
	HouseType       string                  `json:"house_type" validate:"max=100"`
	Language        string                  `json:"language" validate:"max=20"`
	// Retry bypasses a cached failure of the requested stage.
	Retry bool `json:"retry"`
}

type LayoutRequest struct {
	StageRequest
}

type EnergyRequest struct {
	StageRequest
	LayoutResultJson json.RawMessage `json:"layout_result_json"`
}

type FullReportRequest struct {
	StageRequest
}

type LayoutResponse struct {
	ConsultationId      uuid.UUID       `json:"consultation_id"`
	Ok                  bool            `json:"ok"`
	ErrorMessageForUser string          `json:"error_message_for_user,omitempty"`
	Houses              json.RawMessage `json:"houses"`
	ConversationId      string          `json:"conversation_id,omitempty"`
	Cached              bool            `json:"cached"`
	Partial             bool            `json:"partial,omitempty"`
}

type EnergyResponse struct {
	ConsultationId  uuid.UUID `json:"consultation_id"`
	ScoresBefore    []float64 `json:"scores_before"`
	ScoresAfter     []float64 `json:"scores_after"`
	DimensionLabels []string  `json:"dimension_labels"`
	SummaryText     string    `json:"summary_text"`
	ConversationId  string    `json:"conversation_id,omitempty"`
	Cached          bool      `json:"cached"`
	Partial         bool      `json:"partial,omitempty"`
}

type StageErrorResponse struct {
	Stage     string `json:"stage"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type AnalyzeResponse struct {
	Layout      *LayoutResponse     `json:"layout"`
	Energy      *EnergyResponse     `json:"energy,omitempty"`
	EnergyError *StageErrorResponse `json:"energy_error,omitempty"`
}

type FullReportResponse struct {
	ConsultationId uuid.UUID `json:"consultation_id"`
	ReportContent  string    `json:"report_content"`
	PdfBase64      string    `json:"pdf_base64,omitempty"`
	Cached         bool      `json:"cached"`
	Partial        bool      `json:"partial,omitempty"`
}

type ReportJobResponse struct {
	ConsultationId uuid.UUID `json:"consultation_id"`
	Status         string    `json:"status"`
}

type ReportStatusResponse struct {
	ConsultationId uuid.UUID           `json:"consultation_id"`
	Status         string              `json:"status"`
	Report         *FullReportResponse `json:"report,omitempty"`
	Error          string              `json:"error,omitempty"`
}

type ConsultationResponse struct {
	Id            uuid.UUID       `json:"id"`
	Email         string          `json:"email"`
	BirthDate     string          `json:"birth_date"`
	Gender        string          `json:"gender"`
	FloorPlanIds  []string        `json:"floor_plan_file_ids"`
	HouseType     string          `json:"house_type"`
	State         string          `json:"state"`
	FailedStage   string          `json:"failed_stage,omitempty"`
	Layout        *LayoutResponse `json:"layout,omitempty"`
	Energy        *EnergyResponse `json:"energy,omitempty"`
	PaymentStatus string          `json:"payment_status"`
	ReportStatus  string          `json:"report_status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
