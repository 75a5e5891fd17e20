package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"fengshui-report-be/pkg/idempotency"

	"github.com/google/uuid"
)

type Gender string
type ConsultationState string
type ReportStatus string

const (
	GenderMale   Gender = "M"
	GenderFemale Gender = "F"

	StateUploadPending    ConsultationState = "upload_pending"
	StateLayoutAnalyzing  ConsultationState = "layout_analyzing"
	StateLayoutComplete   ConsultationState = "layout_complete"
	StateEnergyAnalyzing  ConsultationState = "energy_analyzing"
	StateEnergyComplete   ConsultationState = "energy_complete"
	StatePaymentPending   ConsultationState = "payment_pending"
	StateReportGenerating ConsultationState = "report_generating"
	StateReportComplete   ConsultationState = "report_complete"
	StateError            ConsultationState = "error"

	ReportStatusNone       ReportStatus = "none"
	ReportStatusPending    ReportStatus = "pending"
	ReportStatusProcessing ReportStatus = "processing"
	ReportStatusCompleted  ReportStatus = "completed"
	ReportStatusFailed     ReportStatus = "failed"
)

// BirthDateLayout is the accepted birth date format.
const BirthDateLayout = "2006-01-02"

var (
	ErrInvalidGender     = errors.New("gender must be M or F")
	ErrInvalidBirthDate  = errors.New("birth date must be formatted as YYYY-MM-DD")
	ErrMissingFloorPlan  = errors.New("at least one floor plan file id is required")
	ErrInvalidTransition = errors.New("invalid consultation state transition")
)

// ParseGender accepts M/F and common aliases.
func ParseGender(s string) (Gender, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "m", "male", "man", "男", "男性":
		return GenderMale, nil
	case "f", "female", "woman", "女", "女性":
		return GenderFemale, nil
	}
	return "", ErrInvalidGender
}

// EssentialInputs are the immutable inputs of a consultation. Their hash
// is the idempotency key of every stage.
type EssentialInputs struct {
	BirthDate        string
	Gender           Gender
	FloorPlanFileIds []string
}

func NewEssentialInputs(birthDate, gender string, floorPlanFileIds []string) (EssentialInputs, error) {
	birthDate = strings.TrimSpace(birthDate)
	if _, err := time.Parse(BirthDateLayout, birthDate); err != nil {
		return EssentialInputs{}, ErrInvalidBirthDate
	}
	g, err := ParseGender(gender)
	if err != nil {
		return EssentialInputs{}, err
	}
	ids := make([]string, 0, len(floorPlanFileIds))
	for _, id := range floorPlanFileIds {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return EssentialInputs{}, ErrMissingFloorPlan
	}
	sort.Strings(ids)
	return EssentialInputs{BirthDate: birthDate, Gender: g, FloorPlanFileIds: ids}, nil
}

func (e EssentialInputs) floorPlans() string {
	ids := append([]string(nil), e.FloorPlanFileIds...)
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// Hash is stable across field order and floor plan order.
func (e EssentialInputs) Hash() string {
	return idempotency.Key(map[string]string{
		"birth_date":  e.BirthDate,
		"gender":      string(e.Gender),
		"floor_plans": e.floorPlans(),
	})
}

// FloorPlansHash identifies the set of uploaded floor plans.
func (e EssentialInputs) FloorPlansHash() string {
	return idempotency.Key(map[string]string{"floor_plans": e.floorPlans()})
}

// StageResult is one stage's outcome. Payload is domain JSON.
type StageResult struct {
	Success        bool            `json:"success"`
	Payload        json.RawMessage `json:"payload"`
	ConversationId string          `json:"conversation_id,omitempty"`
	Partial        bool            `json:"partial,omitempty"`
	Message        string          `json:"message,omitempty"`
	CompletedAt    time.Time       `json:"completed_at"`
}

type Consultation struct {
	Id             uuid.UUID
	Email          string
	Inputs         EssentialInputs
	InputsHash     string
	FloorPlansHash string
	HouseType      string
	Language       string
	State          ConsultationState
	FailedStage    string
	LayoutResult   *StageResult
	EnergyResult   *StageResult
	// ConversationId continues the report workflow conversation from energy.
	ConversationId  string
	PaymentStatus   PaymentStatus
	PaymentOrderId  string
	ReportStatus    ReportStatus
	ReportContent   string
	ReportPdf       []byte
	ReportError     string
	ReportStartedAt *time.Time
	PaidAt          *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func NewConsultation(email string, inputs EssentialInputs, houseType, language string) *Consultation {
	now := time.Now()
	return &Consultation{
		Id:             uuid.New(),
		Email:          email,
		Inputs:         inputs,
		InputsHash:     inputs.Hash(),
		FloorPlansHash: inputs.FloorPlansHash(),
		HouseType:      houseType,
		Language:       language,
		State:          StateUploadPending,
		PaymentStatus:  PaymentStatusUnpaid,
		ReportStatus:   ReportStatusNone,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

var consultationTransitions = map[ConsultationState][]ConsultationState{
	StateUploadPending:    {StateLayoutAnalyzing},
	StateLayoutAnalyzing:  {StateLayoutComplete, StateError},
	StateLayoutComplete:   {StateEnergyAnalyzing, StateLayoutAnalyzing},
	StateEnergyAnalyzing:  {StateEnergyComplete, StateError},
	StateEnergyComplete:   {StatePaymentPending, StateEnergyAnalyzing},
	StatePaymentPending:   {StateReportGenerating, StatePaymentPending},
	StateReportGenerating: {StateReportComplete, StateError},
	StateReportComplete:   {},
	StateError:            {StateLayoutAnalyzing, StateEnergyAnalyzing, StatePaymentPending, StateReportGenerating},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to ConsultationState) bool {
	for _, s := range consultationTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionTo moves c to the next state or returns ErrInvalidTransition.
func (c *Consultation) TransitionTo(to ConsultationState) error {
	if !CanTransition(c.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.State, to)
	}
	c.State = to
	c.UpdatedAt = time.Now()
	if to != StateError {
		c.FailedStage = ""
	}
	return nil
}

// Fail records a scoped stage failure. Earlier stage results are kept.
func (c *Consultation) Fail(stage string) error {
	if err := c.TransitionTo(StateError); err != nil {
		return err
	}
	c.FailedStage = stage
	return nil
}

// LayoutSucceeded reports whether a successful layout result is stored.
func (c *Consultation) LayoutSucceeded() bool {
	return c.LayoutResult != nil && c.LayoutResult.Success
}

func (c *Consultation) EnergySucceeded() bool {
	return c.EnergyResult != nil && c.EnergyResult.Success
}

func (c *Consultation) IsPaid() bool {
	return c.PaymentStatus == PaymentStatusCompleted
}

// Resume moves an early-stage consultation forward to match stage results
// restored from the cache. Later states are left alone.
func (c *Consultation) Resume() {
	switch c.State {
	case StateUploadPending, StateLayoutAnalyzing, StateLayoutComplete, StateEnergyAnalyzing, StateError:
	default:
		return
	}
	if c.State == StateError && c.FailedStage == "report" {
		return
	}
	switch {
	case c.EnergySucceeded():
		c.State, c.FailedStage = StateEnergyComplete, ""
	case c.LayoutSucceeded():
		c.State, c.FailedStage = StateLayoutComplete, ""
	case c.LayoutResult != nil:
		c.State, c.FailedStage = StateError, "layout"
	}
	c.UpdatedAt = time.Now()
}
