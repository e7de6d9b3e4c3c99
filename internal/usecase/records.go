package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"VisaTracker/internal/domain"
	"VisaTracker/internal/ports"
)

const (
	passportTag  = "passport"
	notBlankTag  = "notblank"
	dateLayout   = "2006-01-02"
	minBirthYear = 1940
)

var passportPattern = regexp.MustCompile(`^[A-Z]{2}\d{7}$`)

// RecordInput is the payload of the create form.
type RecordInput struct {
	FullName  string `json:"fullName" validate:"required,notblank,max=200"`
	Passport  string `json:"passport" validate:"required,passport"`
	Birthday  string `json:"birthday" validate:"required,datetime=2006-01-02"`
	StudentID string `json:"studentId" validate:"max=64"`
	AutoCheck *bool  `json:"autoCheck"`
}

// UpdateInput is the payload of the edit form. The passport cannot change.
type UpdateInput struct {
	FullName  string `json:"fullName" validate:"required,notblank,max=200"`
	Birthday  string `json:"birthday" validate:"required,datetime=2006-01-02"`
	StudentID string `json:"studentId" validate:"max=64"`
	AutoCheck *bool  `json:"autoCheck"`
}

// ListFilter narrows List results.
type ListFilter struct {
	Search   string
	Category domain.Category
}

// ListResult carries the filtered records and per-category counts of the search result.
type ListResult struct {
	Records []domain.Record         `json:"records"`
	Counts  map[domain.Category]int `json:"counts"`
}

// RecordLister is anything that can list records; the Mirror satisfies it.
type RecordLister interface {
	List(ctx context.Context) ([]domain.Record, error)
}

// RecordServiceDeps wires the record service.
type RecordServiceDeps struct {
	Repository ports.RecordRepository
	Reconciler *Reconciler
	// Lister serves List when set; otherwise the repository is used.
	Lister RecordLister
	Logger *slog.Logger
	Clock  func() time.Time
}

// RecordService implements the admin record management actions.
type RecordService struct {
	repository ports.RecordRepository
	reconciler *Reconciler
	lister     RecordLister
	validate   *validator.Validate
	logger     *slog.Logger
	clock      func() time.Time
}

// NewRecordService constructs the service.
func NewRecordService(deps RecordServiceDeps) *RecordService {
	s := &RecordService{
		repository: deps.Repository,
		reconciler: deps.Reconciler,
		lister:     deps.Lister,
		validate:   newValidator(),
		logger:     deps.Logger,
		clock:      deps.Clock,
	}
	if s.lister == nil {
		s.lister = deps.Repository
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	return s
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation(passportTag, func(fl validator.FieldLevel) bool {
		return passportPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation(notBlankTag, func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// Create validates and stores a new record with status Pending.
func (s *RecordService) Create(ctx context.Context, in RecordInput) (domain.Record, error) {
	in.FullName = strings.ToUpper(strings.TrimSpace(in.FullName))
	in.Passport = strings.ToUpper(strings.TrimSpace(in.Passport))
	in.Birthday = strings.TrimSpace(in.Birthday)
	in.StudentID = strings.TrimSpace(in.StudentID)

	if err := s.check(in); err != nil {
		return domain.Record{}, err
	}
	if err := s.checkBirthday(in.Birthday); err != nil {
		return domain.Record{}, err
	}

	rec := domain.Record{
		Passport:    in.Passport,
		FullName:    in.FullName,
		Birthday:    in.Birthday,
		StudentID:   in.StudentID,
		Status:      domain.StatusPending,
		LastChecked: s.clock(),
		AutoCheck:   in.AutoCheck == nil || *in.AutoCheck,
	}
	if err := s.repository.Create(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrRecordExists) {
			return domain.Record{}, domain.NewError(domain.KindConflict,
				fmt.Sprintf("a record for passport %s already exists", rec.Passport), nil)
		}
		return domain.Record{}, fmt.Errorf("create record: %w", err)
	}
	s.logger.Info("record created", "passport", rec.Passport)
	return rec, nil
}

// Update edits name, birthday, student id and the auto-check flag.
func (s *RecordService) Update(ctx context.Context, passport string, in UpdateInput) (domain.Record, error) {
	passport = strings.ToUpper(strings.TrimSpace(passport))
	in.FullName = strings.ToUpper(strings.TrimSpace(in.FullName))
	in.Birthday = strings.TrimSpace(in.Birthday)
	in.StudentID = strings.TrimSpace(in.StudentID)

	if err := s.check(in); err != nil {
		return domain.Record{}, err
	}
	if err := s.checkBirthday(in.Birthday); err != nil {
		return domain.Record{}, err
	}

	current, err := s.repository.Get(ctx, passport)
	if err != nil {
		return domain.Record{}, err
	}
	details := domain.Details{
		FullName:  in.FullName,
		Birthday:  in.Birthday,
		StudentID: in.StudentID,
		AutoCheck: current.AutoCheck,
	}
	if in.AutoCheck != nil {
		details.AutoCheck = *in.AutoCheck
	}
	if err := s.repository.UpdateDetails(ctx, passport, details); err != nil {
		return domain.Record{}, fmt.Errorf("update record: %w", err)
	}

	current.FullName = details.FullName
	current.Birthday = details.Birthday
	current.StudentID = details.StudentID
	current.AutoCheck = details.AutoCheck
	return current, nil
}

func (s *RecordService) Get(ctx context.Context, passport string) (domain.Record, error) {
	return s.repository.Get(ctx, strings.ToUpper(strings.TrimSpace(passport)))
}

func (s *RecordService) Delete(ctx context.Context, passport string) error {
	passport = strings.ToUpper(strings.TrimSpace(passport))
	if err := s.repository.Delete(ctx, passport); err != nil {
		return err
	}
	s.logger.Info("record deleted", "passport", passport)
	return nil
}

// List applies the search to name, passport and student id, counts categories
// over the search result, then applies the category filter. Records come back
// oldest application first. Until the mirror has synced, the repository is read.
func (s *RecordService) List(ctx context.Context, filter ListFilter) (ListResult, error) {
	all, err := s.lister.List(ctx)
	if errors.Is(err, ErrMirrorNotReady) {
		all, err = s.repository.List(ctx)
	}
	if err != nil {
		return ListResult{}, fmt.Errorf("list records: %w", err)
	}

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	result := ListResult{
		Records: []domain.Record{},
		Counts: map[domain.Category]int{
			domain.CategoryApplication: 0,
			domain.CategoryCancelled:   0,
			domain.CategoryApproved:    0,
		},
	}
	for _, rec := range all {
		if search != "" && !matches(rec, search) {
			continue
		}
		category := domain.Categorize(rec.Status)
		result.Counts[category]++
		if filter.Category != "" && filter.Category != category {
			continue
		}
		result.Records = append(result.Records, rec)
	}
	slices.SortFunc(result.Records, domain.CompareRecords)
	return result, nil
}

// Check runs an immediate status check for one record.
func (s *RecordService) Check(ctx context.Context, passport string) (CheckResult, error) {
	return s.reconciler.CheckRecord(ctx, strings.ToUpper(strings.TrimSpace(passport)))
}

func matches(rec domain.Record, search string) bool {
	return strings.Contains(strings.ToLower(rec.FullName), search) ||
		strings.Contains(strings.ToLower(rec.Passport), search) ||
		strings.Contains(strings.ToLower(rec.StudentID), search)
}

func (s *RecordService) check(in any) error {
	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate: %w", err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fieldMessage(fe)
	}
	return domain.ValidationError("invalid record", fields)
}

func (s *RecordService) checkBirthday(value string) error {
	birthday, err := time.Parse(dateLayout, value)
	if err != nil {
		return domain.ValidationError("invalid record", map[string]string{"birthday": "must be a date in YYYY-MM-DD format"})
	}
	now := s.clock()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch {
	case birthday.After(today):
		return domain.ValidationError("invalid record", map[string]string{"birthday": "cannot be in the future"})
	case birthday.Year() < minBirthYear:
		return domain.ValidationError("invalid record", map[string]string{"birthday": fmt.Sprintf("cannot be before %d", minBirthYear)})
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", notBlankTag:
		return "this field is required"
	case passportTag:
		return "must be 2 letters followed by 7 digits"
	case "datetime":
		return "must be a date in YYYY-MM-DD format"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "is invalid"
	}
}
