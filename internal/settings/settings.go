package settings

import (
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/journal-api/internal/currency"
	"github.com/ksred/journal-api/pkg/response"
	"gorm.io/gorm"
)

// UserSetting stores display preferences. These are presentation defaults
// applied at the HTTP layer; stored fills and trades are never rewritten
// when they change.
type UserSetting struct {
	gorm.Model `json:"-"`
	Timezone   string    `json:"timezone"`
	Currency   string    `json:"currency"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Get returns the stored settings, creating the defaults row on first use.
func (s *Service) Get() (*UserSetting, error) {
	var setting UserSetting
	err := s.db.First(&setting).Error
	if err == nil {
		return &setting, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to fetch settings: %w", err)
	}

	setting = UserSetting{Timezone: "UTC", Currency: "USD"}
	if err := s.db.Create(&setting).Error; err != nil {
		return nil, fmt.Errorf("failed to create default settings: %w", err)
	}
	return &setting, nil
}

// DisplayDefaults returns the stored timezone and currency for use as
// request-level defaults, falling back to UTC and USD when the settings
// row cannot be read.
func (s *Service) DisplayDefaults() (string, string) {
	setting, err := s.Get()
	if err != nil {
		return "UTC", "USD"
	}
	return setting.Timezone, setting.Currency
}

// ErrInvalidSetting rejects an update carrying an unknown timezone or
// currency code.
var ErrInvalidSetting = errors.New("invalid setting")

// UpdateRequest carries the fields a PATCH may change.
type UpdateRequest struct {
	Timezone *string `json:"timezone"`
	Currency *string `json:"currency"`
}

// Update applies the non-nil fields after validating them.
func (s *Service) Update(req UpdateRequest) (*UserSetting, error) {
	setting, err := s.Get()
	if err != nil {
		return nil, err
	}

	if req.Timezone != nil {
		if _, err := time.LoadLocation(*req.Timezone); err != nil {
			return nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidSetting, *req.Timezone)
		}
		setting.Timezone = *req.Timezone
	}
	if req.Currency != nil {
		code := currency.Normalize(*req.Currency)
		if len(code) != 3 {
			return nil, fmt.Errorf("%w: invalid currency code %q", ErrInvalidSetting, *req.Currency)
		}
		setting.Currency = code
	}

	if err := s.db.Save(setting).Error; err != nil {
		return nil, fmt.Errorf("failed to save settings: %w", err)
	}
	return setting, nil
}

// GinHandlers contains HTTP handlers for the settings endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// GetHandler handles GET requests for the current settings.
func (h *GinHandlers) GetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		setting, err := h.service.Get()
		response.Handle(c, setting, err)
	}
}

// UpdateHandler handles PATCH requests updating settings.
func (h *GinHandlers) UpdateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		setting, err := h.service.Update(req)
		if errors.Is(err, ErrInvalidSetting) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Handle(c, setting, err)
	}
}
