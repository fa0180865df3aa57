package offset

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/ksred/klear-netting/internal/money"
	"github.com/ksred/klear-netting/pkg/middleware"
	"github.com/ksred/klear-netting/pkg/response"
	"github.com/rs/zerolog/log"
)

var validate = validator.New()

// CreateRequest is the HTTP and service input for a new offset entry
type CreateRequest struct {
	DebitParty  string `json:"debit_party" validate:"required"`
	CreditParty string `json:"credit_party" validate:"required"`
	Amount      string `json:"amount" validate:"required"`
	Currency    string `json:"currency" validate:"required,len=3"`
	Reference   string `json:"reference" validate:"max=128"`
	Description string `json:"description"`
}

// View is an Entry with its amount rendered as a decimal string
type View struct {
	*Entry
	Amount string `json:"amount"`
}

func NewView(e *Entry) View {
	return View{Entry: e, Amount: money.FromMinor(e.Amount, e.Currency)}
}

type Service struct {
	db  *Database
	now func() time.Time
}

func NewService(db *Database) *Service {
	return &Service{db: db, now: time.Now}
}

// CreateOffset records a draft bilateral offset between two distinct parties
func (s *Service) CreateOffset(ctx context.Context, req CreateRequest, actor string) (*Entry, error) {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag()))
			}
			return nil, ErrInvalidInput.WithMessage(strings.Join(msgs, "; "))
		}
		return nil, ErrInvalidInput.Wrap(err)
	}
	if req.DebitParty == req.CreditParty {
		return nil, ErrSameParty
	}

	currency, err := money.NormalizeCurrency(req.Currency)
	if err != nil {
		return nil, ErrInvalidInput.WithMessage(err.Error())
	}
	amount, err := money.ToMinor(req.Amount, currency)
	if err != nil {
		return nil, ErrInvalidInput.WithMessage(err.Error())
	}
	if amount <= 0 {
		return nil, ErrInvalidInput.WithMessage("amount must be positive")
	}

	now := s.now().UTC()
	entry := &Entry{
		EntryID:     "OFS_" + uuid.New().String(),
		DebitParty:  req.DebitParty,
		CreditParty: req.CreditParty,
		Amount:      amount,
		Currency:    currency,
		Reference:   req.Reference,
		Description: req.Description,
		Status:      StatusDraft,
		CreatedBy:   actor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.Create(ctx, entry); err != nil {
		return nil, err
	}

	log.Info().
		Str("entry_id", entry.EntryID).
		Str("debit_party", entry.DebitParty).
		Str("credit_party", entry.CreditParty).
		Str("service", "offset").
		Msg("offset entry created")
	return entry, nil
}

func (s *Service) GetOffset(ctx context.Context, entryID string) (*Entry, error) {
	return s.db.Get(ctx, entryID)
}

func (s *Service) ListOffsets(ctx context.Context, filter Filter) ([]Entry, error) {
	return s.db.List(ctx, filter)
}

// PostOffset moves a draft entry to posted; after that it cannot change
func (s *Service) PostOffset(ctx context.Context, entryID, actor string) (*Entry, error) {
	entry, err := s.db.MarkPosted(ctx, entryID, actor, s.now().UTC())
	if err != nil {
		return nil, err
	}
	log.Info().Str("entry_id", entryID).Str("posted_by", actor).Str("service", "offset").Msg("offset entry posted")
	return entry, nil
}

// GinHandlers contains HTTP handlers for offset entries
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) CreateOffsetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		entry, err := h.service.CreateOffset(c.Request.Context(), req, middleware.ClientID(c))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, NewView(entry))
	}
}

func (h *GinHandlers) GetOffsetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entry, err := h.service.GetOffset(c.Request.Context(), c.Param("entry_id"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, NewView(entry))
	}
}

func (h *GinHandlers) ListOffsetsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := Filter{Party: c.Query("party"), Status: Status(c.Query("status"))}
		if limit := c.Query("limit"); limit != "" {
			n, err := strconv.Atoi(limit)
			if err != nil || n < 0 {
				response.BadRequest(c, "limit must be a non-negative integer")
				return
			}
			filter.Limit = n
		}

		entries, err := h.service.ListOffsets(c.Request.Context(), filter)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		views := make([]View, 0, len(entries))
		for i := range entries {
			views = append(views, NewView(&entries[i]))
		}
		response.Success(c, views)
	}
}

func (h *GinHandlers) PostOffsetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entry, err := h.service.PostOffset(c.Request.Context(), c.Param("entry_id"), middleware.ClientID(c))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, NewView(entry))
	}
}

func (h *GinHandlers) RegisterRoutes(rg *gin.RouterGroup) {
	offsets := rg.Group("/offsets")
	{
		offsets.POST("", h.CreateOffsetHandler())
		offsets.GET("", h.ListOffsetsHandler())
		offsets.GET("/:entry_id", h.GetOffsetHandler())
		offsets.POST("/:entry_id/post", h.PostOffsetHandler())
	}
}
