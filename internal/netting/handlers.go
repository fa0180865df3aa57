package netting

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-netting/internal/money"
	"github.com/ksred/klear-netting/pkg/middleware"
	"github.com/ksred/klear-netting/pkg/response"
)

const dateLayout = "2006-01-02"

// TransactionRequest carries an obligation over HTTP with a decimal amount
type TransactionRequest struct {
	TransactionID   string     `json:"transaction_id"`
	SourceParty     string     `json:"source_party"`
	TargetParty     string     `json:"target_party"`
	Amount          string     `json:"amount"`
	Currency        string     `json:"currency"`
	SourceDocument  string     `json:"source_document"`
	TransactionDate *time.Time `json:"transaction_date"`
}

type CreateSessionRequest struct {
	AgreementID  string               `json:"agreement_id"`
	NettingDate  string               `json:"netting_date"`
	Transactions []TransactionRequest `json:"transactions"`
}

type TransactionsRequest struct {
	Transactions []TransactionRequest `json:"transactions"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type FailInstructionRequest struct {
	Reason string `json:"reason"`
}

type ResolveInstructionRequest struct {
	Resolution string `json:"resolution"`
	Note       string `json:"note"`
}

type CreateAgreementRequest struct {
	AgreementID      string       `json:"agreement_id"`
	Name             string       `json:"name"`
	Currency         string       `json:"currency"`
	Frequency        string       `json:"frequency"`
	SettlementMethod string       `json:"settlement_method"`
	Parties          []PartyInput `json:"parties"`
}

type UpdateAgreementRequest struct {
	Name             *string `json:"name"`
	Currency         *string `json:"currency"`
	Frequency        *string `json:"frequency"`
	SettlementMethod *string `json:"settlement_method"`
}

type UpdatePartyRequest struct {
	Name *string `json:"name"`
	Kind *string `json:"kind"`
}

type TransactionView struct {
	TransactionID   string    `json:"transaction_id"`
	SourceParty     string    `json:"source_party"`
	TargetParty     string    `json:"target_party"`
	Amount          string    `json:"amount"`
	Currency        string    `json:"currency"`
	SourceDocument  string    `json:"source_document,omitempty"`
	TransactionDate time.Time `json:"transaction_date"`
}

type PositionView struct {
	PartyID          string `json:"party_id"`
	NetAmount        string `json:"net_amount"`
	Inflow           string `json:"inflow"`
	Outflow          string `json:"outflow"`
	Currency         string `json:"currency"`
	TransactionCount int    `json:"transaction_count"`
}

type InstructionView struct {
	InstructionID string            `json:"instruction_id"`
	Sequence      int               `json:"sequence"`
	SourceParty   string            `json:"source_party"`
	TargetParty   string            `json:"target_party"`
	Amount        string            `json:"amount"`
	Currency      string            `json:"currency"`
	Status        InstructionStatus `json:"status"`
	ProcessedAt   *time.Time        `json:"processed_at,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	ReissueCount  int               `json:"reissue_count"`
	Resolution    string            `json:"resolution,omitempty"`
}

type SessionView struct {
	SessionID    string            `json:"session_id"`
	AgreementID  string            `json:"agreement_id"`
	NettingDate  string            `json:"netting_date"`
	Currency     string            `json:"currency"`
	Status       SessionStatus     `json:"status"`
	Terminal     bool              `json:"terminal"`
	ApprovedBy   string            `json:"approved_by,omitempty"`
	ApprovedAt   *time.Time        `json:"approved_at,omitempty"`
	SettledAt    *time.Time        `json:"settled_at,omitempty"`
	CancelledAt  *time.Time        `json:"cancelled_at,omitempty"`
	CancelReason string            `json:"cancel_reason,omitempty"`
	CreatedBy    string            `json:"created_by"`
	GrossAmount  string            `json:"gross_amount,omitempty"`
	Transactions []TransactionView `json:"transactions"`
	Positions    []PositionView    `json:"positions"`
	Instructions []InstructionView `json:"instructions"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func NewSessionView(s *Session) SessionView {
	v := SessionView{
		SessionID:    s.SessionID,
		AgreementID:  s.AgreementID,
		NettingDate:  s.NettingDate.Format(dateLayout),
		Currency:     s.Currency,
		Status:       s.Status,
		Terminal:     IsTerminal(s.Status),
		ApprovedBy:   s.ApprovedBy,
		ApprovedAt:   s.ApprovedAt,
		SettledAt:    s.SettledAt,
		CancelledAt:  s.CancelledAt,
		CancelReason: s.CancelReason,
		CreatedBy:    s.CreatedBy,
		Transactions: make([]TransactionView, 0, len(s.Transactions)),
		Positions:    make([]PositionView, 0, len(s.Positions)),
		Instructions: make([]InstructionView, 0, len(s.Instructions)),
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}

	var gross int64
	grossOK := true
	for _, t := range s.Transactions {
		if next, err := money.Add(gross, t.Amount); err == nil {
			gross = next
		} else {
			grossOK = false
		}
		v.Transactions = append(v.Transactions, TransactionView{
			TransactionID:   t.TransactionID,
			SourceParty:     t.SourceParty,
			TargetParty:     t.TargetParty,
			Amount:          money.FromMinor(t.Amount, t.Currency),
			Currency:        t.Currency,
			SourceDocument:  t.SourceDocument,
			TransactionDate: t.TransactionDate,
		})
	}
	if grossOK {
		v.GrossAmount = money.FromMinor(gross, s.Currency)
	}

	for _, p := range s.Positions {
		v.Positions = append(v.Positions, PositionView{
			PartyID:          p.PartyID,
			NetAmount:        money.FromMinor(p.Amount, p.Currency),
			Inflow:           money.FromMinor(p.Inflow, p.Currency),
			Outflow:          money.FromMinor(p.Outflow, p.Currency),
			Currency:         p.Currency,
			TransactionCount: p.TransactionCount,
		})
	}
	for _, ins := range s.Instructions {
		v.Instructions = append(v.Instructions, InstructionView{
			InstructionID: ins.InstructionID,
			Sequence:      ins.Sequence,
			SourceParty:   ins.SourceParty,
			TargetParty:   ins.TargetParty,
			Amount:        money.FromMinor(ins.Amount, ins.Currency),
			Currency:      ins.Currency,
			Status:        ins.Status,
			ProcessedAt:   ins.ProcessedAt,
			FailureReason: ins.FailureReason,
			ReissueCount:  ins.ReissueCount,
			Resolution:    ins.Resolution,
		})
	}
	return v
}

func toTransactionInputs(reqs []TransactionRequest) ([]TransactionInput, error) {
	inputs := make([]TransactionInput, 0, len(reqs))
	for i, r := range reqs {
		currency, err := money.NormalizeCurrency(r.Currency)
		if err != nil {
			return nil, ErrInvalidInput.WithMessage(fmt.Sprintf("transactions[%d]: %v", i, err))
		}
		amount, err := money.ToMinor(r.Amount, currency)
		if err != nil {
			if errors.Is(err, money.ErrOverflow) {
				return nil, ErrAmountOverflow.WithMessage(fmt.Sprintf("transactions[%d]: %v", i, err))
			}
			return nil, ErrInvalidInput.WithMessage(fmt.Sprintf("transactions[%d]: %v", i, err))
		}
		in := TransactionInput{
			TransactionID:  r.TransactionID,
			SourceParty:    r.SourceParty,
			TargetParty:    r.TargetParty,
			Amount:         amount,
			Currency:       currency,
			SourceDocument: r.SourceDocument,
		}
		if r.TransactionDate != nil {
			in.TransactionDate = *r.TransactionDate
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

func identity(c *gin.Context) Identity {
	return Identity{ID: middleware.ClientID(c), Permissions: middleware.Permissions(c)}
}

// GinHandlers contains HTTP handlers for agreements and netting sessions
type GinHandlers struct {
	engine *Engine
}

func NewGinHandlers(engine *Engine) *GinHandlers {
	return &GinHandlers{
		engine: engine,
	}
}

// sessionResult answers 200 for actions on an existing session
func sessionResult(c *gin.Context, s *Session, err error) {
	if err != nil {
		response.Handle(c, nil, err)
		return
	}
	response.OK(c, NewSessionView(s))
}

func (h *GinHandlers) CreateAgreementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateAgreementRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		agreement, err := h.engine.CreateAgreement(c.Request.Context(), CreateAgreementCommand{
			AgreementID:      req.AgreementID,
			Name:             req.Name,
			Currency:         req.Currency,
			Frequency:        req.Frequency,
			SettlementMethod: req.SettlementMethod,
			Parties:          req.Parties,
			Actor:            identity(c),
		})
		response.Handle(c, agreement, err)
	}
}

func (h *GinHandlers) ListAgreementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		agreements, err := h.engine.ListAgreements(c.Request.Context())
		response.Handle(c, agreements, err)
	}
}

func (h *GinHandlers) GetAgreementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		agreement, err := h.engine.GetAgreement(c.Request.Context(), c.Param("agreement_id"))
		response.Handle(c, agreement, err)
	}
}

func (h *GinHandlers) UpdateAgreementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdateAgreementRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		agreement, err := h.engine.UpdateAgreement(c.Request.Context(), UpdateAgreementCommand{
			AgreementID:      c.Param("agreement_id"),
			Name:             req.Name,
			Currency:         req.Currency,
			Frequency:        req.Frequency,
			SettlementMethod: req.SettlementMethod,
			Actor:            identity(c),
		})
		response.Handle(c, agreement, err)
	}
}

func (h *GinHandlers) AddPartyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PartyInput
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		party, err := h.engine.AddParty(c.Request.Context(), AddPartyCommand{
			AgreementID: c.Param("agreement_id"),
			Party:       req,
			Actor:       identity(c),
		})
		response.Handle(c, party, err)
	}
}

func (h *GinHandlers) UpdatePartyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdatePartyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		party, err := h.engine.UpdateParty(c.Request.Context(), UpdatePartyCommand{
			AgreementID: c.Param("agreement_id"),
			PartyID:     c.Param("party_id"),
			Name:        req.Name,
			Kind:        req.Kind,
			Actor:       identity(c),
		})
		response.Handle(c, party, err)
	}
}

// CreateSessionHandler handles POST /sessions. A repeated Idempotency-Key
// returns the session created by the first request.
func (h *GinHandlers) CreateSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		nettingDate, err := time.Parse(dateLayout, req.NettingDate)
		if err != nil {
			response.Handle(c, nil, ErrInvalidInput.WithMessage("netting_date must be YYYY-MM-DD"))
			return
		}
		inputs, err := toTransactionInputs(req.Transactions)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		session, err := h.engine.CreateSession(c.Request.Context(), CreateSessionCommand{
			AgreementID:    req.AgreementID,
			NettingDate:    nettingDate,
			Transactions:   inputs,
			IdempotencyKey: c.GetHeader("Idempotency-Key"),
			Actor:          identity(c),
		})
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, NewSessionView(session))
	}
}

func (h *GinHandlers) ListSessionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := SessionFilter{
			AgreementID: c.Query("agreement_id"),
			Status:      SessionStatus(c.Query("status")),
		}
		if limit := c.Query("limit"); limit != "" {
			n, err := strconv.Atoi(limit)
			if err != nil || n < 0 {
				response.BadRequest(c, "limit must be a non-negative integer")
				return
			}
			filter.Limit = n
		}

		sessions, err := h.engine.ListSessions(c.Request.Context(), filter)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		views := make([]SessionView, 0, len(sessions))
		for i := range sessions {
			views = append(views, NewSessionView(&sessions[i]))
		}
		response.Success(c, views)
	}
}

func (h *GinHandlers) GetSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := h.engine.GetSession(c.Request.Context(), c.Param("session_id"))
		sessionResult(c, session, err)
	}
}

func (h *GinHandlers) ReaggregateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TransactionsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
		inputs, err := toTransactionInputs(req.Transactions)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		session, err := h.engine.Reaggregate(c.Request.Context(), ReaggregateCommand{
			SessionID:    c.Param("session_id"),
			Transactions: inputs,
			Actor:        identity(c),
		})
		sessionResult(c, session, err)
	}
}

func (h *GinHandlers) SubmitHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := h.engine.SubmitForApproval(c.Request.Context(), SubmitCommand{
			SessionID: c.Param("session_id"),
			Actor:     identity(c),
		})
		sessionResult(c, session, err)
	}
}

func (h *GinHandlers) ApproveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := h.engine.Approve(c.Request.Context(), ApproveCommand{
			SessionID: c.Param("session_id"),
			Approver:  identity(c),
		})
		sessionResult(c, session, err)
	}
}

func (h *GinHandlers) SettleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := h.engine.Settle(c.Request.Context(), SettleCommand{
			SessionID: c.Param("session_id"),
			Actor:     identity(c),
		})
		sessionResult(c, session, err)
	}
}

func (h *GinHandlers) CancelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CancelRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		session, err := h.engine.Cancel(c.Request.Context(), CancelCommand{
			SessionID: c.Param("session_id"),
			Reason:    req.Reason,
			Actor:     identity(c),
		})
		sessionResult(c, session, err)
	}
}

func (h *GinHandlers) DeleteSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := h.engine.DeleteSession(c.Request.Context(), DeleteSessionCommand{
			SessionID: c.Param("session_id"),
			Actor:     identity(c),
		})
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, gin.H{"session_id": session.SessionID, "deleted": true})
	}
}

func (h *GinHandlers) AuditTrailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := h.engine.AuditTrail(c.Request.Context(), c.Param("session_id"))
		response.Handle(c, records, err)
	}
}

func (h *GinHandlers) FailInstructionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req FailInstructionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		session, err := h.engine.FailInstruction(c.Request.Context(), FailInstructionCommand{
			SessionID:     c.Param("session_id"),
			InstructionID: c.Param("instruction_id"),
			Reason:        req.Reason,
			Actor:         identity(c),
		})
		sessionResult(c, session, err)
	}
}

func (h *GinHandlers) ResolveInstructionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ResolveInstructionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		session, err := h.engine.ResolveInstruction(c.Request.Context(), ResolveInstructionCommand{
			SessionID:     c.Param("session_id"),
			InstructionID: c.Param("instruction_id"),
			Resolution:    req.Resolution,
			Note:          req.Note,
			Actor:         identity(c),
		})
		sessionResult(c, session, err)
	}
}

// RegisterRoutes mounts agreement and session routes on an authenticated group
func (h *GinHandlers) RegisterRoutes(rg *gin.RouterGroup) {
	agreements := rg.Group("/agreements")
	{
		agreements.POST("", h.CreateAgreementHandler())
		agreements.GET("", h.ListAgreementsHandler())
		agreements.GET("/:agreement_id", h.GetAgreementHandler())
		agreements.PATCH("/:agreement_id", h.UpdateAgreementHandler())
		agreements.POST("/:agreement_id/parties", h.AddPartyHandler())
		agreements.PATCH("/:agreement_id/parties/:party_id", h.UpdatePartyHandler())
	}

	sessions := rg.Group("/sessions")
	{
		sessions.POST("", h.CreateSessionHandler())
		sessions.GET("", h.ListSessionsHandler())
		sessions.GET("/:session_id", h.GetSessionHandler())
		sessions.DELETE("/:session_id", h.DeleteSessionHandler())
		sessions.PUT("/:session_id/transactions", h.ReaggregateHandler())
		sessions.POST("/:session_id/submit", h.SubmitHandler())
		sessions.POST("/:session_id/approve", h.ApproveHandler())
		sessions.POST("/:session_id/settle", h.SettleHandler())
		sessions.POST("/:session_id/cancel", h.CancelHandler())
		sessions.GET("/:session_id/audit", h.AuditTrailHandler())
		sessions.POST("/:session_id/instructions/:instruction_id/fail", h.FailInstructionHandler())
		sessions.POST("/:session_id/instructions/:instruction_id/resolve", h.ResolveInstructionHandler())
	}
}
