package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// ChildCounter is implemented by stores that can count a child collection
// without subscribing to it.
type ChildCounter interface {
	CountChildren(ctx context.Context, ref core.CollectionRef) (int, error)
}

// SessionCounter reports live store connections.
type SessionCounter interface {
	Sessions() int
}

type CallResponse struct {
	ID               domain.CallID `json:"id"`
	HasOffer         bool          `json:"has_offer"`
	HasAnswer        bool          `json:"has_answer"`
	OfferCandidates  *int          `json:"offer_candidates,omitempty"`
	AnswerCandidates *int          `json:"answer_candidates,omitempty"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Backend  string `json:"backend"`
	Sessions int    `json:"sessions"`
}

// Handlers serves read-only views of the store for operators.
type Handlers struct {
	Store    core.DocumentStore
	Sessions SessionCounter
	Backend  string
}

func (h *Handlers) Register(api *gin.RouterGroup) {
	api.GET("/health", h.handleHealth)
	api.GET("/calls/:id", h.handleCall)
}

func (h *Handlers) handleHealth(c *gin.Context) {
	resp := HealthResponse{Status: "ok", Backend: h.Backend}
	if h.Sessions != nil {
		resp.Sessions = h.Sessions.Sessions()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) handleCall(c *gin.Context) {
	id, err := domain.ParseCallID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	ref := core.DocRef{Collection: domain.CallsCollection, ID: string(id)}
	snap, err := h.Store.Get(ctx, ref)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !snap.Exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}

	_, hasOffer := snap.Fields[domain.FieldOffer]
	_, hasAnswer := snap.Fields[domain.FieldAnswer]
	resp := CallResponse{ID: id, HasOffer: hasOffer, HasAnswer: hasAnswer}

	if counter, ok := h.Store.(ChildCounter); ok {
		if n, err := counter.CountChildren(ctx, ref.Sub(domain.OfferCandidates)); err == nil {
			resp.OfferCandidates = &n
		}
		if n, err := counter.CountChildren(ctx, ref.Sub(domain.AnswerCandidates)); err == nil {
			resp.AnswerCandidates = &n
		}
	}
	c.JSON(http.StatusOK, resp)
}
