package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-realtime-auctions/internal/auction"
	"github.com/ariefcatur/go-realtime-auctions/internal/bidding"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"
)

// Bidder is the bid commit service as seen from the request boundary.
type Bidder interface {
	PlaceBid(ctx context.Context, auctionID, bidderID string, amount int64, bidTime time.Time) (bidding.BidRecord, error)
	CurrentState(ctx context.Context, auctionID string) (auction.State, error)
	History(ctx context.Context, auctionID string) ([]auction.Bid, error)
}

type AuctionsHandler struct {
	Bids     Bidder
	Validate *validator.Validate
	Now      func() time.Time
}

type PlaceBidReq struct {
	BidderID string `json:"bidder_id" validate:"required,max=100"`
	Amount   int64  `json:"amount" validate:"required,gt=0"`
}

type BidView struct {
	BidID    string            `json:"bid_id"`
	BidderID string            `json:"bidder_id"`
	Amount   int64             `json:"amount"`
	BidTime  time.Time         `json:"bid_time"`
	Status   auction.BidStatus `json:"status"`
	Seq      int64             `json:"seq"`
}

// NewValidator reports fields by their json names.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (h *AuctionsHandler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Post("/auctions/{id}/bids", h.placeBid)
		r.Get("/auctions/{id}", h.getState)
		r.Get("/auctions/{id}/bids", h.listBids)
	})
}

func (h *AuctionsHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *AuctionsHandler) placeBid(w http.ResponseWriter, r *http.Request) {
	// bid time is the wall clock at the boundary, taken before any waiting
	bidTime := h.now()
	auctionID := chi.URLParam(r, "id")

	var req PlaceBidReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request", Details: validationMessages(err)})
		return
	}

	rec, err := h.Bids.PlaceBid(r.Context(), auctionID, req.BidderID, req.Amount, bidTime)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *AuctionsHandler) getState(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	st, err := h.Bids.CurrentState(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *AuctionsHandler) listBids(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	bids, err := h.Bids.History(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]BidView, 0, len(bids))
	for _, b := range bids {
		out = append(out, BidView{BidID: b.ID, BidderID: b.BidderID, Amount: b.Amount, BidTime: b.BidTime, Status: b.Status, Seq: b.Seq})
	}
	writeJSON(w, http.StatusOK, out)
}

// writeError maps domain errors onto status codes: rejected bids are 409
// with a machine code, contention is a retryable 503.
func writeError(w http.ResponseWriter, err error) {
	code := auction.RejectCode(err)
	switch {
	case auction.IsRejected(err):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: code})
	case errors.Is(err, auction.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: auction.ErrLockTimeout.Error(), Code: code})
	case errors.Is(err, auction.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found", Code: code})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "request timed out"})
	default:
		slog.Error("request failed", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Code: code})
	}
}

func validationMessages(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("'%s': %s", fe.Field(), fieldMessage(fe)))
	}
	return strings.Join(msgs, "; ")
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "max":
		return "should be at most " + fe.Param()
	case "gt":
		return "should be greater than " + fe.Param()
	}
	return "incorrect value passed"
}
