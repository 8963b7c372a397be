package reporthttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-targets/internal/distribution"
	"github.com/odyssey-erp/odyssey-targets/internal/ledger"
	"github.com/odyssey-erp/odyssey-targets/internal/orgtree"
	"github.com/odyssey-erp/odyssey-targets/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-targets/internal/report"
	"github.com/odyssey-erp/odyssey-targets/internal/shared"
	"github.com/odyssey-erp/odyssey-targets/internal/weights"
)

const requestTimeout = 10 * time.Second

// ReportService builds target reports.
type ReportService interface {
	BuildReport(ctx context.Context, req report.Request) (report.Report, error)
}

// WeightService manages allocation weights.
type WeightService interface {
	Get(ctx context.Context, scope weights.Scope, status weights.Status) (map[int64]weights.Weight, error)
	SaveDraft(ctx context.Context, scope weights.Scope, entries []weights.Entry, author string) error
	Publish(ctx context.Context, scope weights.Scope, author string) (weights.PublishResult, error)
	Delete(ctx context.Context, scope weights.Scope, statuses ...weights.Status) (int64, error)
}

// Handler serves the target report and weight endpoints.
type Handler struct {
	logger  *slog.Logger
	reports ReportService
	weights WeightService
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, reports ReportService, weightSvc WeightService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, reports: reports, weights: weightSvc}
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	req, err := parseReportRequest(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	rep, err := h.reports.BuildReport(ctx, req)
	if err != nil {
		h.respondError(w, "build report", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rep)
}

type weightView struct {
	Scope   scopeBody        `json:"scope"`
	Status  weights.Status   `json:"status"`
	Weights []weights.Weight `json:"weights"`
}

func (h *Handler) handleGetWeights(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	body, err := scopeFromQuery(q.Get)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	scope, err := body.toScope()
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	status, err := weights.ParseStatus(q.Get("status"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ws, err := h.weights.Get(r.Context(), scope, status)
	if err != nil {
		h.respondError(w, "get weights", err)
		return
	}
	view := weightView{Scope: body, Status: status, Weights: make([]weights.Weight, 0, len(ws))}
	for _, wt := range ws {
		view.Weights = append(view.Weights, wt)
	}
	sortWeights(view.Weights)
	httpx.JSON(w, http.StatusOK, view)
}

type draftBody struct {
	Scope   scopeBody       `json:"scope"`
	Entries []weights.Entry `json:"entries"`
}

func (h *Handler) handleSaveDraft(w http.ResponseWriter, r *http.Request) {
	var body draftBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: decode body: %v", shared.ErrValidation, err))
		return
	}
	scope, err := body.Scope.toScope()
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.weights.SaveDraft(r.Context(), scope, body.Entries, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, "save draft", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"saved": len(body.Entries), "status": weights.StatusDraft})
}

type scopeRequest struct {
	Scope    scopeBody        `json:"scope"`
	Statuses []weights.Status `json:"statuses,omitempty"`
}

func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request) {
	var body scopeRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: decode body: %v", shared.ErrValidation, err))
		return
	}
	scope, err := body.Scope.toScope()
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.weights.Publish(r.Context(), scope, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, "publish weights", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	var body scopeRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: decode body: %v", shared.ErrValidation, err))
		return
	}
	scope, err := body.Scope.toScope()
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	n, err := h.weights.Delete(r.Context(), scope, body.Statuses...)
	if err != nil {
		h.respondError(w, "delete weights", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (h *Handler) respondError(w http.ResponseWriter, action string, err error) {
	if errors.Is(err, shared.ErrUpstreamUnavailable) || errors.Is(err, shared.ErrPartialPublishPrevented) {
		h.logger.Warn(action, slog.Any("error", err))
	} else if !isClientError(err) {
		h.logger.Error(action, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func isClientError(err error) bool {
	return errors.Is(err, shared.ErrValidation) ||
		errors.Is(err, shared.ErrNotFound) ||
		errors.Is(err, shared.ErrInvalidWeight) ||
		errors.Is(err, shared.ErrInvalidPeriod)
}

// scopeBody is the wire form of a weight scope with plain dates.
type scopeBody struct {
	EntityKind   string `json:"entity_kind"`
	RootID       int64  `json:"root_id"`
	CostCenterID *int64 `json:"cost_center_id,omitempty"`
	AccountCode  string `json:"account_code,omitempty"`
	From         string `json:"from"`
	To           string `json:"to"`
}

func (b scopeBody) toScope() (weights.Scope, error) {
	from, err := parseDate("from", b.From)
	if err != nil {
		return weights.Scope{}, err
	}
	to, err := parseDate("to", b.To)
	if err != nil {
		return weights.Scope{}, err
	}
	return weights.Scope{
		EntityKind:   orgtree.EntityKind(strings.ToLower(strings.TrimSpace(b.EntityKind))),
		RootID:       b.RootID,
		CostCenterID: b.CostCenterID,
		AccountCode:  strings.TrimSpace(b.AccountCode),
		PeriodStart:  from,
		PeriodEnd:    to,
	}, nil
}

func scopeFromQuery(get func(string) string) (scopeBody, error) {
	root, err := parseID("root", get("root"), true)
	if err != nil {
		return scopeBody{}, err
	}
	cc, err := parseID("cost_center", get("cost_center"), false)
	if err != nil {
		return scopeBody{}, err
	}
	body := scopeBody{
		EntityKind:  get("kind"),
		RootID:      root,
		AccountCode: get("account"),
		From:        get("from"),
		To:          get("to"),
	}
	if cc > 0 {
		body.CostCenterID = &cc
	}
	return body, nil
}

func parseReportRequest(r *http.Request) (report.Request, error) {
	q := r.URL.Query()
	body, err := scopeFromQuery(q.Get)
	if err != nil {
		return report.Request{}, err
	}
	scope, err := body.toScope()
	if err != nil {
		return report.Request{}, err
	}
	mode, err := distribution.ParseMode(q.Get("mode"))
	if err != nil {
		return report.Request{}, err
	}
	req := report.Request{
		EntityKind:   scope.EntityKind,
		RootID:       scope.RootID,
		From:         scope.PeriodStart,
		To:           scope.PeriodEnd,
		CostCenterID: scope.CostCenterID,
		AccountCode:  scope.AccountCode,
		Mode:         mode,
	}
	if mode == distribution.ModeWeighted {
		if req.WeightStatus, err = weights.ParseStatus(q.Get("weights")); err != nil {
			return report.Request{}, err
		}
	}
	for _, n := range ledger.Natures {
		raw := strings.TrimSpace(q.Get("override_" + string(n)))
		if raw == "" {
			continue
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return report.Request{}, fmt.Errorf("%w: override_%s", shared.ErrValidation, n)
		}
		if req.Override == nil {
			req.Override = make(map[ledger.Nature]decimal.Decimal, len(ledger.Natures))
		}
		req.Override[n] = v
	}
	if raw := strings.TrimSpace(q.Get("nodes")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			id, err := parseID("nodes", part, true)
			if err != nil {
				return report.Request{}, err
			}
			req.TrendNodes = append(req.TrendNodes, id)
		}
	}
	return req, nil
}

func parseID(field, raw string, required bool) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			return 0, fmt.Errorf("%w: %s required", shared.ErrValidation, field)
		}
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", shared.ErrValidation, field)
	}
	return id, nil
}

func parseDate(field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: %s required", shared.ErrValidation, field)
	}
	t, err := time.Parse(shared.DateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be YYYY-MM-DD", shared.ErrValidation, field)
	}
	return t, nil
}

func sortWeights(ws []weights.Weight) {
	sort.Slice(ws, func(i, j int) bool { return ws[i].NodeID < ws[j].NodeID })
}
