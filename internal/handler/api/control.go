package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"UpDownTrader/internal/domain/models"
	"UpDownTrader/internal/service/ratelimit"
	"UpDownTrader/internal/services/authorization"
	"UpDownTrader/internal/services/signal"
	"UpDownTrader/internal/usecase"
	xhttp "UpDownTrader/pkg/http"
	"UpDownTrader/pkg/logger"
	"UpDownTrader/pkg/util"
)

// Backtester replays retained bars through an isolated simulation.
type Backtester interface {
	Run(ctx context.Context, req models.BacktestRequest) (usecase.BacktestReport, error)
	Compare(ctx context.Context, req models.BacktestRequest) (usecase.ModeComparison, error)
}

// ControlHandler serves the operator control plane under /api.
type ControlHandler struct {
	control   *usecase.Control
	backtests Backtester
	limiter   *ratelimit.Limiter
	log       *logger.Logger
}

var _ xhttp.Handler = (*ControlHandler)(nil)

// NewControlHandler wires the handlers. A nil limiter leaves mutations unthrottled and a
// nil backtester leaves /api/backtest unregistered.
func NewControlHandler(control *usecase.Control, backtests Backtester, limiter *ratelimit.Limiter, log *logger.Logger) *ControlHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &ControlHandler{control: control, backtests: backtests, limiter: limiter, log: log.Component("api")}
}

func (h *ControlHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.GET("/health", h.Health)
	g.GET("/bus", h.Bus)

	g.GET("/risk", h.Risk)
	g.POST("/risk/reset", h.ResetRisk, h.throttle)

	g.GET("/positions", h.Positions)
	g.GET("/positions/history", h.History)
	g.GET("/pnl", h.PnL)

	g.GET("/engine/stats", h.EngineStats)
	g.POST("/engine/run", h.SetRunning, h.throttle)
	g.POST("/engine/reset", h.ResetEngine, h.throttle)

	g.GET("/mode", h.Mode)
	g.POST("/mode", h.SwitchMode, h.throttle)
	g.POST("/authorization", h.SetAuthMode, h.throttle)

	g.GET("/proposals", h.Proposals)
	g.GET("/proposals/:id", h.Proposal)
	g.POST("/proposals/:id/approve", h.Approve, h.throttle)
	g.POST("/proposals/:id/reject", h.Reject, h.throttle)

	g.POST("/emergency-stop", h.EmergencyStop, h.throttle)

	if h.backtests != nil {
		g.POST("/backtest", h.Backtest, h.throttle)
	}
}

// throttle limits mutations per client and route.
func (h *ControlHandler) throttle(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h.limiter == nil {
			return next(c)
		}
		key := c.RealIP() + ":" + c.Path()
		if !h.limiter.Allow(key) {
			wait := h.limiter.RetryAfter(key)
			h.log.Warn("control request rate limited", logger.String("remote", c.RealIP()), logger.String("route", c.Path()))
			secs := int(wait.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			return xhttp.AppErrorResponse(c, xhttp.TooManyRequestsError("too many control requests").
				WithParam("retry_after", strconv.Itoa(secs)))
		}
		return next(c)
	}
}

type healthResponse struct {
	Healthy    bool                     `json:"healthy"`
	Degraded   []string                 `json:"degraded,omitempty"`
	Components []models.ComponentStatus `json:"components"`
}

// Health reports 503 while any component is neither RUNNING nor DEGRADED.
func (h *ControlHandler) Health(c echo.Context) error {
	reg := h.control.Registry()
	res := healthResponse{
		Healthy:    reg.Healthy(),
		Degraded:   reg.Degraded(),
		Components: reg.Snapshot(),
	}
	status := http.StatusOK
	if !res.Healthy {
		status = http.StatusServiceUnavailable
	}
	return xhttp.DataResponse(c, status, res)
}

func (h *ControlHandler) Bus(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.control.Bus().Stats())
}

func (h *ControlHandler) Risk(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.control.Risk().State())
}

func (h *ControlHandler) ResetRisk(c echo.Context) error {
	req := &models.ResetRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	return xhttp.SuccessResponse(c, h.control.ResetRisk(req.By))
}

func (h *ControlHandler) Positions(c echo.Context) error {
	open := h.control.Engine().OpenPositions()
	return xhttp.ListResponse(c, open, int64(len(open)))
}

func (h *ControlHandler) History(c echo.Context) error {
	req := &models.HistoryRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	rows := h.control.Engine().History(req.Limit)
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

type pnlResponse struct {
	Curve []models.PnLPoint  `json:"curve"`
	Stats models.EngineStats `json:"stats"`
}

func (h *ControlHandler) PnL(c echo.Context) error {
	req := &models.PnLRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	engine := h.control.Engine()
	curve := engine.PnLCurve()
	if req.Since != "" {
		since, ok := util.ParseTime(req.Since)
		if !ok {
			return xhttp.AppErrorResponse(c, xhttp.BadRequestError("since must be RFC3339 or unix seconds").WithParam("since", req.Since))
		}
		kept := curve[:0]
		for _, p := range curve {
			if !p.At.Before(since) {
				kept = append(kept, p)
			}
		}
		curve = kept
	}
	return xhttp.SuccessResponse(c, pnlResponse{Curve: curve, Stats: engine.Stats()})
}

func (h *ControlHandler) EngineStats(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.control.Engine().Stats())
}

func (h *ControlHandler) SetRunning(c echo.Context) error {
	req := &models.EngineRunRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if err := h.control.SetRunning(*req.Running, req.By); err != nil {
		if errors.Is(err, usecase.ErrEngineLocked) {
			return xhttp.AppErrorResponse(c, xhttp.ConflictError("ERR_ENGINE_LOCKED", err.Error()))
		}
		return h.internal(c, "set running", err)
	}
	return xhttp.SuccessResponse(c, h.control.Engine().Stats())
}

func (h *ControlHandler) ResetEngine(c echo.Context) error {
	req := &models.ResetRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	return xhttp.SuccessResponse(c, h.control.ResetEngine(req.By))
}

type modeResponse struct {
	Mode          string          `json:"mode"`
	Modes         []string        `json:"modes"`
	Authorization models.AuthMode `json:"authorization"`
}

func (h *ControlHandler) modes() modeResponse {
	gen := h.control.Signals()
	return modeResponse{Mode: gen.Mode(), Modes: gen.Modes(), Authorization: h.control.Gate().Mode()}
}

func (h *ControlHandler) Mode(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.modes())
}

func (h *ControlHandler) SwitchMode(c echo.Context) error {
	req := &models.SwitchModeRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if err := h.control.SwitchMode(req.Mode, req.By); err != nil {
		if errors.Is(err, signal.ErrUnknownMode) {
			return xhttp.AppErrorResponse(c, xhttp.NewAppError("ERR_UNKNOWN_MODE", "mode", err.Error(), http.StatusBadRequest).
				WithParam("options", h.control.Signals().Modes()))
		}
		return h.internal(c, "switch mode", err)
	}
	return xhttp.SuccessResponse(c, h.modes())
}

func (h *ControlHandler) SetAuthMode(c echo.Context) error {
	req := &models.AuthModeRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if _, err := h.control.SetAuthMode(req.Mode, req.By); err != nil {
		return xhttp.AppErrorResponse(c, xhttp.NewAppError("ERR_UNKNOWN_AUTH_MODE", "mode", err.Error(), http.StatusBadRequest))
	}
	return xhttp.SuccessResponse(c, h.modes())
}

type proposalsResponse struct {
	Proposals []*models.Proposal        `json:"proposals"`
	Stats     models.AuthorizationStats `json:"stats"`
}

func (h *ControlHandler) Proposals(c echo.Context) error {
	req := &models.ProposalsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	gate := h.control.Gate()
	var list []*models.Proposal
	if req.Status == "all" {
		list = gate.Recent(req.Limit)
	} else {
		list = gate.Pending()
		if len(list) > req.Limit {
			list = list[:req.Limit]
		}
	}
	return xhttp.SuccessResponse(c, proposalsResponse{Proposals: list, Stats: gate.Stats()})
}

func (h *ControlHandler) Proposal(c echo.Context) error {
	id := c.Param("id")
	p, ok := h.control.Gate().Get(id)
	if !ok {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("proposal %s not found", id))
	}
	return xhttp.SuccessResponse(c, p)
}

func (h *ControlHandler) Approve(c echo.Context) error {
	return h.resolve(c, h.control.Approve)
}

func (h *ControlHandler) Reject(c echo.Context) error {
	return h.resolve(c, h.control.Reject)
}

type resolveFunc func(ctx context.Context, id, by, reason string) (*models.Proposal, error)

func (h *ControlHandler) resolve(c echo.Context, fn resolveFunc) error {
	req := &models.ResolveRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	p, err := fn(c.Request().Context(), req.ID, req.By, req.Reason)
	if err == nil {
		return xhttp.SuccessResponse(c, p)
	}

	var resolved *authorization.ResolvedError
	switch {
	case errors.As(err, &resolved):
		return xhttp.AppErrorResponse(c, xhttp.ConflictError("ERR_ALREADY_RESOLVED", err.Error()).
			WithParam("status", string(resolved.Status)).
			WithParam("resolved_by", resolved.By))
	case errors.Is(err, authorization.ErrNotFound):
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("proposal %s not found", req.ID))
	case errors.Is(err, authorization.ErrLocked):
		return xhttp.AppErrorResponse(c, xhttp.ConflictError("ERR_LOCKED", err.Error()))
	}
	return h.internal(c, "resolve proposal", err)
}

func (h *ControlHandler) EmergencyStop(c echo.Context) error {
	req := &models.EmergencyStopRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	return xhttp.SuccessResponse(c, h.control.EmergencyStop(c.Request().Context(), req.Reason, req.By))
}

func (h *ControlHandler) Backtest(c echo.Context) error {
	req := &models.BacktestRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	ctx := c.Request().Context()
	var (
		out interface{}
		err error
	)
	if req.Compare {
		out, err = h.backtests.Compare(ctx, *req)
	} else {
		out, err = h.backtests.Run(ctx, *req)
	}
	switch {
	case err == nil:
		return xhttp.SuccessResponse(c, out)
	case errors.Is(err, usecase.ErrNoBars):
		return xhttp.AppErrorResponse(c, xhttp.ConflictError("ERR_NO_BARS", err.Error()))
	case errors.Is(err, signal.ErrUnknownMode):
		return xhttp.AppErrorResponse(c, xhttp.NewAppError("ERR_UNKNOWN_MODE", "mode", err.Error(), http.StatusBadRequest).
			WithParam("options", h.control.Signals().Modes()))
	}
	return h.internal(c, "backtest", err)
}

func (h *ControlHandler) internal(c echo.Context, op string, err error) error {
	h.log.Error(op+" failed", logger.Error(err))
	return xhttp.AppErrorResponse(c, xhttp.InternalError(op+" failed").WithError(err))
}
