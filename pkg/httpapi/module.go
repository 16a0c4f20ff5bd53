package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"promo-engine/pkg/db/pagination"
	"promo-engine/pkg/errutil"
	"promo-engine/pkg/middleware"
	"promo-engine/services/engine"
	"promo-engine/services/grant"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("httpapi",
	fx.Invoke(
		registerHealthEndpoint,
		registerCheckEndpoint,
		registerRecordEndpoints,
	),
)

func registerHealthEndpoint(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())
}

type checkRequest struct {
	CampaignID   string   `json:"campaignId"`
	TaskID       string   `json:"taskId"`
	UserID       string   `json:"userId"`
	UserTags     []string `json:"userTags,omitempty"`
	ConditionIDs []string `json:"conditionIds,omitempty"`
	Batch        int      `json:"batch,omitempty"`
}

type issuedAward struct {
	RecordID     string `json:"recordId"`
	CheckID      string `json:"checkId"`
	AwardID      string `json:"awardId"`
	Qty          int64  `json:"qty"`
	ValidityDays int    `json:"validityDays"`
}

type checkResponse struct {
	Issued []issuedAward `json:"issued"`
}

type errorResponse struct {
	Code    errutil.CoreStatus `json:"code"`
	Message string             `json:"message"`
}

func registerCheckEndpoint(mux *http.ServeMux, eng *engine.Engine, logger *zap.Logger) {
	mux.HandleFunc("POST /api/v1/check", func(w http.ResponseWriter, r *http.Request) {
		var req checkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errutil.Validation("malformed request body"))
			return
		}
		if req.CampaignID == "" || req.UserID == "" {
			writeError(w, errutil.Validation("campaignId and userId are required"))
			return
		}

		issued, err := eng.CheckAndGrant(r.Context(), req.CampaignID, req.TaskID, req.UserID, req.UserTags, req.ConditionIDs, req.Batch)
		if err != nil {
			if errutil.IsCode(err, errutil.StatusInternal) || errutil.IsCode(err, errutil.StatusUnknown) {
				logger.Error("active check failed",
					zap.String("campaign_id", req.CampaignID),
					zap.String("user_id", req.UserID),
					zap.String("channel", middleware.GetChannel(r.Context())),
					zap.Error(err),
				)
			}
			writeError(w, err)
			return
		}

		resp := checkResponse{Issued: make([]issuedAward, 0, len(issued))}
		for _, a := range issued {
			resp.Issued = append(resp.Issued, issuedAward{
				RecordID:     a.RecordID,
				CheckID:      a.CheckID,
				AwardID:      a.AwardID,
				Qty:          a.Qty,
				ValidityDays: a.ValidityDays,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

func registerRecordEndpoints(mux *http.ServeMux, grants *grant.Service) {
	mux.HandleFunc("GET /api/v1/users/{userID}/records", func(w http.ResponseWriter, r *http.Request) {
		userID := r.PathValue("userID")
		if userID == "" {
			writeError(w, errutil.Validation("userID is required"))
			return
		}

		p := pagination.Pagination{Cursor: r.URL.Query().Get("cursor")}
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, errutil.Validation("limit must be an integer"))
				return
			}
			p.Limit = limit
		}

		records, page, err := grants.ListRecords(r.Context(), userID, p)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"records":   records,
			"page_info": page,
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	code := errutil.Code(err)
	writeJSON(w, httpStatus(code), errorResponse{Code: code, Message: err.Error()})
}

func httpStatus(code errutil.CoreStatus) int {
	switch code {
	case errutil.StatusValidation:
		return http.StatusBadRequest
	case errutil.StatusNotFound:
		return http.StatusNotFound
	case errutil.StatusPrecondition:
		return http.StatusUnprocessableEntity
	case errutil.StatusConcurrency:
		return http.StatusConflict
	case errutil.StatusTimeout:
		return http.StatusGatewayTimeout
	case errutil.StatusDispatch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
