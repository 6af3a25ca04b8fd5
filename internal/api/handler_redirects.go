package api

import (
	"net/http"

	"github.com/rediflare/rediflare/internal/model"
	"github.com/rediflare/rediflare/internal/service"
)

// listResponse is the envelope shared by all rule-management endpoints:
// every mutation answers with the tenant's fresh listing.
type listResponse struct {
	Data model.RuleListing `json:"data"`
}

// HandleListRedirects serves GET /v1/redirects.List.
func HandleListRedirects(cp *service.ControlPlaneService) TenantHandler {
	return func(w http.ResponseWriter, r *http.Request, tenantID string) {
		listing, err := cp.List(r.Context(), tenantID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, listResponse{Data: listing})
	}
}

// HandleUpsertRedirect serves POST /v1/redirects.Upsert.
func HandleUpsertRedirect(cp *service.ControlPlaneService) TenantHandler {
	return func(w http.ResponseWriter, r *http.Request, tenantID string) {
		var params service.UpsertParams
		if err := DecodeBody(r, &params); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		listing, err := cp.Upsert(r.Context(), tenantID, params)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, listResponse{Data: listing})
	}
}

// deleteParams is the request payload for POST /v1/redirects.Delete.
type deleteParams struct {
	RuleURL string `json:"ruleUrl"`
}

// HandleDeleteRedirect serves POST /v1/redirects.Delete.
func HandleDeleteRedirect(cp *service.ControlPlaneService) TenantHandler {
	return func(w http.ResponseWriter, r *http.Request, tenantID string) {
		var params deleteParams
		if err := DecodeBody(r, &params); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		listing, err := cp.Delete(r.Context(), tenantID, params.RuleURL)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, listResponse{Data: listing})
	}
}
