package controllers

import (
	"net/http"

	"github.com/rzbill/relay/internal/runtime"
)

// AdminController exposes operator actions on the pipeline.
type AdminController struct {
	rt *runtime.Runtime
}

// NewAdminController creates an admin controller.
func NewAdminController(rt *runtime.Runtime) *AdminController {
	return &AdminController{rt: rt}
}

func (c *AdminController) handleBatchFlush(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	n := c.rt.Pipeline().ForceBatchRelease()
	writeJSON(w, http.StatusOK, map[string]int{"released": n})
}

func (c *AdminController) handleRetryFlush(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	n := c.rt.Pipeline().ForceRetryAll()
	writeJSON(w, http.StatusOK, map[string]int{"eligible": n})
}

type clearMailboxReq struct {
	Recipient string `json:"recipient"`
}

func (c *AdminController) handleMailboxClear(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req clearMailboxReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.Recipient == "" {
		writeError(w, http.StatusBadRequest, "missing recipient")
		return
	}
	n := c.rt.Pipeline().ClearRecipientMailbox(req.Recipient)
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (c *AdminController) handleClearAll(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	c.rt.Pipeline().ClearAll()
	w.WriteHeader(http.StatusNoContent)
}
