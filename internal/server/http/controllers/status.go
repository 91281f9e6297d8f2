package controllers

import (
	"net/http"
	"strconv"

	"github.com/rzbill/relay/internal/runtime"
)

// StatusController serves health, stats, and read-only inspection endpoints.
type StatusController struct {
	rt *runtime.Runtime
}

// NewStatusController creates a status controller.
func NewStatusController(rt *runtime.Runtime) *StatusController {
	return &StatusController{rt: rt}
}

func (c *StatusController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.rt.CheckHealth(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (c *StatusController) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, c.rt.Pipeline().Stats())
}

func (c *StatusController) handleOnline(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"online": c.rt.Hub().Online()})
}

func (c *StatusController) handleMailboxPeek(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	recipient := r.URL.Query().Get("recipient")
	if recipient == "" {
		writeError(w, http.StatusBadRequest, "missing recipient parameter")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recipient": recipient,
		"entries":   c.rt.Pipeline().MailboxPeek(recipient, limit),
	})
}

func (c *StatusController) handleMailboxRecipients(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recipients": c.rt.Pipeline().OfflineRecipients(),
	})
}

func (c *StatusController) handleRetries(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tickets": c.rt.Pipeline().RetryContents(),
	})
}

func (c *StatusController) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := c.rt.DeadLetters(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}
