package controllers

import (
	"net/http"

	"github.com/rzbill/relay/internal/runtime"
)

// Registry manages all HTTP controllers and registers their routes on a
// single mux.
type Registry struct {
	status   *StatusController
	messages *MessagesController
	admin    *AdminController
}

// NewRegistry creates every controller against the given runtime.
func NewRegistry(rt *runtime.Runtime) *Registry {
	return &Registry{
		status:   NewStatusController(rt),
		messages: NewMessagesController(rt),
		admin:    NewAdminController(rt),
	}
}

// RegisterRoutes wires all controller routes onto mux.
func (r *Registry) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/healthz", r.status.handleHealth)
	mux.HandleFunc("/v1/status", r.status.handleStatus)
	mux.HandleFunc("/v1/online", r.status.handleOnline)
	mux.HandleFunc("/v1/mailbox/peek", r.status.handleMailboxPeek)
	mux.HandleFunc("/v1/mailbox/recipients", r.status.handleMailboxRecipients)
	mux.HandleFunc("/v1/retries", r.status.handleRetries)
	mux.HandleFunc("/v1/deadletters", r.status.handleDeadLetters)
	mux.HandleFunc("/v1/messages", r.messages.handleSubmit)
	mux.HandleFunc("/v1/admin/batch/flush", r.admin.handleBatchFlush)
	mux.HandleFunc("/v1/admin/retry/flush", r.admin.handleRetryFlush)
	mux.HandleFunc("/v1/admin/mailbox/clear", r.admin.handleMailboxClear)
	mux.HandleFunc("/v1/admin/clear", r.admin.handleClearAll)
}
