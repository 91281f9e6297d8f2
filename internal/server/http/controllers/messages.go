package controllers

import (
	"errors"
	"net/http"

	"github.com/rzbill/relay/internal/message"
	"github.com/rzbill/relay/internal/pipeline"
	"github.com/rzbill/relay/internal/runtime"
)

// MessagesController handles message submission over plain HTTP, mirroring
// what the websocket gateway accepts.
type MessagesController struct {
	rt *runtime.Runtime
}

// NewMessagesController creates a messages controller.
func NewMessagesController(rt *runtime.Runtime) *MessagesController {
	return &MessagesController{rt: rt}
}

type submitReq struct {
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Recipient string `json:"recipient"`
	Tier      int    `json:"tier"`
}

func (c *MessagesController) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	var manual *message.Tier
	if req.Tier != 0 {
		t, err := message.ParseTier(req.Tier)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		manual = &t
	}

	msg, err := c.rt.Pipeline().Submit(req.Sender, req.Text, req.Recipient, manual)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrNoSender), errors.Is(err, pipeline.ErrEmptyText):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}
