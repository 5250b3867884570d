// ABOUTME: HTTP handlers for reading and editing the prompt text assets
// ABOUTME: Thin JSON layer over prompts.Store

package gateway

import (
	"errors"
	"net/http"

	"github.com/2389/coven-relay/internal/prompts"
)

// PromptResponse is the JSON response for GET /api/prompt.
type PromptResponse struct {
	Prompt string `json:"prompt"`
}

// SavePromptRequest is the JSON request body for POST /api/save-prompt.
type SavePromptRequest struct {
	PromptType    string `json:"prompt_type"`
	PromptName    string `json:"prompt_name,omitempty"`
	PromptContent string `json:"prompt_content"`
}

// SubpromptsResponse is the JSON response for GET /api/subprompts.
type SubpromptsResponse struct {
	Prompts []string `json:"prompts"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	t, err := prompts.ParseType(q.Get("prompt_type"))
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	content, err := g.prompts.Get(t, q.Get("prompt_name"))
	if err != nil {
		g.sendPromptError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PromptResponse{Prompt: content})
}

func (g *Gateway) handleSavePrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req SavePromptRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	t, err := prompts.ParseType(req.PromptType)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := g.prompts.Save(t, req.PromptName, req.PromptContent); err != nil {
		g.sendPromptError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "Prompt saved"})
}

func (g *Gateway) handleListSubprompts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	names, err := g.prompts.ListSubprompts()
	if err != nil {
		g.sendPromptError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SubpromptsResponse{Prompts: names})
}

func (g *Gateway) handleCreateSubprompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err := g.prompts.CreateSubprompt(r.URL.Query().Get("prompt_name")); err != nil {
		g.sendPromptError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "Subprompt created"})
}

func (g *Gateway) handleDeleteSubprompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err := g.prompts.DeleteSubprompt(r.URL.Query().Get("prompt_name")); err != nil {
		g.sendPromptError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "Subprompt deleted"})
}

func (g *Gateway) sendPromptError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, prompts.ErrInvalidName), errors.Is(err, prompts.ErrInvalidType):
		sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, prompts.ErrNotFound):
		sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, prompts.ErrExists):
		sendJSONError(w, http.StatusConflict, err.Error())
	default:
		g.logger.Error("prompt operation failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}
