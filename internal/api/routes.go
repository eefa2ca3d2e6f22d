package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/invopop/jsonschema"

	"github.com/sunbk201/ruleproxy/internal/factory"
	"github.com/sunbk201/ruleproxy/internal/rule"
)

const maxBodySize = 1 << 20

func (s *APIServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": s.version,
	})
}

func (s *APIServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := *s.cfg
	if cfg.API.Secret != "" {
		cfg.API.Secret = "******"
	}
	if cfg.MITM.Passphrase != "" {
		cfg.MITM.Passphrase = "******"
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *APIServer) handleRules(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]any)
	for _, kind := range s.rules.Kinds() {
		rules, err := s.rules.Get(kind)
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		out[string(kind)] = rules
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *APIServer) kind(w http.ResponseWriter, r *http.Request) (rule.Kind, bool) {
	kind, err := s.rules.Kind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return "", false
	}
	return kind, true
}

func (s *APIServer) handleKindRules(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	rules, err := s.rules.Get(kind)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *APIServer) handleAddRule(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	details, err := readDetails(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	created, err := s.rules.Add(r.Context(), kind, details)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *APIServer) handleModifyRule(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	changes, err := readDetails(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	details, err := s.rules.Modify(r.Context(), kind, chi.URLParam(r, "id"), changes)
	if err != nil {
		// valid fields were applied; report both
		if details != nil && errors.Is(err, factory.ErrInvalid) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error(), "rule": details})
			return
		}
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *APIServer) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	if err := s.rules.Remove(r.Context(), kind, chi.URLParam(r, "id")); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) handleSchema(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	reflector := &jsonschema.Reflector{ExpandedStruct: true, DoNotReference: true}
	schema := reflector.Reflect(rule.DetailsType(kind))
	schema.Title = string(kind)
	writeJSON(w, http.StatusOK, schema)
}

func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeJSON(w, http.StatusOK, map[string]any{"hits": []any{}, "flows": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hits":  s.recorder.Hits.Snapshot(),
		"flows": s.recorder.Flows.Snapshot(),
	})
}

// readDetails decodes an optional JSON object body.
func readDetails(r *http.Request) (map[string]any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	details := map[string]any{}
	if len(body) == 0 {
		return details, nil
	}
	if err := json.Unmarshal(body, &details); err != nil {
		return nil, fmt.Errorf("body must be a JSON object: %w", err)
	}
	return details, nil
}
