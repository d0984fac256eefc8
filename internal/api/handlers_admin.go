package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"minicdp/internal/decision"
	"minicdp/internal/dsl"
	"minicdp/internal/store"
)

// definitionKind wires one definition family (traits, segments, flags)
// into the shared CRUD handlers. The families differ only in the JSON
// field that carries the expression, the validator, and the store calls.
type definitionKind struct {
	plural   string
	singular string
	field    string // "expression" or "rule"
	validate func(string) dsl.ValidationResult

	createFn func(ctx context.Context, key, expr string) (interface{}, error)
	listFn   func(ctx context.Context) (interface{}, error)
	updateFn func(ctx context.Context, key, expr string) (interface{}, error)
	deleteFn func(ctx context.Context, key string) error

	create, list, update, del http.HandlerFunc
}

func definitionKinds(s *Server) []*definitionKind {
	kinds := []*definitionKind{
		{
			plural: "traits", singular: "trait", field: "expression",
			validate: dsl.Validate,
			createFn: func(ctx context.Context, key, expr string) (interface{}, error) {
				return s.ds.CreateTraitDefinition(ctx, key, expr)
			},
			listFn: func(ctx context.Context) (interface{}, error) {
				return s.ds.ListTraitDefinitions(ctx)
			},
			updateFn: func(ctx context.Context, key, expr string) (interface{}, error) {
				return s.ds.UpdateTraitDefinition(ctx, key, expr)
			},
			deleteFn: func(ctx context.Context, key string) error {
				if err := s.ds.DeleteTraitDefinition(ctx, key); err != nil {
					return err
				}
				// Stored trait rows are gone, so any cached decision that
				// read them is stale.
				s.engine.Cache().Clear()
				return nil
			},
		},
		{
			plural: "segments", singular: "segment", field: "rule",
			validate: dsl.Validate,
			createFn: func(ctx context.Context, key, expr string) (interface{}, error) {
				return s.ds.CreateSegmentDefinition(ctx, key, expr)
			},
			listFn: func(ctx context.Context) (interface{}, error) {
				return s.ds.ListSegmentDefinitions(ctx)
			},
			updateFn: func(ctx context.Context, key, expr string) (interface{}, error) {
				return s.ds.UpdateSegmentDefinition(ctx, key, expr)
			},
			deleteFn: func(ctx context.Context, key string) error {
				if err := s.ds.DeleteSegmentDefinition(ctx, key); err != nil {
					return err
				}
				s.engine.Cache().Clear()
				return nil
			},
		},
		{
			plural: "flags", singular: "flag", field: "rule",
			validate: decision.ValidateRule,
			createFn: func(ctx context.Context, key, expr string) (interface{}, error) {
				return s.ds.CreateFlagDefinition(ctx, key, expr)
			},
			listFn: func(ctx context.Context) (interface{}, error) {
				return s.ds.ListFlagDefinitions(ctx)
			},
			updateFn: func(ctx context.Context, key, expr string) (interface{}, error) {
				return s.ds.UpdateFlagDefinition(ctx, key, expr)
			},
			deleteFn: func(ctx context.Context, key string) error {
				if err := s.ds.DeleteFlagDefinition(ctx, key); err != nil {
					return err
				}
				s.engine.Cache().InvalidateFlag(key)
				return nil
			},
		},
	}

	for _, d := range kinds {
		d.create = s.handleDefinitionCreate(d)
		d.list = s.handleDefinitionList(d)
		d.update = s.handleDefinitionUpdate(d)
		d.del = s.handleDefinitionDelete(d)
	}
	return kinds
}

type definitionRequest struct {
	Key        string `json:"key"`
	Expression string `json:"expression"`
	Rule       string `json:"rule"`
}

func (req definitionRequest) expr(field string) string {
	if field == "expression" {
		return req.Expression
	}
	return req.Rule
}

func (s *Server) handleDefinitionCreate(d *definitionKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req definitionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, codeBadRequest, "invalid JSON body")
			return
		}
		if !store.ValidKey(req.Key) {
			writeError(w, codeBadRequest, "key must be a non-empty identifier (letters, digits, underscore)")
			return
		}
		expr := req.expr(d.field)
		if result := d.validate(expr); !result.Valid {
			writeErrorDetails(w, codeBadRequest, "invalid "+d.field, result.Error)
			return
		}

		created, err := d.createFn(r.Context(), req.Key, expr)
		if errors.Is(err, store.ErrConflict) {
			writeError(w, codeConflict, d.singular+" key already exists")
			return
		}
		if err != nil {
			s.log.Error("definition create failed", zap.String("kind", d.singular), zap.Error(err))
			writeError(w, codeInternal, "create failed")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{d.singular: created})
	}
}

func (s *Server) handleDefinitionList(d *definitionKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := d.listFn(r.Context())
		if err != nil {
			s.log.Error("definition list failed", zap.String("kind", d.singular), zap.Error(err))
			writeError(w, codeInternal, "list failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{d.plural: items})
	}
}

func (s *Server) handleDefinitionUpdate(d *definitionKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := mux.Vars(r)["key"]
		var req definitionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, codeBadRequest, "invalid JSON body")
			return
		}
		expr := req.expr(d.field)
		if result := d.validate(expr); !result.Valid {
			writeErrorDetails(w, codeBadRequest, "invalid "+d.field, result.Error)
			return
		}

		// Definition edits do not purge the decision cache; stale verdicts
		// age out within the TTL.
		updated, err := d.updateFn(r.Context(), key, expr)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, codeNotFound, d.singular+" not found")
			return
		}
		if err != nil {
			s.log.Error("definition update failed", zap.String("kind", d.singular), zap.Error(err))
			writeError(w, codeInternal, "update failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{d.singular: updated})
	}
}

func (s *Server) handleDefinitionDelete(d *definitionKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := mux.Vars(r)["key"]
		err := d.deleteFn(r.Context(), key)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, codeNotFound, d.singular+" not found")
			return
		}
		if err != nil {
			s.log.Error("definition delete failed", zap.String("kind", d.singular), zap.Error(err))
			writeError(w, codeInternal, "delete failed")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type validateRequest struct {
	Expression string `json:"expression"`
	Type       string `json:"type"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, codeBadRequest, "invalid JSON body")
		return
	}

	var result dsl.ValidationResult
	switch req.Type {
	case "trait", "segment":
		result = dsl.Validate(req.Expression)
	case "flag":
		result = decision.ValidateRule(req.Expression)
	default:
		writeError(w, codeBadRequest, "type must be one of trait, segment, flag")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUserSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	if limit < 1 || limit > 500 || offset < 0 {
		writeError(w, codeBadRequest, "limit must be 1..500 and offset non-negative")
		return
	}

	users, total, err := s.ds.SearchUsers(r.Context(), query, limit, offset)
	if err != nil {
		s.log.Error("user search failed", zap.Error(err))
		writeError(w, codeInternal, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users":   users,
		"total":   total,
		"hasMore": offset+len(users) < total,
	})
}

func (s *Server) handleUserDetail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	user, err := s.ds.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, codeNotFound, "user not found")
		return
	}
	if err != nil {
		s.log.Error("user detail failed", zap.Error(err))
		writeError(w, codeInternal, "lookup failed")
		return
	}

	aliases, err := s.ds.AliasesForUser(ctx, id)
	if err != nil {
		writeError(w, codeInternal, "lookup failed")
		return
	}
	userTraits, err := s.ds.GetUserTraits(ctx, id)
	if err != nil {
		writeError(w, codeInternal, "lookup failed")
		return
	}
	userSegments, err := s.ds.GetUserSegments(ctx, id)
	if err != nil {
		writeError(w, codeInternal, "lookup failed")
		return
	}
	events, err := s.ds.RecentEvents(ctx, id, 20)
	if err != nil {
		writeError(w, codeInternal, "lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":         user,
		"aliases":      aliases,
		"traits":       userTraits,
		"segments":     userSegments,
		"recentEvents": events,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.ds.Metrics(r.Context())
	if err != nil {
		s.log.Error("metrics failed", zap.Error(err))
		writeError(w, codeInternal, "metrics failed")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*store.AggregateMetrics
		DecisionCacheEntries int `json:"decisionCacheEntries"`
	}{metrics, s.engine.Cache().Len()})
}

type createKeyRequest struct {
	Kind store.KeyKind `json:"kind"`
	Key  string        `json:"key"`
}

// handleCreateKey registers a new API key. Only the sha256 of the raw key
// is stored.
func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, codeBadRequest, "invalid JSON body")
		return
	}
	switch req.Kind {
	case store.KeyRead, store.KeyWrite, store.KeyAdmin:
	default:
		writeError(w, codeBadRequest, "kind must be one of read, write, admin")
		return
	}
	if len(req.Key) < 16 {
		writeError(w, codeBadRequest, "key must be at least 16 characters")
		return
	}

	created, err := s.ds.CreateAPIKey(r.Context(), req.Kind, HashKey(req.Key))
	if errors.Is(err, store.ErrConflict) {
		writeError(w, codeConflict, "key already exists")
		return
	}
	if err != nil {
		s.log.Error("key create failed", zap.Error(err))
		writeError(w, codeInternal, "create failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"apiKey": created})
}

// handleRecompute re-runs the trait and segment pipeline for one user,
// for operators repairing stale derived state.
func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.ds.GetUser(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, codeNotFound, "user not found")
			return
		}
		writeError(w, codeInternal, "lookup failed")
		return
	}

	s.orch.Recompute(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}
