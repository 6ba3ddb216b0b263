package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
	"github.com/knnlabs/Conduit-sub015/internal/app"
)

// AdminStore is the persistence surface behind the management API.
// Implemented by the sqlite store.
type AdminStore interface {
	ListProviders(ctx context.Context) ([]*conduit.ProviderConfig, error)
	CreateProvider(ctx context.Context, p *conduit.ProviderConfig) error
	GetProvider(ctx context.Context, id string) (*conduit.ProviderConfig, error)
	UpdateProvider(ctx context.Context, p *conduit.ProviderConfig) error
	DeleteProvider(ctx context.Context, id string) error
	CreateProviderKey(ctx context.Context, k *conduit.ProviderKey) error
	DeleteProviderKey(ctx context.Context, id string) error

	ListMappings(ctx context.Context) ([]*conduit.ModelMapping, error)
	GetMapping(ctx context.Context, id string) (*conduit.ModelMapping, error)
	CreateMapping(ctx context.Context, m *conduit.ModelMapping) error
	UpdateMapping(ctx context.Context, m *conduit.ModelMapping) error
	DeleteMapping(ctx context.Context, id string) error

	ListCosts(ctx context.Context) ([]*conduit.ModelCost, error)
	CreateCost(ctx context.Context, c *conduit.ModelCost) error
	DeleteCost(ctx context.Context, id string) error

	CreateGroup(ctx context.Context, g *conduit.VirtualKeyGroup) error
	GetGroup(ctx context.Context, id string) (*conduit.VirtualKeyGroup, error)
	AddCredits(ctx context.Context, groupID string, amount decimal.Decimal) error

	ListVirtualKeys(ctx context.Context, offset, limit int) ([]*conduit.VirtualKey, error)
	GetVirtualKey(ctx context.Context, id string) (*conduit.VirtualKey, error)
	UpdateVirtualKey(ctx context.Context, k *conduit.VirtualKey) error

	QueryUsage(ctx context.Context, f conduit.UsageFilter) ([]*conduit.UsageRecord, error)
}

// RouteInvalidator drops the cached candidates for an alias after a
// mapping mutation. Implemented by *router.Router.
type RouteInvalidator interface {
	Invalidate(alias string)
}

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// adminAuth guards the management API with a constant-time X-API-Key check.
func (s *server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-API-Key")
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.deps.AdminKey)) != 1 {
			writeError(w, fmt.Errorf("admin key required: %w", conduit.ErrUnauthenticated))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) mountAdminRoutes(r chi.Router) {
	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(s.adminAuth)

		r.Get("/providers", s.handleListProviders)
		r.Post("/providers", s.handleCreateProvider)
		r.Get("/providers/{id}", s.handleGetProvider)
		r.Put("/providers/{id}", s.handleUpdateProvider)
		r.Delete("/providers/{id}", s.handleDeleteProvider)
		r.Post("/providers/{id}/keys", s.handleCreateProviderKey)
		r.Delete("/providers/{id}/keys/{keyID}", s.handleDeleteProviderKey)

		r.Get("/model-mappings", s.handleListMappings)
		r.Post("/model-mappings", s.handleCreateMapping)
		r.Put("/model-mappings/{id}", s.handleUpdateMapping)
		r.Delete("/model-mappings/{id}", s.handleDeleteMapping)

		r.Get("/model-costs", s.handleListCosts)
		r.Post("/model-costs", s.handleCreateCost)
		r.Delete("/model-costs/{id}", s.handleDeleteCost)

		r.Post("/groups", s.handleCreateGroup)
		r.Get("/groups/{id}", s.handleGetGroup)
		r.Post("/groups/{id}/credits", s.handleAddCredits)

		if s.deps.Keys != nil {
			r.Get("/keys", s.handleListKeys)
			r.Post("/keys", s.handleCreateKey)
			r.Get("/keys/{id}", s.handleGetKey)
			r.Put("/keys/{id}", s.handleUpdateKey)
			r.Delete("/keys/{id}", s.handleDeleteKey)
		}

		r.Get("/usage", s.handleQueryUsage)
	})
}

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, fmt.Errorf("invalid request body: %w", conduit.ErrInvalidRequest))
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, conduit.ErrNotFound), errors.Is(err, conduit.ErrInvalidRequest):
		writeError(w, err)
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", conduit.SanitizeLog(err.Error())),
		)
		writeError(w, err)
	}
}

// --- Pagination helpers ---

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// parseExpiresAt parses an optional RFC3339 expires_at string pointer.
// Writes 400 and returns false on invalid format.
func parseExpiresAt(w http.ResponseWriter, raw *string) (*time.Time, bool) {
	if raw == nil {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		writeError(w, fmt.Errorf("invalid expires_at format: %w", conduit.ErrInvalidRequest))
		return nil, false
	}
	return &t, true
}

// --- Providers ---

func (s *server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.deps.Store.ListProviders(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if providers == nil {
		providers = []*conduit.ProviderConfig{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       providers,
		Pagination: pagination{Offset: 0, Limit: len(providers)},
	})
}

func (s *server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var p conduit.ProviderConfig
	if !decodeJSON(w, r, &p) {
		return
	}
	if p.Name == "" || p.Type == "" {
		writeError(w, fmt.Errorf("name and type are required: %w", conduit.ErrInvalidRequest))
		return
	}
	if p.ID == "" {
		p.ID = uuid.Must(uuid.NewV7()).String()
	}
	if err := s.deps.Store.CreateProvider(r.Context(), &p); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/admin/v1/providers/"+p.ID)
	writeJSON(w, http.StatusCreated, p)
}

func (s *server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Store.GetProvider(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var p conduit.ProviderConfig
	if !decodeJSON(w, r, &p) {
		return
	}
	p.ID = id
	if err := s.deps.Store.UpdateProvider(r.Context(), &p); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if s.deps.Providers != nil {
		s.deps.Providers.Evict(id)
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteProvider(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if s.deps.Providers != nil {
		s.deps.Providers.Evict(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// providerKeyCreateRequest carries the secret on create only; it is never
// echoed back.
type providerKeyCreateRequest struct {
	APIKey       string `json:"api_key"`
	BaseURL      string `json:"base_url,omitempty"`
	Organization string `json:"organization,omitempty"`
	Primary      bool   `json:"primary"`
	Enabled      bool   `json:"enabled"`
	AccountGroup string `json:"account_group,omitempty"`
}

func (s *server) handleCreateProviderKey(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "id")
	var req providerKeyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.APIKey == "" {
		writeError(w, fmt.Errorf("api_key is required: %w", conduit.ErrInvalidRequest))
		return
	}
	key := &conduit.ProviderKey{
		ID:           uuid.Must(uuid.NewV7()).String(),
		ProviderID:   providerID,
		APIKey:       req.APIKey,
		BaseURL:      req.BaseURL,
		Organization: req.Organization,
		Primary:      req.Primary,
		Enabled:      req.Enabled,
		AccountGroup: req.AccountGroup,
	}
	if err := s.deps.Store.CreateProviderKey(r.Context(), key); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if s.deps.Providers != nil {
		s.deps.Providers.Evict(providerID)
	}
	writeJSON(w, http.StatusCreated, key)
}

func (s *server) handleDeleteProviderKey(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteProviderKey(r.Context(), chi.URLParam(r, "keyID")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if s.deps.Providers != nil {
		s.deps.Providers.Evict(chi.URLParam(r, "id"))
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Model mappings ---

func (s *server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := s.deps.Store.ListMappings(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if mappings == nil {
		mappings = []*conduit.ModelMapping{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       mappings,
		Pagination: pagination{Offset: 0, Limit: len(mappings)},
	})
}

func (s *server) handleCreateMapping(w http.ResponseWriter, r *http.Request) {
	var m conduit.ModelMapping
	if !decodeJSON(w, r, &m) {
		return
	}
	if m.Alias == "" || m.ProviderID == "" || m.ProviderModelID == "" {
		writeError(w, fmt.Errorf("alias, provider_id, and provider_model_id are required: %w", conduit.ErrInvalidRequest))
		return
	}
	if m.ID == "" {
		m.ID = uuid.Must(uuid.NewV7()).String()
	}
	if err := s.deps.Store.CreateMapping(r.Context(), &m); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.invalidateRoute(m.Alias)
	w.Header().Set("Location", "/admin/v1/model-mappings/"+m.ID)
	writeJSON(w, http.StatusCreated, m)
}

func (s *server) handleUpdateMapping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var m conduit.ModelMapping
	if !decodeJSON(w, r, &m) {
		return
	}
	m.ID = id
	// Invalidate the old alias too in case the mapping moved.
	if old, err := s.deps.Store.GetMapping(r.Context(), id); err == nil {
		s.invalidateRoute(old.Alias)
	}
	if err := s.deps.Store.UpdateMapping(r.Context(), &m); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.invalidateRoute(m.Alias)
	writeJSON(w, http.StatusOK, m)
}

func (s *server) handleDeleteMapping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if old, err := s.deps.Store.GetMapping(r.Context(), id); err == nil {
		defer s.invalidateRoute(old.Alias)
	}
	if err := s.deps.Store.DeleteMapping(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) invalidateRoute(alias string) {
	if inv, ok := s.deps.Routes.(RouteInvalidator); ok && alias != "" {
		inv.Invalidate(alias)
	}
}

// --- Model costs ---

func (s *server) handleListCosts(w http.ResponseWriter, r *http.Request) {
	costs, err := s.deps.Store.ListCosts(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if costs == nil {
		costs = []*conduit.ModelCost{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       costs,
		Pagination: pagination{Offset: 0, Limit: len(costs)},
	})
}

func (s *server) handleCreateCost(w http.ResponseWriter, r *http.Request) {
	var c conduit.ModelCost
	if !decodeJSON(w, r, &c) {
		return
	}
	if c.MappingID == "" || c.PricingModel == "" {
		writeError(w, fmt.Errorf("mapping_id and pricing_model are required: %w", conduit.ErrInvalidRequest))
		return
	}
	if c.ID == "" {
		c.ID = uuid.Must(uuid.NewV7()).String()
	}
	if err := s.deps.Store.CreateCost(r.Context(), &c); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *server) handleDeleteCost(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteCost(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Groups ---

func (s *server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var g conduit.VirtualKeyGroup
	if !decodeJSON(w, r, &g) {
		return
	}
	if g.Name == "" {
		writeError(w, fmt.Errorf("name is required: %w", conduit.ErrInvalidRequest))
		return
	}
	if g.ID == "" {
		g.ID = uuid.Must(uuid.NewV7()).String()
	}
	g.CreatedAt = time.Now().UTC()
	if err := s.deps.Store.CreateGroup(r.Context(), &g); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/admin/v1/groups/"+g.ID)
	writeJSON(w, http.StatusCreated, g)
}

func (s *server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.deps.Store.GetGroup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type creditRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (s *server) handleAddCredits(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req creditRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		writeError(w, fmt.Errorf("amount must be positive: %w", conduit.ErrInvalidRequest))
		return
	}
	if err := s.deps.Store.AddCredits(r.Context(), id, req.Amount); err != nil {
		writeAdminError(w, r, err)
		return
	}
	g, err := s.deps.Store.GetGroup(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// --- Virtual keys ---

// keyCreateRequest is the payload for creating a new virtual key.
type keyCreateRequest struct {
	GroupID       string            `json:"group_id"`
	Name          string            `json:"name,omitempty"`
	AllowedModels []string          `json:"allowed_models,omitempty"`
	RPMLimit      *int64            `json:"rpm_limit,omitempty"`
	RPDLimit      *int64            `json:"rpd_limit,omitempty"`
	ExpiresAt     *string           `json:"expires_at,omitempty"` // RFC3339
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// keyCreateResponse includes the plaintext key (shown only once).
type keyCreateResponse struct {
	*conduit.VirtualKey
	PlaintextKey string `json:"key"`
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	keys, err := s.deps.Store.ListVirtualKeys(r.Context(), offset, limit)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*conduit.VirtualKey{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       keys,
		Pagination: pagination{Offset: offset, Limit: limit},
	})
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	expiresAt, ok := parseExpiresAt(w, req.ExpiresAt)
	if !ok {
		return
	}

	plaintext, key, err := s.deps.Keys.CreateKey(r.Context(), app.CreateKeyOpts{
		GroupID:       req.GroupID,
		Name:          req.Name,
		AllowedModels: req.AllowedModels,
		RPMLimit:      req.RPMLimit,
		RPDLimit:      req.RPDLimit,
		ExpiresAt:     expiresAt,
		Metadata:      req.Metadata,
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	w.Header().Set("Location", "/admin/v1/keys/"+key.ID)
	writeJSON(w, http.StatusCreated, keyCreateResponse{
		VirtualKey:   key,
		PlaintextKey: plaintext,
	})
}

func (s *server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.deps.Store.GetVirtualKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.deps.Store.GetVirtualKey(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	// Decode update payload on top of existing.
	var update struct {
		Name          *string           `json:"name,omitempty"`
		AllowedModels []string          `json:"allowed_models,omitempty"`
		RPMLimit      *int64            `json:"rpm_limit,omitempty"`
		RPDLimit      *int64            `json:"rpd_limit,omitempty"`
		ExpiresAt     *string           `json:"expires_at,omitempty"`
		Disabled      *bool             `json:"disabled,omitempty"`
		Metadata      map[string]string `json:"metadata,omitempty"`
	}
	if !decodeJSON(w, r, &update) {
		return
	}

	if update.Name != nil {
		existing.Name = *update.Name
	}
	if update.AllowedModels != nil {
		existing.AllowedModels = update.AllowedModels
	}
	if update.RPMLimit != nil {
		existing.RPMLimit = update.RPMLimit
	}
	if update.RPDLimit != nil {
		existing.RPDLimit = update.RPDLimit
	}
	if update.ExpiresAt != nil {
		expiresAt, ok := parseExpiresAt(w, update.ExpiresAt)
		if !ok {
			return
		}
		existing.ExpiresAt = expiresAt
	}
	if update.Disabled != nil {
		existing.Disabled = *update.Disabled
	}
	if update.Metadata != nil {
		existing.Metadata = update.Metadata
	}

	if err := s.deps.Store.UpdateVirtualKey(r.Context(), existing); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if s.deps.KeyInvalidator != nil {
		s.deps.KeyInvalidator.InvalidateByKeyID(id)
	}
	writeJSON(w, http.StatusOK, existing)
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Keys.DeleteKey(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if s.deps.KeyInvalidator != nil {
		s.deps.KeyInvalidator.InvalidateByKeyID(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Usage ---

func (s *server) handleQueryUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, limit := parsePagination(r)
	filter := conduit.UsageFilter{
		VirtualKeyID: q.Get("virtual_key_id"),
		GroupID:      q.Get("group_id"),
		ModelAlias:   q.Get("model"),
		Offset:       offset,
		Limit:        limit,
	}
	// Validate RFC3339 upfront: SQLite datetime() silently returns NULL on
	// malformed strings, producing empty results instead of a clear error.
	for param, dst := range map[string]*time.Time{"since": &filter.Since, "until": &filter.Until} {
		if raw := q.Get(param); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, fmt.Errorf("invalid %s format, use RFC3339: %w", param, conduit.ErrInvalidRequest))
				return
			}
			*dst = t
		}
	}

	records, err := s.deps.Store.QueryUsage(r.Context(), filter)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if records == nil {
		records = []*conduit.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       records,
		Pagination: pagination{Offset: offset, Limit: limit},
	})
}
