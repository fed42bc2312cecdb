package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"relivre/internal/app"
	"relivre/internal/catalog"
	"relivre/internal/marketclient"
	"relivre/internal/ratelimit"
	"relivre/internal/session"
	"relivre/internal/util"
	"relivre/pkg/domain"
)

const sessionCookieMaxAge = 365 * 24 * 60 * 60

// Config wires required dependencies for the HTTP server.
type Config struct {
	App               *app.App
	SessionCookieName string
	TrustedProxies    *util.TrustedProxies
	LoginLimiter      *ratelimit.FixedWindowLimiter
	RegisterLimiter   *ratelimit.FixedWindowLimiter
}

// Server exposes the storefront HTTP API.
type Server struct {
	app             *app.App
	cookieName      string
	trustedProxies  *util.TrustedProxies
	loginLimiter    *ratelimit.FixedWindowLimiter
	registerLimiter *ratelimit.FixedWindowLimiter
	router          chi.Router
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires an app")
	}
	cookieName := strings.TrimSpace(cfg.SessionCookieName)
	if cookieName == "" {
		cookieName = "relivre_sid"
	}
	s := &Server{
		app:             cfg.App,
		cookieName:      cookieName,
		trustedProxies:  cfg.TrustedProxies,
		loginLimiter:    cfg.LoginLimiter,
		registerLimiter: cfg.RegisterLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.router))))
}

func (s *Server) routes() {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/session", func(r chi.Router) {
			r.Use(s.withVisitor)
			r.Get("/", s.handleSessionState)
			r.Post("/login", s.handleLogin)
			r.Post("/register", s.handleRegister)
			r.Post("/logout", s.handleLogout)
			r.Post("/refresh", s.handleRefresh)
		})

		r.Route("/cart", func(r chi.Router) {
			r.Use(s.withVisitor)
			r.Get("/", s.handleCartState)
			r.Delete("/", s.handleCartClear)
			r.Post("/items", s.handleCartAdd)
			r.Patch("/items/{id}", s.handleCartUpdate)
			r.Delete("/items/{id}", s.handleCartRemove)
		})

		r.Route("/books", func(r chi.Router) {
			r.Get("/", s.handleSearchBooks)
			r.Get("/latest", s.handleLatestBooks)
			r.Get("/{id}", s.handleBookByID)
			r.Get("/{id}/related", s.handleRelatedBooks)
			r.With(s.withVisitor).Post("/", s.handleCreateListing)
		})

		r.Get("/categories", s.handleCategories)
		r.Get("/states", s.handleStates)
		r.Get("/listing-form", s.handleListingForm)
		r.With(s.withVisitor).Patch("/profile", s.handleUpdateProfile)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// visitor plumbing

type visitorContextKey struct{}

// withVisitor resolves the per-browser state from the session cookie,
// issuing a fresh id when none is present.
func (s *Server) withVisitor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := ""
		if cookie, err := r.Cookie(s.cookieName); err == nil {
			sessionID = strings.TrimSpace(cookie.Value)
		}
		if sessionID == "" {
			sessionID = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     s.cookieName,
				Value:    sessionID,
				Path:     "/",
				MaxAge:   sessionCookieMaxAge,
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		visitor := s.app.Visitor(sessionID)
		ctx := context.WithValue(r.Context(), visitorContextKey{}, visitor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func visitorFrom(r *http.Request) *app.Visitor {
	v, _ := r.Context().Value(visitorContextKey{}).(*app.Visitor)
	return v
}

// session handlers

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

type registerRequest struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	FirstName      string `json:"firstName"`
	LastName       string `json:"lastName"`
	PhoneNumber    string `json:"phoneNumber"`
	Description    string `json:"description"`
	Seller         bool   `json:"seller"`
	CompanyName    string `json:"companyName"`
	CompanyAddress string `json:"companyAddress"`
}

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, visitorFrom(r).Session.Snapshot())
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "storefront.login", "rate_limited")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}
	visitor := visitorFrom(r)
	if err := visitor.Session.Login(req.Email, req.Password, req.Remember); err != nil {
		s.audit(r, "storefront.login", "fail")
		writeJSON(w, statusForSessionError(err), visitor.Session.Snapshot())
		return
	}
	s.audit(r, "storefront.login", "success")
	writeJSON(w, http.StatusOK, visitor.Session.Snapshot())
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.registerLimiter, "too many registration attempts") {
		s.audit(r, "storefront.register", "rate_limited")
		return
	}
	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}
	visitor := visitorFrom(r)
	err := visitor.Session.Register(session.Profile{
		Email:          req.Email,
		Password:       req.Password,
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		PhoneNumber:    req.PhoneNumber,
		Description:    req.Description,
		Seller:         req.Seller,
		CompanyName:    req.CompanyName,
		CompanyAddress: req.CompanyAddress,
	})
	if err != nil {
		s.audit(r, "storefront.register", "fail")
		writeJSON(w, statusForSessionError(err), visitor.Session.Snapshot())
		return
	}
	s.audit(r, "storefront.register", "success")
	writeJSON(w, http.StatusCreated, visitor.Session.Snapshot())
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	visitorFrom(r).Session.Logout()
	s.audit(r, "storefront.logout", "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	visitor := visitorFrom(r)
	if err := visitor.Session.RefreshUser(); err != nil {
		writeJSON(w, http.StatusUnauthorized, visitor.Session.Snapshot())
		return
	}
	writeJSON(w, http.StatusOK, visitor.Session.Snapshot())
}

// cart handlers

type cartItemRequest struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Price    int64  `json:"price"`
	Image    string `json:"image"`
	Quantity int    `json:"quantity"`
}

type cartQuantityRequest struct {
	Quantity int `json:"quantity"`
}

type cartResponse struct {
	Items      []domain.CartItem `json:"items"`
	TotalItems int               `json:"totalItems"`
	TotalPrice int64             `json:"totalPrice"`
}

func cartState(v *app.Visitor) cartResponse {
	return cartResponse{
		Items:      v.Cart.Items(),
		TotalItems: v.Cart.TotalItems(),
		TotalPrice: v.Cart.TotalPrice(),
	}
}

func (s *Server) handleCartState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cartState(visitorFrom(r)))
}

func (s *Server) handleCartAdd(w http.ResponseWriter, r *http.Request) {
	var req cartItemRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID <= 0 || req.Title == "" {
		writeError(w, http.StatusBadRequest, "id and title are required")
		return
	}
	visitor := visitorFrom(r)
	visitor.Cart.AddItem(domain.CartItem{
		ID:       req.ID,
		Title:    req.Title,
		Price:    req.Price,
		Image:    req.Image,
		Quantity: req.Quantity,
	})
	writeJSON(w, http.StatusOK, cartState(visitor))
}

func (s *Server) handleCartUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req cartQuantityRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	visitor := visitorFrom(r)
	visitor.Cart.UpdateQuantity(id, req.Quantity)
	writeJSON(w, http.StatusOK, cartState(visitor))
}

func (s *Server) handleCartRemove(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	visitor := visitorFrom(r)
	visitor.Cart.RemoveItem(id)
	writeJSON(w, http.StatusOK, cartState(visitor))
}

func (s *Server) handleCartClear(w http.ResponseWriter, r *http.Request) {
	visitor := visitorFrom(r)
	visitor.Cart.Clear()
	writeJSON(w, http.StatusOK, cartState(visitor))
}

// catalog handlers

func (s *Server) handleLatestBooks(w http.ResponseWriter, r *http.Request) {
	books := s.app.Catalog.LatestBooks()
	writeJSON(w, http.StatusOK, map[string]any{
		"books": books,
		"count": len(books),
	})
}

func (s *Server) handleSearchBooks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, _ := strconv.Atoi(query.Get("page"))
	// Every other query pair is forwarded as a filter; paging stays under
	// this layer's control.
	filters := map[string]string{}
	for key, values := range query {
		switch key {
		case "title", "page", "itemsPerPage":
			continue
		}
		if len(values) > 0 && values[0] != "" {
			filters[key] = values[0]
		}
	}
	writeJSON(w, http.StatusOK, s.app.Catalog.SearchBooks(query.Get("title"), page, filters))
}

func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	book := s.app.Catalog.BookByID(id)
	if book == nil {
		writeError(w, http.StatusNotFound, "book not found")
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleRelatedBooks(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	books := s.app.Catalog.OtherBooksBySeller(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"books": books,
		"count": len(books),
	})
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.app.Catalog.Categories()
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": categories})
}

func (s *Server) handleStates(w http.ResponseWriter, r *http.Request) {
	states, err := s.app.Catalog.States()
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"states": states})
}

func (s *Server) handleListingForm(w http.ResponseWriter, r *http.Request) {
	form, err := s.app.Catalog.ListingFormData()
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, form)
}

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	visitor := visitorFrom(r)
	token := visitor.Session.Token()
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	draft, err := draftFromForm(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	book, err := s.app.Catalog.CreateListing(token, draft)
	if err != nil {
		var fieldErrs catalog.ValidationErrors
		if errors.As(err, &fieldErrs) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"errors": fieldErrs})
			return
		}
		writeMarketError(w, err)
		return
	}
	s.audit(r, "storefront.listing.create", "success", "book_id", book.ID)
	writeJSON(w, http.StatusCreated, book)
}

func draftFromForm(r *http.Request) (catalog.ListingDraft, error) {
	price, err := strconv.ParseInt(strings.TrimSpace(r.FormValue("price")), 10, 64)
	if err != nil {
		return catalog.ListingDraft{}, errors.New("price must be an integer amount of cents")
	}
	stateID, _ := strconv.ParseInt(strings.TrimSpace(r.FormValue("state")), 10, 64)
	var categoryIDs []int64
	for _, raw := range r.Form["categories"] {
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return catalog.ListingDraft{}, errors.New("categories must be numeric ids")
		}
		categoryIDs = append(categoryIDs, id)
	}
	draft := catalog.ListingDraft{
		Title:            strings.TrimSpace(r.FormValue("title")),
		Author:           strings.TrimSpace(r.FormValue("author")),
		ShortDescription: strings.TrimSpace(r.FormValue("shortDescription")),
		Description:      strings.TrimSpace(r.FormValue("description")),
		Price:            price,
		CategoryIDs:      categoryIDs,
		StateID:          stateID,
	}
	file, header, err := r.FormFile("image")
	if err == nil {
		draft.Image = file
		draft.ImageName = header.Filename
		draft.ImageSize = header.Size
		draft.ImageType = header.Header.Get("Content-Type")
	}
	return draft, nil
}

// profile handler

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	visitor := visitorFrom(r)
	user := visitor.Session.CurrentUser()
	token := visitor.Session.Token()
	if user == nil || token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var fields map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(fields) == 0 {
		writeError(w, http.StatusBadRequest, "no fields to update")
		return
	}
	updated, err := s.app.Catalog.UpdateProfile(token, user.ID, fields)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	// Keep the session's cached user in sync with the server.
	if err := visitor.Session.RefreshUser(); err != nil {
		slog.Warn("profile refresh after update failed", "err", err)
	}
	writeJSON(w, http.StatusOK, updated)
}

// helpers

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// statusForSessionError maps an auth failure to a response status: the
// upstream's own 4xx when it rejected the request, 502 for everything else
// so a transport failure never reads as bad credentials.
func statusForSessionError(err error) int {
	var apiErr *marketclient.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status >= 400 && apiErr.Status < 500 {
			return apiErr.Status
		}
	}
	return http.StatusBadGateway
}

func writeMarketError(w http.ResponseWriter, err error) {
	var apiErr *marketclient.APIError
	if errors.As(err, &apiErr) {
		status := apiErr.Status
		if status < 400 {
			status = http.StatusBadGateway
		}
		writeError(w, status, apiErr.Message)
		return
	}
	writeError(w, http.StatusBadGateway, "market service unavailable")
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	if limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
		"request_id", util.RequestIDFromRequest(r),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
