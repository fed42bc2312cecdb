package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"relivre/internal/app"
	"relivre/internal/ratelimit"
)

func newMarketUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login_check", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "Invalid credentials."})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok-" + req.Username})
	})
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer tok-") {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "unauthorized"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 7, "email": "u@example.com"})
	})
	mux.HandleFunc("/books/42", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    42,
			"title": "Vingt mille lieues sous les mers",
			"price": 1250,
			"image": "covers/42.jpg",
		})
	})
	mux.HandleFunc("/books/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "Not Found"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type testEnv struct {
	base   string
	client *http.Client
}

func newTestEnv(t *testing.T, loginLimit int) testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	application := app.New(newMarketUpstream(t).URL, redisClient)

	var loginLimiter *ratelimit.FixedWindowLimiter
	if loginLimit > 0 {
		var err error
		loginLimiter, err = ratelimit.NewFixedWindowLimiter(redisClient, "test:ratelimit:login", loginLimit, time.Minute)
		if err != nil {
			t.Fatalf("new limiter: %v", err)
		}
	}

	srv, err := New(Config{App: application, LoginLimiter: loginLimiter})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("new cookie jar: %v", err)
	}
	return testEnv{base: ts.URL, client: &http.Client{Jar: jar}}
}

func (e testEnv) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := e.client.Post(e.base+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.base+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestLoginIssuesSessionCookieAndAuthenticates(t *testing.T) {
	env := newTestEnv(t, 0)

	resp := env.postJSON(t, "/api/session/login", map[string]any{
		"email":    "u@example.com",
		"password": "good",
		"remember": true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login expected 200, got %d", resp.StatusCode)
	}
	var state struct {
		Authenticated bool `json:"authenticated"`
		User          *struct {
			ID    int64  `json:"id"`
			Email string `json:"email"`
		} `json:"user"`
	}
	decodeBody(t, resp, &state)
	if !state.Authenticated || state.User == nil || state.User.ID != 7 {
		t.Fatalf("unexpected session state: %+v", state)
	}

	// The cookie jar carries the session id, so the state endpoint
	// must see the same signed-in visitor.
	resp2, err := env.client.Get(env.base + "/api/session")
	if err != nil {
		t.Fatalf("session state: %v", err)
	}
	var state2 struct {
		Authenticated bool `json:"authenticated"`
	}
	decodeBody(t, resp2, &state2)
	if !state2.Authenticated {
		t.Fatal("expected authenticated state on follow-up request")
	}
}

func TestLoginFailurePublishesErrorState(t *testing.T) {
	env := newTestEnv(t, 0)

	resp := env.postJSON(t, "/api/session/login", map[string]any{
		"email":    "u@example.com",
		"password": "bad",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("failed login expected 401, got %d", resp.StatusCode)
	}
	var state struct {
		Authenticated bool   `json:"authenticated"`
		Error         string `json:"error"`
	}
	decodeBody(t, resp, &state)
	if state.Authenticated {
		t.Fatal("failed login must not authenticate")
	}
	if state.Error != "Invalid credentials." {
		t.Fatalf("expected upstream message, got %q", state.Error)
	}
}

func TestLoginRateLimit(t *testing.T) {
	env := newTestEnv(t, 1)

	body := map[string]any{"email": "u@example.com", "password": "good"}
	resp1 := env.postJSON(t, "/api/session/login", body)
	resp1.Body.Close()
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("first request expected 200, got %d", resp1.StatusCode)
	}
	resp2 := env.postJSON(t, "/api/session/login", body)
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request expected 429, got %d", resp2.StatusCode)
	}
	if got := resp2.Header.Get("Retry-After"); got != "60" {
		t.Fatalf("expected Retry-After 60, got %q", got)
	}
}

func TestCartLifecycle(t *testing.T) {
	env := newTestEnv(t, 0)

	resp := env.postJSON(t, "/api/cart/items", map[string]any{
		"id": 42, "title": "Bel-Ami", "price": 900, "quantity": 2,
	})
	var state struct {
		Items []struct {
			ID       int64 `json:"id"`
			Quantity int   `json:"quantity"`
		} `json:"items"`
		TotalItems int   `json:"totalItems"`
		TotalPrice int64 `json:"totalPrice"`
	}
	decodeBody(t, resp, &state)
	if state.TotalItems != 2 || state.TotalPrice != 1800 {
		t.Fatalf("unexpected totals after add: %+v", state)
	}

	resp = env.do(t, http.MethodPatch, "/api/cart/items/42", map[string]any{"quantity": 1})
	decodeBody(t, resp, &state)
	if state.TotalItems != 1 || state.TotalPrice != 900 {
		t.Fatalf("unexpected totals after update: %+v", state)
	}

	resp = env.do(t, http.MethodDelete, "/api/cart/items/42", nil)
	decodeBody(t, resp, &state)
	if len(state.Items) != 0 {
		t.Fatalf("expected empty cart after remove, got %+v", state.Items)
	}
}

func TestCartsAreScopedPerVisitor(t *testing.T) {
	env := newTestEnv(t, 0)

	resp := env.postJSON(t, "/api/cart/items", map[string]any{
		"id": 1, "title": "Candide", "price": 400, "quantity": 1,
	})
	resp.Body.Close()

	// A client without the cookie gets its own empty cart.
	other, err := http.Get(env.base + "/api/cart")
	if err != nil {
		t.Fatalf("other visitor cart: %v", err)
	}
	var state struct {
		TotalItems int `json:"totalItems"`
	}
	decodeBody(t, other, &state)
	if state.TotalItems != 0 {
		t.Fatalf("expected empty cart for new visitor, got %d items", state.TotalItems)
	}
}

func TestBookByID(t *testing.T) {
	env := newTestEnv(t, 0)

	resp, err := env.client.Get(env.base + "/api/books/42")
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	var book struct {
		ID    int64  `json:"id"`
		Image string `json:"image"`
	}
	decodeBody(t, resp, &book)
	if book.ID != 42 {
		t.Fatalf("unexpected book id %d", book.ID)
	}
	if !strings.HasPrefix(book.Image, "/") {
		t.Fatalf("expected normalized image path, got %q", book.Image)
	}

	missing, err := env.client.Get(env.base + "/api/books/999")
	if err != nil {
		t.Fatalf("get missing book: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing book expected 404, got %d", missing.StatusCode)
	}
}

func TestLoginAgainstUnreachableUpstreamIsBadGateway(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	// Port 1 refuses connections, so the failure is pure transport.
	application := app.New("http://127.0.0.1:1", redisClient)
	srv, err := New(Config{App: application})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	body, _ := json.Marshal(map[string]any{"email": "u@example.com", "password": "pw"})
	resp, err := http.Post(ts.URL+"/api/session/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("transport failure expected 502, got %d", resp.StatusCode)
	}
	var state struct {
		Authenticated bool `json:"authenticated"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if state.Authenticated {
		t.Fatal("transport failure must not authenticate")
	}
}

func TestSearchForwardsArbitraryFiltersAndPinsPageSize(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	var seen url.Values
	mux := http.NewServeMux()
	mux.HandleFunc("/books", func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.Query()
		_ = json.NewEncoder(w).Encode(map[string]any{"member": []any{}, "totalItems": 0})
	})
	upstream := httptest.NewServer(mux)
	t.Cleanup(upstream.Close)

	application := app.New(upstream.URL, redisClient)
	srv, err := New(Config{App: application})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/api/books?title=zola&page=2&seller.lastName=Dupont&order%5Bprice%5D=asc&itemsPerPage=100")
	if err != nil {
		t.Fatalf("search request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search expected 200, got %d", resp.StatusCode)
	}

	if got := seen.Get("seller.lastName"); got != "Dupont" {
		t.Fatalf("expected arbitrary filter forwarded, got %q", got)
	}
	if got := seen.Get("order[price]"); got != "asc" {
		t.Fatalf("expected order filter forwarded, got %q", got)
	}
	if got := seen.Get("title"); got != "zola" {
		t.Fatalf("expected title forwarded, got %q", got)
	}
	if got := seen.Get("page"); got != "2" {
		t.Fatalf("expected page forwarded, got %q", got)
	}
	if got := seen.Get("itemsPerPage"); got != "12" {
		t.Fatalf("page size must stay under this layer's control, got %q", got)
	}
}

func TestCreateListingRequiresAuth(t *testing.T) {
	env := newTestEnv(t, 0)

	resp := env.postJSON(t, "/api/books", map[string]any{"title": "x"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous listing, got %d", resp.StatusCode)
	}
}
