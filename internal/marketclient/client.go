// Package marketclient calls the remote marketplace REST/Hydra API.
// The contract is consumed, not defined, here: shapes follow whatever the
// backend returns and internal/hydra cleans them up afterwards.
package marketclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"relivre/pkg/domain"
)

const (
	acceptJSON   = "application/json"
	acceptJSONLD = "application/ld+json"
	contentJSON  = "application/json"
	contentLD    = "application/ld+json"
	contentPatch = "application/merge-patch+json"
)

// Client calls the marketplace API over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// APIError represents a non-2xx marketplace API response. Message holds the
// most specific detail the error envelope offered.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// IsNotFound reports whether err is an APIError with HTTP 404.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Status == http.StatusNotFound
}

// IsUnauthorized reports whether err is an APIError with HTTP 401 or 403.
func IsUnauthorized(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden)
}

// NewClient constructs a marketplace API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// LoginCheck exchanges credentials for a bearer token. The LexikJWT-style
// endpoint expects the email under "username".
func (c *Client) LoginCheck(email, password string) (string, error) {
	payload := map[string]string{"username": email, "password": password}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.doJSON(http.MethodPost, "/login_check", "", acceptJSON, contentJSON, payload, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", &APIError{Status: http.StatusBadGateway, Message: "login response carried no token"}
	}
	return resp.Token, nil
}

// Me fetches the current-user resource for the token.
func (c *Client) Me(token string) (domain.User, error) {
	var user domain.User
	if err := c.doJSON(http.MethodGet, "/me", token, acceptJSONLD, "", nil, &user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// RegisterPayload is the registration shape the API expects; field names are
// already mapped from the local profile form.
type RegisterPayload struct {
	Email        string                      `json:"email"`
	Password     string                      `json:"password"`
	FirstName    string                      `json:"firstName"`
	LastName     string                      `json:"lastName"`
	PhoneNumber  string                      `json:"phoneNumber"`
	Description  string                      `json:"description"`
	Professional *domain.ProfessionalDetails `json:"professionnalDetails"`
}

// RegisterResult carries whatever the registration endpoint returned. Token
// is optional; callers fall back to LoginCheck when it is empty.
type RegisterResult struct {
	Token string
	User  domain.User
}

// Register creates a new user account.
func (c *Client) Register(payload RegisterPayload) (RegisterResult, error) {
	var resp struct {
		Token string `json:"token"`
		domain.User
	}
	if err := c.doJSON(http.MethodPost, "/register", "", acceptJSONLD, contentLD, payload, &resp); err != nil {
		return RegisterResult{}, err
	}
	return RegisterResult{Token: resp.Token, User: resp.User}, nil
}

// UpdateUser patches profile fields with merge-patch semantics.
func (c *Client) UpdateUser(token string, userID int64, patch map[string]any) (domain.User, error) {
	var user domain.User
	path := fmt.Sprintf("/users/%d", userID)
	if err := c.doJSON(http.MethodPatch, path, token, acceptJSONLD, contentPatch, patch, &user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// ListBooks fetches a catalog page. The raw envelope is returned for the
// normalizer; query carries page, itemsPerPage, order and filter pairs.
func (c *Client) ListBooks(query url.Values) ([]byte, error) {
	path := "/books"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.getRaw(path, "")
}

// GetBook fetches one book resource.
func (c *Client) GetBook(id int64) ([]byte, error) {
	return c.getRaw(fmt.Sprintf("/books/%d", id), "")
}

// OtherBooks fetches the public listings of the same seller.
func (c *Client) OtherBooks(bookID int64) ([]byte, error) {
	return c.getRaw(fmt.Sprintf("/books/%d/public-other-books", bookID), "")
}

// Categories fetches the category reference collection.
func (c *Client) Categories() ([]byte, error) {
	return c.getRaw("/categories", "")
}

// States fetches the book-condition reference collection.
func (c *Client) States() ([]byte, error) {
	return c.getRaw("/states", "")
}

// CreateBook posts a new listing and returns the raw created resource.
// Category and state references in body must already be IRI paths.
func (c *Client) CreateBook(token string, body map[string]any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/books", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentLD)
	req.Header.Set("Accept", acceptJSONLD)
	addAuthHeader(req, token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, apiErrorFromResponse(resp)
	}
	return io.ReadAll(resp.Body)
}

// UploadBookImage attaches the listing image in a second multipart request
// against the created resource's IRI.
func (c *Client) UploadBookImage(token, bookIRI, filename string, r io.Reader) error {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	target := c.baseURL + c.relativeIRI(bookIRI) + "/image"
	req, err := http.NewRequest(http.MethodPost, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	addAuthHeader(req, token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiErrorFromResponse(resp)
	}
	return nil
}

func (c *Client) getRaw(path, token string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", acceptJSONLD)
	addAuthHeader(req, token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, apiErrorFromResponse(resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) doJSON(method, path, token, accept, contentType string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	addAuthHeader(req, token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiErrorFromResponse(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// apiErrorFromResponse drains the body and picks the most specific detail
// the Hydra error envelope offers: a structured violation message, then the
// detail field, then a plain message, then the HTTP status line. Non-JSON
// bodies fall through to the status line.
func apiErrorFromResponse(resp *http.Response) *APIError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var envelope struct {
		Violations []struct {
			Message string `json:"message"`
		} `json:"violations"`
		Detail           string `json:"detail"`
		HydraDescription string `json:"hydra:description"`
		Message          string `json:"message"`
	}
	msg := ""
	if err := json.Unmarshal(data, &envelope); err == nil {
		switch {
		case len(envelope.Violations) > 0 && envelope.Violations[0].Message != "":
			msg = envelope.Violations[0].Message
		case envelope.Detail != "":
			msg = envelope.Detail
		case envelope.HydraDescription != "":
			msg = envelope.HydraDescription
		case envelope.Message != "":
			msg = envelope.Message
		}
	}
	if msg == "" {
		msg = resp.Status
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

func addAuthHeader(req *http.Request, token string) {
	if strings.TrimSpace(token) == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}

func ensureLeadingSlash(path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	return "/" + path
}

// relativeIRI strips the base URL's path prefix from a server-issued IRI so
// joining the two does not duplicate it.
func (c *Client) relativeIRI(iri string) string {
	iri = ensureLeadingSlash(iri)
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return iri
	}
	if prefix := strings.TrimRight(u.Path, "/"); prefix != "" && strings.HasPrefix(iri, prefix+"/") {
		return strings.TrimPrefix(iri, prefix)
	}
	return iri
}
