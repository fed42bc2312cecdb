// Package catalog implements the fetch-and-normalize read paths over the
// marketplace API and the seller-side listing mutations. Read failures
// degrade to empty results with a logged diagnostic: an empty shelf is an
// acceptable page, an error banner is not.
package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"

	"golang.org/x/sync/errgroup"

	"relivre/internal/hydra"
	"relivre/internal/marketclient"
	"relivre/pkg/domain"
)

const (
	// latestBooksPageSize caps the home feed client-side, whatever the
	// server decided to return.
	latestBooksPageSize = 6
	searchPageSize      = 12
	relatedBooksLimit   = 3

	maxImageBytes         = 5 << 20
	maxShortDescription   = 100
	placeholderImageField = hydra.PlaceholderImage
)

var allowedImageTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
	"image/webp": {},
}

// Service exposes the catalog over the remote API.
type Service struct {
	api *marketclient.Client
}

// NewService wires the catalog to the API client.
func NewService(api *marketclient.Client) *Service {
	return &Service{api: api}
}

// LatestBooks returns the newest listings, capped at the documented feed
// size after normalization.
func (s *Service) LatestBooks() []domain.Book {
	query := url.Values{}
	query.Set("page", "1")
	query.Set("itemsPerPage", strconv.Itoa(latestBooksPageSize))
	query.Set("order[createdAt]", "desc")
	payload, err := s.api.ListBooks(query)
	if err != nil {
		slog.Error("latest books fetch failed", "err", err)
		return nil
	}
	books := normalizeCollection(payload)
	if len(books) > latestBooksPageSize {
		books = books[:latestBooksPageSize]
	}
	return books
}

// SearchResult is one catalog page plus the server-reported total.
type SearchResult struct {
	Books []domain.Book `json:"books"`
	Total int           `json:"total"`
}

// SearchBooks queries listings by free-text title plus arbitrary filter
// pairs. Failures degrade to an empty page.
func (s *Service) SearchBooks(title string, page int, filters map[string]string) SearchResult {
	if page < 1 {
		page = 1
	}
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("itemsPerPage", strconv.Itoa(searchPageSize))
	if title != "" {
		query.Set("title", title)
	}
	for key, value := range filters {
		if value != "" {
			query.Set(key, value)
		}
	}
	payload, err := s.api.ListBooks(query)
	if err != nil {
		slog.Error("book search failed", "title", title, "page", page, "err", err)
		return SearchResult{}
	}
	return SearchResult{
		Books: normalizeCollection(payload),
		Total: hydra.TotalItems(payload),
	}
}

// BookByID fetches one book. Nil on 404 or any other failure.
func (s *Service) BookByID(id int64) *domain.Book {
	payload, err := s.api.GetBook(id)
	if err != nil {
		if !marketclient.IsNotFound(err) {
			slog.Error("book fetch failed", "book_id", id, "err", err)
		}
		return nil
	}
	return hydra.NormalizeBook(payload)
}

// OtherBooksBySeller returns up to three more listings from the same seller.
func (s *Service) OtherBooksBySeller(bookID int64) []domain.Book {
	payload, err := s.api.OtherBooks(bookID)
	if err != nil {
		slog.Error("related books fetch failed", "book_id", bookID, "err", err)
		return nil
	}
	books := normalizeCollection(payload)
	if len(books) > relatedBooksLimit {
		books = books[:relatedBooksLimit]
	}
	return books
}

// Categories fetches the category reference data.
func (s *Service) Categories() ([]domain.Category, error) {
	payload, err := s.api.Categories()
	if err != nil {
		return nil, fmt.Errorf("fetch categories: %w", err)
	}
	members := hydra.Members(payload)
	out := make([]domain.Category, 0, len(members))
	for _, raw := range members {
		var c domain.Category
		if err := json.Unmarshal(raw, &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// States fetches the book-condition reference data. Ids are recovered from
// the self-referential "@id" when the resource has no plain id.
func (s *Service) States() ([]domain.State, error) {
	payload, err := s.api.States()
	if err != nil {
		return nil, fmt.Errorf("fetch states: %w", err)
	}
	members := hydra.Members(payload)
	out := make([]domain.State, 0, len(members))
	for _, raw := range members {
		if st := hydra.NormalizeState(raw); st != nil {
			out = append(out, *st)
		}
	}
	return out, nil
}

// ListingForm bundles the reference data the create-listing form needs,
// fetched concurrently.
type ListingForm struct {
	Categories []domain.Category `json:"categories"`
	States     []domain.State    `json:"states"`
}

// ListingFormData fetches categories and states in parallel.
func (s *Service) ListingFormData() (ListingForm, error) {
	var form ListingForm
	g := new(errgroup.Group)
	g.Go(func() error {
		categories, err := s.Categories()
		if err != nil {
			return err
		}
		form.Categories = categories
		return nil
	})
	g.Go(func() error {
		states, err := s.States()
		if err != nil {
			return err
		}
		form.States = states
		return nil
	})
	if err := g.Wait(); err != nil {
		return ListingForm{}, err
	}
	return form, nil
}

// ListingDraft is a new listing before submission.
type ListingDraft struct {
	Title            string
	Author           string
	ShortDescription string
	Description      string
	Price            int64
	CategoryIDs      []int64
	StateID          int64
	ImageName        string
	ImageType        string
	ImageSize        int64
	Image            io.Reader
}

// ValidationErrors maps field names to messages; computed before any network
// call, and a non-empty map blocks submission entirely.
type ValidationErrors map[string]string

func (v ValidationErrors) Error() string {
	for field, msg := range v {
		return field + ": " + msg
	}
	return "invalid listing"
}

// Validate runs the client-side checks for a draft.
func (d ListingDraft) Validate() ValidationErrors {
	errs := ValidationErrors{}
	if d.Title == "" {
		errs["title"] = "title is required"
	}
	if d.Author == "" {
		errs["author"] = "author is required"
	}
	if len(d.CategoryIDs) == 0 {
		errs["categories"] = "select at least one category"
	}
	if d.StateID == 0 {
		errs["state"] = "book condition is required"
	}
	if d.ShortDescription == "" {
		errs["shortDescription"] = "a short summary is required"
	} else if len(d.ShortDescription) > maxShortDescription {
		errs["shortDescription"] = fmt.Sprintf("short summary exceeds %d characters", maxShortDescription)
	}
	if d.Description == "" {
		errs["description"] = "description is required"
	}
	if d.Price <= 0 {
		errs["price"] = "price must be positive"
	}
	if d.Image == nil {
		errs["image"] = "a photo of the book is required"
	} else {
		if _, ok := allowedImageTypes[d.ImageType]; !ok {
			errs["image"] = "unsupported image type"
		}
		if d.ImageSize > maxImageBytes {
			errs["image"] = "image exceeds 5MB"
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// CreateListing validates the draft, posts the listing with IRI-style
// category and state references and a placeholder image, then attaches the
// real image in a second multipart request against the created resource.
func (s *Service) CreateListing(token string, draft ListingDraft) (*domain.Book, error) {
	if errs := draft.Validate(); errs != nil {
		return nil, errs
	}
	categories := make([]string, 0, len(draft.CategoryIDs))
	for _, id := range draft.CategoryIDs {
		categories = append(categories, hydra.CategoryIRI(id))
	}
	body := map[string]any{
		"title":            draft.Title,
		"author":           draft.Author,
		"shortDescription": draft.ShortDescription,
		"description":      draft.Description,
		"price":            draft.Price,
		"categories":       categories,
		"state":            hydra.StateIRI(draft.StateID),
		"image":            placeholderImageField,
	}
	payload, err := s.api.CreateBook(token, body)
	if err != nil {
		return nil, fmt.Errorf("create listing: %w", err)
	}
	created := hydra.NormalizeBook(payload)
	if created == nil {
		return nil, fmt.Errorf("create listing: unreadable response")
	}
	iri := createdIRI(payload, created.ID)
	if err := s.api.UploadBookImage(token, iri, draft.ImageName, draft.Image); err != nil {
		return nil, fmt.Errorf("attach listing image: %w", err)
	}
	return created, nil
}

// UpdateProfile patches the given profile fields via merge-patch.
func (s *Service) UpdateProfile(token string, userID int64, fields map[string]any) (domain.User, error) {
	user, err := s.api.UpdateUser(token, userID, fields)
	if err != nil {
		return domain.User{}, fmt.Errorf("update profile: %w", err)
	}
	return user, nil
}

// createdIRI prefers the resource's own "@id" and falls back to the books
// path built from the numeric id.
func createdIRI(payload []byte, id int64) string {
	var resource struct {
		IRI string `json:"@id"`
	}
	if err := json.Unmarshal(payload, &resource); err == nil && resource.IRI != "" {
		return resource.IRI
	}
	return fmt.Sprintf("/books/%d", id)
}

func normalizeCollection(payload []byte) []domain.Book {
	members := hydra.Members(payload)
	books := make([]domain.Book, 0, len(members))
	for _, raw := range members {
		if book := hydra.NormalizeBook(raw); book != nil {
			books = append(books, *book)
		}
	}
	return books
}
