package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"relivre/internal/marketclient"
)

func newService(t *testing.T, handler http.Handler) *Service {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewService(marketclient.NewClient(srv.URL))
}

func booksPayload(n int) string {
	var sb strings.Builder
	sb.WriteString(`{"member":[`)
	for i := 1; i <= n; i++ {
		if i > 1 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, `{"id":%d,"title":"Book %d","price":100}`, i, i)
	}
	fmt.Fprintf(&sb, `],"totalItems":%d}`, n)
	return sb.String()
}

func TestLatestBooksCapsOversizedServerResponse(t *testing.T) {
	s := newService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/books" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("itemsPerPage"); got != "6" {
			t.Fatalf("unexpected itemsPerPage %q", got)
		}
		// Server ignores the requested page size and sends 15 items.
		_, _ = io.WriteString(w, booksPayload(15))
	}))

	books := s.LatestBooks()
	if len(books) != 6 {
		t.Fatalf("expected client-side cap at 6, got %d", len(books))
	}
	if books[0].ID != 1 {
		t.Fatalf("expected server order preserved, got %+v", books[0])
	}
}

func TestLatestBooksDegradesToEmptyOnFailure(t *testing.T) {
	s := newService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	if books := s.LatestBooks(); len(books) != 0 {
		t.Fatalf("expected empty result, got %d books", len(books))
	}
}

func TestSearchBooksCarriesFiltersAndTotal(t *testing.T) {
	s := newService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("title") != "candide" || q.Get("state") != "3" || q.Get("page") != "2" {
			t.Fatalf("unexpected query %v", q)
		}
		_, _ = io.WriteString(w, `{"hydra:member":[{"id":9,"title":"Candide"}],"hydra:totalItems":41}`)
	}))

	result := s.SearchBooks("candide", 2, map[string]string{"state": "3", "empty": ""})
	if len(result.Books) != 1 || result.Books[0].ID != 9 {
		t.Fatalf("unexpected books: %+v", result.Books)
	}
	if result.Total != 41 {
		t.Fatalf("expected legacy total 41, got %d", result.Total)
	}
}

func TestBookByIDReturnsNilOn404(t *testing.T) {
	s := newService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	if book := s.BookByID(42); book != nil {
		t.Fatalf("expected nil for missing book, got %+v", book)
	}
}

func TestOtherBooksBySellerCapsAtThree(t *testing.T) {
	s := newService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/books/5/public-other-books" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_, _ = io.WriteString(w, booksPayload(7))
	}))

	books := s.OtherBooksBySeller(5)
	if len(books) != 3 {
		t.Fatalf("expected cap at 3, got %d", len(books))
	}
}

func TestStatesExtractIDFromIRI(t *testing.T) {
	s := newService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"hydra:member":[{"@id":"/api/states/1","name":"neuf"},{"@id":"/api/states/4","name":"bon"}]}`)
	}))

	states, err := s.States()
	if err != nil {
		t.Fatalf("states: %v", err)
	}
	if len(states) != 2 || states[0].ID != 1 || states[1].ID != 4 {
		t.Fatalf("unexpected states: %+v", states)
	}
}

func TestListingFormDataFetchesBothCollections(t *testing.T) {
	s := newService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/categories":
			_, _ = io.WriteString(w, `{"member":[{"id":1,"name":"Roman"},{"id":2,"name":"BD"}]}`)
		case "/states":
			_, _ = io.WriteString(w, `{"member":[{"@id":"/api/states/3","name":"bon"}]}`)
		default:
			http.NotFound(w, r)
		}
	}))

	form, err := s.ListingFormData()
	if err != nil {
		t.Fatalf("listing form: %v", err)
	}
	if len(form.Categories) != 2 || len(form.States) != 1 {
		t.Fatalf("unexpected form data: %+v", form)
	}
}

func TestListingFormDataPropagatesFailure(t *testing.T) {
	s := newService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/states" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, `{"member":[]}`)
	}))
	if _, err := s.ListingFormData(); err == nil {
		t.Fatal("expected error when one collection fails")
	}
}

func validDraft() ListingDraft {
	return ListingDraft{
		Title:            "Candide",
		Author:           "Voltaire",
		ShortDescription: "Un conte philosophique.",
		Description:      "Édition de poche en bon état.",
		Price:            450,
		CategoryIDs:      []int64{1, 3},
		StateID:          2,
		ImageName:        "cover.jpg",
		ImageType:        "image/jpeg",
		ImageSize:        1024,
		Image:            strings.NewReader("jpeg-bytes"),
	}
}

func TestListingDraftValidation(t *testing.T) {
	if errs := validDraft().Validate(); errs != nil {
		t.Fatalf("valid draft must pass, got %v", errs)
	}

	draft := validDraft()
	draft.Title = ""
	draft.Price = 0
	errs := draft.Validate()
	if errs == nil {
		t.Fatal("expected validation errors")
	}
	if _, ok := errs["title"]; !ok {
		t.Fatalf("expected title error, got %v", errs)
	}
	if _, ok := errs["price"]; !ok {
		t.Fatalf("expected price error, got %v", errs)
	}

	draft = validDraft()
	draft.ImageSize = 6 << 20
	if errs := draft.Validate(); errs["image"] == "" {
		t.Fatalf("expected image size error, got %v", errs)
	}

	draft = validDraft()
	draft.ImageType = "application/pdf"
	if errs := draft.Validate(); errs["image"] == "" {
		t.Fatalf("expected image type error, got %v", errs)
	}
}

func TestCreateListingRewritesReferencesAndUploadsImage(t *testing.T) {
	var sawCreate, sawUpload bool
	s := newService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/books":
			sawCreate = true
			if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
				t.Fatalf("unexpected auth header %q", got)
			}
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("decode create body: %v", err)
			}
			categories, _ := body["categories"].([]any)
			if len(categories) != 2 || categories[0] != "/api/categories/1" {
				t.Fatalf("expected category IRIs, got %v", body["categories"])
			}
			if body["state"] != "/api/states/2" {
				t.Fatalf("expected state IRI, got %v", body["state"])
			}
			if body["image"] == "" {
				t.Fatal("expected placeholder image in create payload")
			}
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"@id":"/api/books/31","id":31,"title":"Candide"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/api/books/31/image":
			sawUpload = true
			w.WriteHeader(http.StatusCreated)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))

	created, err := s.CreateListing("tok-1", validDraft())
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	if created.ID != 31 {
		t.Fatalf("unexpected created book: %+v", created)
	}
	if !sawCreate || !sawUpload {
		t.Fatalf("expected create then upload, create=%v upload=%v", sawCreate, sawUpload)
	}
}

func TestCreateListingBlocksInvalidDraftBeforeNetwork(t *testing.T) {
	s := newService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no network call may happen for an invalid draft")
	}))
	draft := validDraft()
	draft.Author = ""
	if _, err := s.CreateListing("tok", draft); err == nil {
		t.Fatal("expected validation error")
	}
}
