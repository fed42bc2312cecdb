// Package hydra decodes the collection envelopes and resource shapes an
// API Platform backend may produce. The API is inconsistent across versions:
// collections arrive as a bare array, as {"member": [...]} or as
// {"hydra:member": [...]}, and nested resources may be embedded objects or
// IRI reference strings. Everything downstream consumes the canonical
// domain shapes produced here.
package hydra

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"relivre/pkg/domain"
)

// PlaceholderImage is substituted when a book has no usable image.
const PlaceholderImage = "/images/book-placeholder.png"

// anonymousSeller is the display name for embedded sellers without a first name.
const anonymousSeller = "Anonymous"

// referencedSeller is the display name synthesized for IRI-only sellers.
const referencedSeller = "Seller"

type envelope struct {
	Member          []json.RawMessage `json:"member"`
	HydraMember     []json.RawMessage `json:"hydra:member"`
	TotalItems      *int              `json:"totalItems"`
	HydraTotalItems *int              `json:"hydra:totalItems"`
}

// Members flattens a collection payload into its resource objects.
// Fallback order: "member", "hydra:member", bare array, empty.
// Unknown shapes yield an empty slice, never an error.
func Members(payload []byte) []json.RawMessage {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err == nil {
		if env.Member != nil {
			return env.Member
		}
		if env.HydraMember != nil {
			return env.HydraMember
		}
	}
	var bare []json.RawMessage
	if err := json.Unmarshal(payload, &bare); err == nil {
		return bare
	}
	return nil
}

// TotalItems extracts the collection total, preferring the standard key
// over the legacy hydra one. Missing or malformed totals yield 0.
func TotalItems(payload []byte) int {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return 0
	}
	if env.TotalItems != nil {
		return *env.TotalItems
	}
	if env.HydraTotalItems != nil {
		return *env.HydraTotalItems
	}
	return 0
}

// bookPayload tolerates the backend's loose field types: numeric ids may be
// quoted, the seller may be an object or an IRI string, timestamps may be
// absent.
type bookPayload struct {
	ID               json.Number       `json:"id"`
	Title            string            `json:"title"`
	Author           string            `json:"author"`
	ShortDescription string            `json:"shortDescription"`
	Description      string            `json:"description"`
	Price            json.Number       `json:"price"`
	Image            string            `json:"image"`
	State            *domain.State     `json:"state"`
	User             json.RawMessage   `json:"user"`
	Categories       []domain.Category `json:"categories"`
	CreatedAt        string            `json:"createdAt"`
	UpdatedAt        string            `json:"updatedAt"`
}

type sellerPayload struct {
	ID        json.Number `json:"id"`
	FirstName string      `json:"firstName"`
	LastName  string      `json:"lastName"`
	Email     string      `json:"email"`
}

// NormalizeBook converts one raw book resource into the canonical read model.
// Nil, empty, or undecodable input yields nil.
func NormalizeBook(raw json.RawMessage) *domain.Book {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	var p bookPayload
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil
	}
	id, _ := p.ID.Int64()
	price, _ := p.Price.Int64()
	book := &domain.Book{
		ID:               id,
		Title:            p.Title,
		Author:           p.Author,
		ShortDescription: p.ShortDescription,
		Description:      p.Description,
		Price:            price,
		Image:            NormalizeImage(p.Image),
		State:            p.State,
		Seller:           normalizeSeller(p.User),
		Categories:       p.Categories,
	}
	book.CreatedAt = parseTimestamp(p.CreatedAt)
	book.UpdatedAt = parseTimestamp(p.UpdatedAt)
	return book
}

// NormalizeImage makes an image reference renderable: absolute URLs and
// root-relative paths pass through, a bare filename gets a root slash,
// anything empty becomes the placeholder.
func NormalizeImage(image string) string {
	switch {
	case image == "":
		return PlaceholderImage
	case strings.HasPrefix(image, "http://"), strings.HasPrefix(image, "https://"):
		return image
	case strings.HasPrefix(image, "/"):
		return image
	default:
		return "/" + image
	}
}

// normalizeSeller accepts either an embedded user object or an IRI string.
func normalizeSeller(raw json.RawMessage) *domain.Seller {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '"' {
		var iri string
		if err := json.Unmarshal(trimmed, &iri); err != nil {
			return nil
		}
		return &domain.Seller{
			ID:          IDFromIRI(iri),
			DisplayName: referencedSeller,
		}
	}
	var p sellerPayload
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil
	}
	id, _ := p.ID.Int64()
	display := strings.TrimSpace(p.FirstName)
	if display == "" {
		display = anonymousSeller
	}
	return &domain.Seller{
		ID:          id,
		DisplayName: display,
		LastName:    p.LastName,
		Email:       p.Email,
	}
}

// stateResource is the /states wire shape: the numeric id lives in the
// self-referential "@id" path when no plain id field is present.
type stateResource struct {
	Context json.RawMessage `json:"@context"`
	IRI     string          `json:"@id"`
	ID      json.Number     `json:"id"`
	Name    string          `json:"name"`
}

// NormalizeState decodes one state resource, recovering the numeric id from
// the "@id" IRI when the payload has no id field.
func NormalizeState(raw json.RawMessage) *domain.State {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	var p stateResource
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil
	}
	id, _ := p.ID.Int64()
	if id == 0 {
		id = IDFromIRI(p.IRI)
	}
	return &domain.State{ID: id, Name: p.Name}
}

// IDFromIRI extracts the numeric id from the last segment of an IRI
// reference such as "/api/states/3". Returns 0 when no id is present.
func IDFromIRI(iri string) int64 {
	iri = strings.TrimRight(strings.TrimSpace(iri), "/")
	if iri == "" {
		return 0
	}
	segment := iri[strings.LastIndex(iri, "/")+1:]
	id, err := strconv.ParseInt(segment, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// CategoryIRI builds the reference path the API expects in write payloads.
func CategoryIRI(id int64) string {
	return fmt.Sprintf("/api/categories/%d", id)
}

// StateIRI builds the reference path the API expects in write payloads.
func StateIRI(id int64) string {
	return fmt.Sprintf("/api/states/%d", id)
}

// parseTimestamp tolerates missing or non-RFC3339 timestamps by returning
// the zero time.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
