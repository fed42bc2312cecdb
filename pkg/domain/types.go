package domain

import "time"

type UserRole string

const (
	RoleUser   UserRole = "user"
	RoleSeller UserRole = "seller"
	RoleAdmin  UserRole = "admin"
)

// ProfessionalDetails carries the seller company profile.
// The API spells the address field "companyAdress"; keep the wire name.
type ProfessionalDetails struct {
	CompanyName    string `json:"companyName"`
	CompanyAddress string `json:"companyAdress"`
}

type User struct {
	ID           int64                `json:"id"`
	Email        string               `json:"email"`
	FirstName    string               `json:"firstName"`
	LastName     string               `json:"lastName"`
	PhoneNumber  string               `json:"phoneNumber"`
	Description  string               `json:"description,omitempty"`
	Role         UserRole             `json:"role"`
	Professional *ProfessionalDetails `json:"professionnalDetails,omitempty"`
	CreatedAt    time.Time            `json:"createdAt"`
	UpdatedAt    time.Time            `json:"updatedAt"`
}

// IsSeller reports whether the user may manage listings.
func (u User) IsSeller() bool {
	return u.Role == RoleSeller || u.Role == RoleAdmin
}

type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// State is the book condition label ("neuf", "bon", ...).
type State struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Seller is the canonical shape of a book's owner after normalization,
// whether the API embedded an object or only an IRI reference.
type Seller struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"displayName"`
	LastName    string `json:"lastName,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Book is the catalog read model. Price is in minor currency units;
// rendering divides by 100.
type Book struct {
	ID               int64      `json:"id"`
	Title            string     `json:"title"`
	Author           string     `json:"author"`
	ShortDescription string     `json:"shortDescription"`
	Description      string     `json:"description"`
	Price            int64      `json:"price"`
	Image            string     `json:"image"`
	State            *State     `json:"state,omitempty"`
	Seller           *Seller    `json:"seller,omitempty"`
	Categories       []Category `json:"categories,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// CartItem is one cart line, keyed by book ID.
type CartItem struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Price    int64  `json:"price"`
	Image    string `json:"image"`
	Quantity int    `json:"quantity"`
}
