package library

import (
	"strings"
	"time"
)

// CopyStatus is the lending state of a single physical copy.
type CopyStatus string

const (
	StatusAvailable CopyStatus = "Available"
	StatusBorrowed  CopyStatus = "Borrowed"
)

// ParseCopyStatus accepts any casing ("available", "AVAILABLE") and returns the
// canonical status. Anything that is not available counts as borrowed.
func ParseCopyStatus(s string) CopyStatus {
	if strings.EqualFold(strings.TrimSpace(s), string(StatusAvailable)) {
		return StatusAvailable
	}
	return StatusBorrowed
}

// Book represents a title and its aggregate copy counts.
// Total and Available are kept equal to the copy records by every mutation.
type Book struct {
	ID          string `json:"book_id" db:"book_id"`
	Title       string `json:"title" db:"title"`
	Author      string `json:"author" db:"author"`
	CategoryID  string `json:"category_id" db:"category_id"`
	Description string `json:"description" db:"description"`
	Total       int    `json:"total" db:"total"`
	Available   int    `json:"available" db:"available"`
}

type Category struct {
	ID   string `json:"category_id" db:"category_id"`
	Name string `json:"category_name" db:"category_name"`
}

// Copy is one lendable instance of a Book.
type Copy struct {
	ID        string     `json:"copy_id" db:"copy_id"`
	BookID    string     `json:"book_id" db:"book_id"`
	Status    CopyStatus `json:"status" db:"status"`
	Location  string     `json:"location" db:"location"`
	Condition string     `json:"condition" db:"copy_condition"`
}

// Transaction is a borrow record. A nil ReturnDate means the copy is still out.
type Transaction struct {
	ID         string     `json:"transaction_id" db:"transaction_id"`
	UserID     string     `json:"user_id" db:"user_id"`
	CopyID     string     `json:"copy_id" db:"copy_id"`
	BorrowDate time.Time  `json:"borrow_date" db:"borrow_date"`
	DueDate    time.Time  `json:"due_date" db:"due_date"`
	ReturnDate *time.Time `json:"return_date" db:"return_date"`
}

// Open reports whether the transaction has not been returned yet.
func (t Transaction) Open() bool { return t.ReturnDate == nil }

// Fine is a charge against a member. A nil PaymentDate means unpaid.
type Fine struct {
	ID            string     `json:"fine_id" db:"fine_id"`
	UserID        string     `json:"user_id" db:"user_id"`
	TransactionID string     `json:"transaction_id" db:"transaction_id"`
	Amount        float64    `json:"amount" db:"amount"`
	DueDate       time.Time  `json:"due_date" db:"due_date"`
	PaymentDate   *time.Time `json:"payment_date" db:"payment_date"`
	Reason        string     `json:"fine_reason" db:"fine_reason"`
}

// Member represents a registered library member.
type Member struct {
	ID             string    `json:"user_id" db:"user_id"`
	Name           string    `json:"name" db:"name"`
	Email          string    `json:"email" db:"email"`
	PasswordHash   string    `json:"-" db:"password"` // Don't serialize password hash
	Role           string    `json:"role" db:"role"`
	MembershipDate time.Time `json:"membership_date" db:"membership_date"`
}

type Staff struct {
	ID         string `json:"staff_id" db:"staff_id"`
	Name       string `json:"staff_name" db:"staff_name"`
	Email      string `json:"email" db:"email"`
	Role       string `json:"role" db:"role"`
	Department string `json:"department" db:"department"`
}

// Loan is the result of a successful borrow.
type Loan struct {
	Transaction Transaction `json:"transaction"`
	Copy        Copy        `json:"copy"`
	Book        Book        `json:"book"`
}

// ReturnRequest closes an open transaction, optionally posting a fine.
type ReturnRequest struct {
	TransactionID string
	ReturnDate    *time.Time
	FineAmount    float64
	FineReason    string
}

// Return is the result of a successful return. Fine is nil when none was posted.
type Return struct {
	Transaction Transaction `json:"transaction"`
	Fine        *Fine       `json:"fine"`
}

// CopyChange reports the copy touched by AddCopy/RemoveCopy and the book's new counts.
type CopyChange struct {
	Copy      Copy `json:"copy"`
	Total     int  `json:"total"`
	Available int  `json:"available"`
}

// BookUpdate carries the editable fields of a book.
type BookUpdate struct {
	Title       string
	Author      string
	CategoryID  string
	Description string
}

// FinePatch is a partial update; nil fields are left untouched.
type FinePatch struct {
	Amount       *float64
	DueDate      *time.Time
	PaymentDate  *time.Time
	ClearPayment bool
	Reason       *string
}

// Empty reports whether the patch changes nothing.
func (p FinePatch) Empty() bool {
	return p.Amount == nil && p.DueDate == nil && p.PaymentDate == nil && !p.ClearPayment && p.Reason == nil
}

// NewMember is the input of AddMember.
type NewMember struct {
	Name     string
	Email    string
	Password string
}

// Overdue is an open transaction past its due date, joined with display fields.
type Overdue struct {
	TransactionID string    `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	UserName      string    `json:"user_name"`
	Email         string    `json:"email"`
	CopyID        string    `json:"copy_id"`
	BookID        string    `json:"book_id"`
	BookTitle     string    `json:"book_title"`
	BorrowDate    time.Time `json:"borrow_date"`
	DueDate       time.Time `json:"due_date"`
}
