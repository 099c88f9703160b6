package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// amount accepts a JSON number or a numeric string ("5.00").
type amount float64

func (a *amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	s := string(b)
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*a = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q", s)
	}
	*a = amount(v)
	return nil
}

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02"}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD or RFC 3339)", s)
}

// date accepts "2006-01-02" or an RFC 3339 timestamp.
type date struct {
	time.Time
}

func (d *date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	t, err := parseDate(s)
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}

// optionalDate tells an absent field apart from an explicit null or "".
type optionalDate struct {
	Set   bool
	Value *time.Time
}

func (d *optionalDate) UnmarshalJSON(b []byte) error {
	d.Set = true
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	if strings.TrimSpace(s) == "" {
		return nil
	}
	t, err := parseDate(s)
	if err != nil {
		return err
	}
	d.Value = &t
	return nil
}

type borrowRequest struct {
	BookID string `json:"book_id" binding:"required"`
	UserID string `json:"user_id" binding:"required"`
}

type returnRequest struct {
	TransactionID string  `json:"transaction_id" binding:"required"`
	ReturnDate    *date   `json:"return_date"`
	FineAmount    *amount `json:"fine_amount"`
	FineReason    string  `json:"fine_reason"`
}

type copiesRequest struct {
	BookID string `json:"book_id" binding:"required"`
	Action string `json:"action" binding:"required,oneof=add remove"`
	CopyID string `json:"copy_id"`
}

type bookRequest struct {
	Title       string `json:"title" binding:"required"`
	Author      string `json:"author" binding:"required"`
	CategoryID  string `json:"category_id" binding:"required"`
	Description string `json:"description"`
}

type memberRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type fineRequest struct {
	Amount      *amount      `json:"amount"`
	DueDate     *date        `json:"due_date"`
	PaymentDate optionalDate `json:"payment_date"`
	FineReason  *string      `json:"fine_reason"`
}
