package csvstore

import (
	"strconv"
	"strings"
	"time"

	"lms/library"
)

type table int

const (
	tableMembers table = iota
	tableStaff
	tableCategories
	tableBooks
	tableCopies
	tableTransactions
	tableFines
	tableCount
)

// tableSpec describes one CSV file: the canonical header written back and the
// header spellings accepted on read.
type tableSpec struct {
	file    string
	key     string
	columns []string
	aliases map[string]string
}

// schemas is the single place where legacy header spellings (book_id, BookID,
// bookid, "Book Id") are mapped onto canonical column names. Lookups go through
// normalizeHeader, so only spellings that differ after normalization need an
// alias entry.
var schemas = [tableCount]tableSpec{
	tableMembers: {
		file:    "Users.csv",
		key:     "user_id",
		columns: []string{"user_id", "name", "email", "password", "role", "membership_date"},
		aliases: map[string]string{"id": "user_id", "username": "name", "joined": "membership_date"},
	},
	tableStaff: {
		file:    "Staff.csv",
		key:     "staff_id",
		columns: []string{"staff_id", "staff_name", "email", "password", "role", "department"},
		aliases: map[string]string{"name": "staff_name", "dept": "department"},
	},
	tableCategories: {
		file:    "Category.csv",
		key:     "category_id",
		columns: []string{"category_id", "category_name"},
		aliases: map[string]string{"name": "category_name", "category": "category_name"},
	},
	tableBooks: {
		file:    "Books.csv",
		key:     "book_id",
		columns: []string{"book_id", "title", "author", "category_id", "description", "total", "available"},
		aliases: map[string]string{
			"authors":         "author",
			"desc":            "description",
			"totalcopies":     "total",
			"availablecopies": "available",
		},
	},
	tableCopies: {
		file:    "BookCopies.csv",
		key:     "copy_id",
		columns: []string{"copy_id", "book_id", "status", "location", "condition"},
		aliases: map[string]string{"copycondition": "condition"},
	},
	tableTransactions: {
		file:    "Transactions.csv",
		key:     "transaction_id",
		columns: []string{"transaction_id", "user_id", "copy_id", "borrow_date", "due_date", "return_date"},
		aliases: map[string]string{"memberid": "user_id", "returned_date": "return_date"},
	},
	tableFines: {
		file:    "Fines.csv",
		key:     "fine_id",
		columns: []string{"fine_id", "user_id", "transaction_id", "amount", "due_date", "payment_date", "fine_reason"},
		aliases: map[string]string{"reason": "fine_reason", "paid_date": "payment_date"},
	},
}

// normalizeHeader lower-cases h and drops everything but letters and digits.
func normalizeHeader(h string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimPrefix(h, "\ufeff")) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// canonical resolves a header read from disk to a canonical column, or ""
// when the column is unknown and must be carried through untouched.
func (s tableSpec) canonical(header string) string {
	n := normalizeHeader(header)
	for _, c := range s.columns {
		if normalizeHeader(c) == n {
			return c
		}
	}
	for alias, c := range s.aliases {
		if normalizeHeader(alias) == n {
			return c
		}
	}
	return ""
}

// record is one CSV row keyed by canonical column (or raw header for unknown columns).
type record map[string]string

func (r record) get(col string) string { return strings.TrimSpace(r[col]) }

// ------------------ Field codecs ------------------

const dateOnly = "2006-01-02"

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05", dateOnly, "1/2/2006"}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// parseTimePtr returns nil only for a blank cell. Any other value marks the
// row as returned or paid; one in an unknown layout reads as the zero time.
func parseTimePtr(s string) *time.Time {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	t, _ := parseTime(s)
	return &t
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseInt(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

// parseStatus treats a blank status as Available, the default of the legacy files.
func parseStatus(s string) library.CopyStatus {
	if strings.TrimSpace(s) == "" {
		return library.StatusAvailable
	}
	return library.ParseCopyStatus(s)
}

// ------------------ Row mapping ------------------

func bookFromRecord(r record) library.Book {
	return library.Book{
		ID:          r.get("book_id"),
		Title:       r.get("title"),
		Author:      r.get("author"),
		CategoryID:  r.get("category_id"),
		Description: r.get("description"),
		Total:       parseInt(r.get("total")),
		Available:   parseInt(r.get("available")),
	}
}

func bookRecord(b library.Book) record {
	return record{
		"book_id":     b.ID,
		"title":       b.Title,
		"author":      b.Author,
		"category_id": b.CategoryID,
		"description": b.Description,
		"total":       strconv.Itoa(b.Total),
		"available":   strconv.Itoa(b.Available),
	}
}

func categoryFromRecord(r record) library.Category {
	return library.Category{ID: r.get("category_id"), Name: r.get("category_name")}
}

func categoryRecord(c library.Category) record {
	return record{"category_id": c.ID, "category_name": c.Name}
}

func copyFromRecord(r record) library.Copy {
	return library.Copy{
		ID:        r.get("copy_id"),
		BookID:    r.get("book_id"),
		Status:    parseStatus(r.get("status")),
		Location:  r.get("location"),
		Condition: r.get("condition"),
	}
}

func copyRecord(c library.Copy) record {
	return record{
		"copy_id":   c.ID,
		"book_id":   c.BookID,
		"status":    string(c.Status),
		"location":  c.Location,
		"condition": c.Condition,
	}
}

func transactionFromRecord(r record) library.Transaction {
	borrowed, _ := parseTime(r.get("borrow_date"))
	due, _ := parseTime(r.get("due_date"))
	return library.Transaction{
		ID:         r.get("transaction_id"),
		UserID:     r.get("user_id"),
		CopyID:     r.get("copy_id"),
		BorrowDate: borrowed,
		DueDate:    due,
		ReturnDate: parseTimePtr(r.get("return_date")),
	}
}

func transactionRecord(t library.Transaction) record {
	return record{
		"transaction_id": t.ID,
		"user_id":        t.UserID,
		"copy_id":        t.CopyID,
		"borrow_date":    formatTime(t.BorrowDate),
		"due_date":       formatTime(t.DueDate),
		"return_date":    formatTimePtr(t.ReturnDate),
	}
}

func fineFromRecord(r record) library.Fine {
	due, _ := parseTime(r.get("due_date"))
	return library.Fine{
		ID:            r.get("fine_id"),
		UserID:        r.get("user_id"),
		TransactionID: r.get("transaction_id"),
		Amount:        parseFloat(r.get("amount")),
		DueDate:       due,
		PaymentDate:   parseTimePtr(r.get("payment_date")),
		Reason:        r.get("fine_reason"),
	}
}

func fineRecord(f library.Fine) record {
	return record{
		"fine_id":        f.ID,
		"user_id":        f.UserID,
		"transaction_id": f.TransactionID,
		"amount":         strconv.FormatFloat(f.Amount, 'f', 2, 64),
		"due_date":       formatTime(f.DueDate),
		"payment_date":   formatTimePtr(f.PaymentDate),
		"fine_reason":    f.Reason,
	}
}

func memberFromRecord(r record) library.Member {
	joined, _ := parseTime(r.get("membership_date"))
	return library.Member{
		ID:             r.get("user_id"),
		Name:           r.get("name"),
		Email:          r.get("email"),
		PasswordHash:   r.get("password"),
		Role:           r.get("role"),
		MembershipDate: joined,
	}
}

func memberRecord(m library.Member) record {
	joined := ""
	if !m.MembershipDate.IsZero() {
		joined = m.MembershipDate.UTC().Format(dateOnly)
	}
	return record{
		"user_id":         m.ID,
		"name":            m.Name,
		"email":           m.Email,
		"password":        m.PasswordHash,
		"role":            m.Role,
		"membership_date": joined,
	}
}

func staffFromRecord(r record) library.Staff {
	return library.Staff{
		ID:         r.get("staff_id"),
		Name:       r.get("staff_name"),
		Email:      r.get("email"),
		Role:       r.get("role"),
		Department: r.get("department"),
	}
}

func staffRecord(s library.Staff) record {
	return record{
		"staff_id":   s.ID,
		"staff_name": s.Name,
		"email":      s.Email,
		"role":       s.Role,
		"department": s.Department,
	}
}
