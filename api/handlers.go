package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"lms/library"
)

// ------------------ Listing ------------------

func list[T any](s *Server, c *gin.Context, fetch func(context.Context) ([]T, error)) {
	rows, err := fetch(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if rows == nil {
		rows = []T{}
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) handleListBooks(c *gin.Context)        { list(s, c, s.lm.GetAllBooks) }
func (s *Server) handleListCategories(c *gin.Context)   { list(s, c, s.lm.GetCategories) }
func (s *Server) handleListTransactions(c *gin.Context) { list(s, c, s.lm.GetTransactions) }
func (s *Server) handleListFines(c *gin.Context)        { list(s, c, s.lm.GetFines) }
func (s *Server) handleListMembers(c *gin.Context)      { list(s, c, s.lm.GetAllMembers) }
func (s *Server) handleListStaff(c *gin.Context)        { list(s, c, s.lm.GetStaff) }

// handleListCopies serves /api/bookcopies and its legacy alias /api/copies.
// An optional ?book_id= narrows the list.
func (s *Server) handleListCopies(c *gin.Context) {
	bookID := c.Query("book_id")
	list(s, c, func(ctx context.Context) ([]library.Copy, error) { return s.lm.GetCopies(ctx, bookID) })
}

func (s *Server) handleOverdue(c *gin.Context) {
	asOf := s.now()
	if v := c.Query("as_of"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		asOf = t
	}
	overdue, err := s.lm.ListOverdue(c.Request.Context(), asOf)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, overdue)
}

// ------------------ Books & members ------------------

func (s *Server) handleUpdateBook(c *gin.Context) {
	var req bookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	book, err := s.lm.UpdateBook(c.Request.Context(), c.Param("id"), library.BookUpdate{
		Title:       req.Title,
		Author:      req.Author,
		CategoryID:  req.CategoryID,
		Description: req.Description,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

func (s *Server) handleAddMember(c *gin.Context) {
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	m, err := s.lm.AddMember(c.Request.Context(), library.NewMember{Name: req.Name, Email: req.Email, Password: req.Password})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// ------------------ Copies ------------------

func (s *Server) handleCopies(c *gin.Context) {
	var req copiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	var (
		change library.CopyChange
		err    error
	)
	switch req.Action {
	case "add":
		change, err = s.lm.AddCopy(c.Request.Context(), req.BookID)
	case "remove":
		if strings.TrimSpace(req.CopyID) == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing copy_id"})
			return
		}
		change, err = s.lm.RemoveCopy(c.Request.Context(), req.BookID, req.CopyID)
	}
	if err != nil {
		s.fail(c, err,
			statusOverride{library.ErrCopyNotFound, http.StatusBadRequest},
			statusOverride{library.ErrCopyNotAvailable, http.StatusBadRequest},
			statusOverride{library.ErrNoAvailableCopy, http.StatusBadRequest},
		)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"total":     change.Total,
		"available": change.Available,
		"copy":      change.Copy,
	})
}

// ------------------ Circulation ------------------

func (s *Server) handleBorrow(c *gin.Context) {
	var req borrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	loan, err := s.lm.Borrow(c.Request.Context(), req.BookID, req.UserID)
	if err != nil {
		s.fail(c, err, statusOverride{library.ErrNoAvailableCopy, http.StatusBadRequest})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": loan.Transaction, "copy": loan.Copy})
}

func (s *Server) handleReturn(c *gin.Context) {
	var req returnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	rr := library.ReturnRequest{TransactionID: req.TransactionID, FineReason: req.FineReason}
	if req.ReturnDate != nil {
		t := req.ReturnDate.Time
		rr.ReturnDate = &t
	}
	if req.FineAmount != nil {
		rr.FineAmount = float64(*req.FineAmount)
	}

	res, err := s.lm.ReturnCopy(c.Request.Context(), rr)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": res.Transaction, "fine": res.Fine})
}

// ------------------ Fines ------------------

func (s *Server) handleUpdateFine(c *gin.Context) {
	var req fineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if errors.Is(err, io.EOF) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "no fields to update"})
			return
		}
		s.badRequest(c, err)
		return
	}

	var patch library.FinePatch
	if req.Amount != nil {
		v := float64(*req.Amount)
		patch.Amount = &v
	}
	if req.DueDate != nil {
		t := req.DueDate.Time
		patch.DueDate = &t
	}
	if req.PaymentDate.Set {
		patch.PaymentDate = req.PaymentDate.Value
		patch.ClearPayment = req.PaymentDate.Value == nil
	}
	patch.Reason = req.FineReason

	fine, err := s.lm.UpdateFine(c.Request.Context(), c.Param("fineId"), patch)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, fine)
}

func (s *Server) handlePayFine(c *gin.Context) {
	fine, err := s.lm.MarkFinePaid(c.Request.Context(), c.Param("fineId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, fine)
}

// ------------------ Change stream ------------------

// handleEvents streams change events as Server-Sent Events until the client
// goes away. A slow client loses events instead of stalling mutations.
func (s *Server) handleEvents(c *gin.Context) {
	sub := s.bus.Subscribe(64)
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case e, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent(string(e.Type), e)
			return true
		case <-heartbeat.C:
			_, err := fmt.Fprint(w, ": ping\n\n")
			return err == nil
		}
	})
}
