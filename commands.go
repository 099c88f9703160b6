package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"lms/library"
)

const dateLayout = "2006-01-02"

// readPassword securely reads a password with masking
func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	fmt.Println() // Add newline after password input
	return strings.TrimSpace(string(bytePassword)), nil
}

func truncateString(s string, maxLength int) string {
	if len(s) <= maxLength {
		return s
	}
	if maxLength <= 3 {
		return s[:maxLength]
	}
	return s[:maxLength-3] + "..."
}

func parseCLIDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return t, nil
}

func newBooksCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "books",
		Short: "List books with their copy counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			books, err := a.mgr.GetAllBooks(cmd.Context())
			if err != nil {
				return err
			}
			if len(books) == 0 {
				fmt.Println("No books in library.")
				return nil
			}

			fmt.Printf("%-10s %-30s %-25s %-10s %s\n", "ID", "Title", "Author", "Available", "Total")
			fmt.Println(strings.Repeat("-", 85))
			for _, b := range books {
				fmt.Printf("%-10s %-30s %-25s %-10d %d\n",
					b.ID,
					truncateString(b.Title, 30),
					truncateString(b.Author, 25),
					b.Available,
					b.Total)
			}
			return nil
		},
	}
}

func newBorrowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "borrow BOOK_ID USER_ID",
		Short: "Lend an available copy of a book",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			loan, err := a.mgr.Borrow(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("Copy %s of %q lent to %s (transaction %s), due %s.\n",
				loan.Copy.ID, loan.Book.Title, loan.Transaction.UserID,
				loan.Transaction.ID, loan.Transaction.DueDate.Format(dateLayout))
			fmt.Printf("%d of %d copies available.\n", loan.Book.Available, loan.Book.Total)
			return nil
		},
	}
}

func newReturnCmd(a *app) *cobra.Command {
	var (
		fine   float64
		reason string
		date   string
	)
	cmd := &cobra.Command{
		Use:   "return TRANSACTION_ID",
		Short: "Close a borrow transaction, optionally posting a fine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := library.ReturnRequest{TransactionID: args[0], FineAmount: fine, FineReason: reason}
			if date != "" {
				t, err := parseCLIDate(date)
				if err != nil {
					return err
				}
				req.ReturnDate = &t
			}
			res, err := a.mgr.ReturnCopy(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Printf("Transaction %s returned on %s.\n", res.Transaction.ID, res.Transaction.ReturnDate.Format(dateLayout))
			if res.Fine != nil {
				fmt.Printf("Fine %s of %.2f posted to %s: %s\n", res.Fine.ID, res.Fine.Amount, res.Fine.UserID, res.Fine.Reason)
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&fine, "fine", 0, "fine amount to post")
	cmd.Flags().StringVar(&reason, "reason", "", "fine reason")
	cmd.Flags().StringVar(&date, "date", "", "return date (YYYY-MM-DD, default now)")
	return cmd
}

func newCopyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Add or remove physical copies",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add BOOK_ID",
			Short: "Put a new copy into circulation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				change, err := a.mgr.AddCopy(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Added copy %s. %d of %d copies available.\n", change.Copy.ID, change.Available, change.Total)
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove BOOK_ID [COPY_ID]",
			Short: "Withdraw an available copy (lowest id when COPY_ID is omitted)",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				copyID := ""
				if len(args) == 2 {
					copyID = args[1]
				}
				change, err := a.mgr.RemoveCopy(cmd.Context(), args[0], copyID)
				if err != nil {
					return err
				}
				fmt.Printf("Removed copy %s. %d of %d copies available.\n", change.Copy.ID, change.Available, change.Total)
				return nil
			},
		},
	)
	return cmd
}

func newOverdueCmd(a *app) *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "overdue",
		Short: "List open transactions past their due date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			at := time.Now()
			if asOf != "" {
				t, err := parseCLIDate(asOf)
				if err != nil {
					return err
				}
				at = t
			}
			overdue, err := a.mgr.ListOverdue(cmd.Context(), at)
			if err != nil {
				return err
			}
			if len(overdue) == 0 {
				fmt.Println("No overdue books.")
				return nil
			}

			fmt.Printf("%-12s %-20s %-30s %-10s %s\n", "Transaction", "Member", "Title", "Copy", "Due")
			fmt.Println(strings.Repeat("-", 90))
			for _, o := range overdue {
				member := o.UserName
				if member == "" {
					member = o.UserID
				}
				fmt.Printf("%-12s %-20s %-30s %-10s %s\n",
					o.TransactionID,
					truncateString(member, 20),
					truncateString(o.BookTitle, 30),
					o.CopyID,
					o.DueDate.Format(dateLayout))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "reference date (YYYY-MM-DD, default now)")
	return cmd
}

func newMemberCmd(a *app) *cobra.Command {
	var name, email string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a member; the password is read from the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := readPassword("Enter password: ")
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			confirm, err := readPassword("Confirm password: ")
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			if password != confirm {
				return fmt.Errorf("passwords do not match")
			}

			m, err := a.mgr.AddMember(cmd.Context(), library.NewMember{Name: name, Email: email, Password: password})
			if err != nil {
				return err
			}
			fmt.Printf("Member %s added with ID %s.\n", m.Name, m.ID)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "member name")
	add.Flags().StringVar(&email, "email", "", "member email")
	_ = add.MarkFlagRequired("name")
	_ = add.MarkFlagRequired("email")

	list := &cobra.Command{
		Use:   "list",
		Short: "List members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			members, err := a.mgr.GetAllMembers(cmd.Context())
			if err != nil {
				return err
			}
			if len(members) == 0 {
				fmt.Println("No members registered.")
				return nil
			}
			fmt.Printf("%-10s %-25s %-30s %s\n", "ID", "Name", "Email", "Since")
			fmt.Println(strings.Repeat("-", 80))
			for _, m := range members {
				fmt.Printf("%-10s %-25s %-30s %s\n", m.ID, truncateString(m.Name, 25), truncateString(m.Email, 30), m.MembershipDate.Format(dateLayout))
			}
			return nil
		},
	}

	cmd := &cobra.Command{Use: "member", Short: "Manage members"}
	cmd.AddCommand(add, list)
	return cmd
}

func newFineCmd(a *app) *cobra.Command {
	pay := &cobra.Command{
		Use:   "pay FINE_ID",
		Short: "Mark a fine as paid now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := a.mgr.MarkFinePaid(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Fine %s (%.2f) paid on %s.\n", f.ID, f.Amount, f.PaymentDate.Format(dateLayout))
			return nil
		},
	}

	var amountFlag string
	set := &cobra.Command{
		Use:   "amount FINE_ID",
		Short: "Change the amount of a fine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.ParseFloat(amountFlag, 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q", amountFlag)
			}
			f, err := a.mgr.UpdateFine(cmd.Context(), args[0], library.FinePatch{Amount: &v})
			if err != nil {
				return err
			}
			fmt.Printf("Fine %s is now %.2f.\n", f.ID, f.Amount)
			return nil
		},
	}
	set.Flags().StringVar(&amountFlag, "to", "", "new amount")
	_ = set.MarkFlagRequired("to")

	cmd := &cobra.Command{Use: "fine", Short: "Manage fines"}
	cmd.AddCommand(pay, set)
	return cmd
}

func newReconcileCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute book totals from the copy records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := a.mgr.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			if n == 0 {
				fmt.Println("All book counts already match their copies.")
				return nil
			}
			fmt.Fprintf(os.Stdout, "Corrected %d book(s).\n", n)
			return nil
		},
	}
}
