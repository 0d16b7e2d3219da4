package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"library-circulation/library"
)

const timeLayout = "2006-01-02 15:04"

func (a *app) issueCommand() *cobra.Command {
	var (
		memberID, copyID int64
		due, notes       string
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Check a copy out to a member (staff)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var dueDate time.Time
			if due != "" {
				d, err := time.Parse(time.DateOnly, due)
				if err != nil {
					return fmt.Errorf("--due must be YYYY-MM-DD")
				}
				dueDate = d.Add(24*time.Hour - time.Second)
			}
			ctx := cmd.Context()
			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			staff, err := a.authenticateStaff(ctx, mgr)
			if err != nil {
				return err
			}
			loan, err := mgr.IssueLoan(ctx, library.IssueRequest{
				UserID:     memberID,
				BookCopyID: copyID,
				DueDate:    dueDate,
				IssuedBy:   staff.ID,
				Notes:      notes,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Loan %d: copy %d issued to member %d, due %s\n",
				loan.ID, loan.BookCopyID, loan.UserID, loan.DueDate.Format(timeLayout))
			return nil
		},
	}
	cmd.Flags().Int64Var(&memberID, "member", 0, "borrowing member id")
	cmd.Flags().Int64Var(&copyID, "copy", 0, "book copy id")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD, default per policy)")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("member")
	_ = cmd.MarkFlagRequired("copy")
	return cmd
}

func (a *app) returnCommand() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "return <transaction id>",
		Short: "Return a loaned copy (staff)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "transaction id")
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			staff, err := a.authenticateStaff(ctx, mgr)
			if err != nil {
				return err
			}
			res, err := mgr.ReturnLoan(ctx, id, staff.ID, notes)
			if err != nil {
				return err
			}
			fmt.Printf("Loan %d returned by member %d.\n", res.Loan.ID, res.Loan.UserID)
			if res.Fine != nil {
				fmt.Printf("%s: fine %d of $%s is pending.\n", res.Fine.Reason, res.Fine.ID, res.FineAmount.StringFixed(2))
			}
			holds, err := mgr.ListHolds(ctx, res.Loan.BookID)
			if err != nil {
				return err
			}
			for _, h := range holds {
				if h.HeldCopyID != nil && *h.HeldCopyID == res.Loan.BookCopyID {
					fmt.Printf("The copy is now held for member %d (reservation %d).\n", h.UserID, h.ID)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "return notes")
	return cmd
}

func (a *app) renewCommand() *cobra.Command {
	var memberID int64
	cmd := &cobra.Command{
		Use:   "renew <transaction id>",
		Short: "Renew your loan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "transaction id")
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			m, err := authenticateUser(ctx, mgr, memberID)
			if err != nil {
				return err
			}
			res, err := mgr.Renew(ctx, id, m.ID, m.MembershipType)
			if err != nil {
				return err
			}
			fmt.Printf("Loan %d renewed: due %s, %d renewal(s) left.\n",
				res.TransactionID, res.NewDueDate.Format(timeLayout), res.RenewalsRemaining)
			return nil
		},
	}
	cmd.Flags().Int64Var(&memberID, "member", 0, "your member id")
	_ = cmd.MarkFlagRequired("member")
	return cmd
}

func (a *app) reserveCommand() *cobra.Command {
	var memberID int64
	cmd := &cobra.Command{
		Use:   "reserve <book id>",
		Short: "Join a book's reservation queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bookID, err := parseID(args[0], "book id")
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			m, err := authenticateUser(ctx, mgr, memberID)
			if err != nil {
				return err
			}
			r, err := mgr.CreateReservation(ctx, m.ID, bookID)
			if err != nil {
				return err
			}
			// Promotion may already have happened if a copy was on the shelf.
			if cur, err := mgr.GetReservation(ctx, r.ID); err == nil && cur.ReadyForPickup() {
				fmt.Printf("Reservation %d: a copy is held for you until %s.\n", cur.ID, cur.ExpiresAt.Format(timeLayout))
				return nil
			}
			fmt.Printf("Reservation %d created, position %d in the queue.\n", r.ID, r.QueuePosition)
			return nil
		},
	}
	cmd.Flags().Int64Var(&memberID, "member", 0, "your member id")
	_ = cmd.MarkFlagRequired("member")
	return cmd
}

func (a *app) cancelReservationCommand() *cobra.Command {
	var memberID int64
	cmd := &cobra.Command{
		Use:   "cancel-reservation <reservation id>",
		Short: "Cancel one of your active reservations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "reservation id")
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			m, err := authenticateUser(ctx, mgr, memberID)
			if err != nil {
				return err
			}
			if _, err := mgr.CancelReservation(ctx, id, m.ID); err != nil {
				return err
			}
			fmt.Println("Reservation cancelled.")
			return nil
		},
	}
	cmd.Flags().Int64Var(&memberID, "member", 0, "your member id")
	_ = cmd.MarkFlagRequired("member")
	return cmd
}

func (a *app) fulfillCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fulfill <reservation id>",
		Short: "Hand a held copy to its member (staff)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "reservation id")
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			staff, err := a.authenticateStaff(ctx, mgr)
			if err != nil {
				return err
			}
			res, err := mgr.FulfillReservation(ctx, id, staff.ID)
			if err != nil {
				return err
			}
			fmt.Printf("Loan %d: copy %d issued to member %d, due %s\n",
				res.Loan.ID, res.Loan.BookCopyID, res.Loan.UserID, res.Loan.DueDate.Format(timeLayout))
			return nil
		},
	}
}

func (a *app) queueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "queue <book id>",
		Short: "Show a book's reservation queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bookID, err := parseID(args[0], "book id")
			if err != nil {
				return err
			}
			mgr, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			queue, err := mgr.ListQueue(cmd.Context(), bookID)
			if err != nil {
				return err
			}
			if len(queue) == 0 {
				fmt.Println("No one is waiting for this book.")
				return nil
			}
			fmt.Printf("%-4s %-8s %-8s %-16s\n", "Pos", "Res. ID", "Member", "Reserved")
			fmt.Println(strings.Repeat("-", 40))
			for i, r := range queue {
				fmt.Printf("%-4d %-8d %-8d %-16s\n", i+1, r.ID, r.UserID, r.ReservedAt.Format(timeLayout))
			}
			return nil
		},
	}
}

func (a *app) finesCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "fines", Short: "Overdue fines"}

	var memberID int64
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List fines",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			fines, err := mgr.ListFines(ctx, memberID, library.FineStatus(status))
			if err != nil {
				return err
			}
			if len(fines) == 0 {
				fmt.Println("No fines found.")
				return nil
			}
			fmt.Printf("%-5s %-7s %-7s %-8s %-8s %s\n", "ID", "Loan", "Member", "Amount", "Status", "Reason")
			fmt.Println(strings.Repeat("-", 70))
			for _, f := range fines {
				fmt.Printf("%-5d %-7d %-7d %-8s %-8s %s\n", f.ID, f.TransactionID, f.UserID,
					f.Amount.StringFixed(2), f.Status, f.Reason)
			}
			if memberID > 0 {
				balance, err := mgr.OutstandingBalance(ctx, memberID)
				if err != nil {
					return err
				}
				fmt.Printf("\nOutstanding balance: $%s\n", balance.StringFixed(2))
			}
			return nil
		},
	}
	list.Flags().Int64Var(&memberID, "member", 0, "only this member")
	list.Flags().StringVar(&status, "status", "", "pending, paid or waived")

	resolve := func(use, short string, apply func(*cobra.Command, *library.LibraryManager, int64, int64) (*library.Fine, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID(args[0], "fine id")
				if err != nil {
					return err
				}
				mgr, err := a.manager(cmd.Context())
				if err != nil {
					return err
				}
				staff, err := a.authenticateStaff(cmd.Context(), mgr)
				if err != nil {
					return err
				}
				f, err := apply(cmd, mgr, id, staff.ID)
				if err != nil {
					return err
				}
				fmt.Printf("Fine %d ($%s) is now %s.\n", f.ID, f.Amount.StringFixed(2), f.Status)
				return nil
			},
		}
	}
	waive := resolve("waive <fine id>", "Waive a pending fine (staff)",
		func(cmd *cobra.Command, mgr *library.LibraryManager, id, by int64) (*library.Fine, error) {
			return mgr.WaiveFine(cmd.Context(), id, by)
		})
	pay := resolve("pay <fine id>", "Record payment of a pending fine (staff)",
		func(cmd *cobra.Command, mgr *library.LibraryManager, id, by int64) (*library.Fine, error) {
			return mgr.PayFine(cmd.Context(), id, by)
		})

	cmd.AddCommand(list, waive, pay)
	return cmd
}

func (a *app) ledgerCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "ledger", Short: "Inventory ledger checks"}
	verify := &cobra.Command{
		Use:   "verify [book id]",
		Short: "Compare book counters with copy rows",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			var reports []library.LedgerReport
			if len(args) == 1 {
				id, err := parseID(args[0], "book id")
				if err != nil {
					return err
				}
				r, err := mgr.VerifyBook(ctx, id)
				if err != nil {
					return err
				}
				reports = append(reports, *r)
			} else if reports, err = mgr.VerifyAll(ctx); err != nil {
				return err
			}

			bad := 0
			for _, r := range reports {
				state := "ok"
				if !r.Consistent {
					state = "MISMATCH"
					bad++
				}
				fmt.Printf("%-5d %-40s total=%d/%d available=%d/%d %s\n", r.BookID, truncateString(r.Title, 40),
					r.TotalCopies, r.CopyRows, r.AvailableCopies, r.CountedAvailable, state)
			}
			if bad > 0 {
				return fmt.Errorf("%d book(s) inconsistent", bad)
			}
			return nil
		},
	}
	cmd.AddCommand(verify)
	return cmd
}

func (a *app) holdsCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "holds", Short: "Reservation holds"}
	expire := &cobra.Command{
		Use:   "expire",
		Short: "Release holds whose pickup window has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			n, err := mgr.ExpireHolds(cmd.Context())
			fmt.Printf("Expired %d hold(s).\n", n)
			return err
		},
	}
	cmd.AddCommand(expire)
	return cmd
}

func (a *app) activityCommand() *cobra.Command {
	var f library.ActivityFilter
	var limit uint
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show recent circulation activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			f.Limit = limit
			entries, err := library.NewDBActivityLog(mgr.Database()).Recent(cmd.Context(), f)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s  %-22s member=%d book=%d copy=%d loan=%d\n", e.OccurredAt.Format(timeLayout),
					e.Action, e.UserID, e.BookID, e.CopyID, e.LoanID)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&f.UserID, "member", 0, "only this member")
	cmd.Flags().Int64Var(&f.BookID, "book", 0, "only this book")
	cmd.Flags().UintVar(&limit, "limit", 20, "number of entries")
	return cmd
}
