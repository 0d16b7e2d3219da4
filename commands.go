package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"library-circulation/library"
)

// ------------------ Members ------------------

func (a *app) memberCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "member", Short: "Manage members"}

	var (
		name, role, tier, expires string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a member (the first member may be added without --staff)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			existing, err := mgr.ListMembers(ctx)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				if _, err := a.authenticateStaff(ctx, mgr); err != nil {
					return err
				}
			}
			var expiry time.Time
			if expires != "" {
				if expiry, err = time.Parse(time.DateOnly, expires); err != nil {
					return fmt.Errorf("--expires must be YYYY-MM-DD")
				}
			}
			pw, err := newPassword()
			if err != nil {
				return err
			}
			m, err := mgr.AddMember(ctx, library.NewMember{
				Name:             name,
				Password:         pw,
				Role:             library.Role(role),
				MembershipType:   library.MembershipType(tier),
				MembershipExpiry: expiry,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Member added with ID %d (%s, %s, expires %s)\n",
				m.ID, m.Role, m.MembershipType, m.MembershipExpiry.Format(time.DateOnly))
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "member name")
	add.Flags().StringVar(&role, "role", string(library.RoleMember), "member, librarian or admin")
	add.Flags().StringVar(&tier, "tier", string(library.MembershipStandard), "standard, premium or student")
	add.Flags().StringVar(&expires, "expires", "", "membership expiry (YYYY-MM-DD, default one year)")
	_ = add.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List members",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			members, err := mgr.ListMembers(cmd.Context())
			if err != nil {
				return err
			}
			if len(members) == 0 {
				fmt.Println("No members found.")
				return nil
			}
			fmt.Printf("%-5s %-30s %-10s %-9s %-10s\n", "ID", "Name", "Role", "Tier", "Expires")
			fmt.Println(strings.Repeat("-", 68))
			for _, m := range members {
				fmt.Printf("%-5d %-30s %-10s %-9s %-10s\n", m.ID, truncateString(m.Name, 30), m.Role,
					m.MembershipType, m.MembershipExpiry.Format(time.DateOnly))
			}
			return nil
		},
	}

	reset := &cobra.Command{
		Use:   "reset-password <member id>",
		Short: "Reset a member's password (staff)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "member id")
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			if _, err := a.authenticateStaff(ctx, mgr); err != nil {
				return err
			}
			pw, err := newPassword()
			if err != nil {
				return err
			}
			if err := mgr.ResetPassword(ctx, id, pw); err != nil {
				return err
			}
			fmt.Println("Password reset successfully.")
			return nil
		},
	}

	var until string
	extend := &cobra.Command{
		Use:   "extend <member id>",
		Short: "Extend a membership (staff)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "member id")
			if err != nil {
				return err
			}
			t, err := time.Parse(time.DateOnly, until)
			if err != nil {
				return fmt.Errorf("--until must be YYYY-MM-DD")
			}
			ctx := cmd.Context()
			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			if _, err := a.authenticateStaff(ctx, mgr); err != nil {
				return err
			}
			m, err := mgr.ExtendMembership(ctx, id, t.Add(24*time.Hour-time.Second))
			if err != nil {
				return err
			}
			fmt.Printf("Membership of %s now expires %s\n", m.Name, m.MembershipExpiry.Format(time.DateOnly))
			return nil
		},
	}
	extend.Flags().StringVar(&until, "until", "", "new expiry date (YYYY-MM-DD)")
	_ = extend.MarkFlagRequired("until")

	cmd.AddCommand(add, list, reset, extend)
	return cmd
}

// ------------------ Books ------------------

func (a *app) bookCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "book", Short: "Manage the catalog"}

	var title, author, isbn string
	var copies int
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a book with its copies (staff)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			if _, err := a.authenticateStaff(ctx, mgr); err != nil {
				return err
			}
			b, err := mgr.AddBook(ctx, title, author, isbn, copies)
			if err != nil {
				return err
			}
			fmt.Printf("Book added with ID %d (%d copies)\n", b.ID, b.TotalCopies)
			return nil
		},
	}
	add.Flags().StringVar(&title, "title", "", "title")
	add.Flags().StringVar(&author, "author", "", "author")
	add.Flags().StringVar(&isbn, "isbn", "", "ISBN")
	add.Flags().IntVar(&copies, "copies", 1, "number of copies")
	_ = add.MarkFlagRequired("title")
	_ = add.MarkFlagRequired("author")

	list := &cobra.Command{
		Use:   "list",
		Short: "List all books",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			books, err := mgr.ListBooks(cmd.Context())
			if err != nil {
				return err
			}
			printBooks(books)
			return nil
		},
	}

	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Search title, author and ISBN",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			books, err := mgr.SearchBooks(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			printBooks(books)
			return nil
		},
	}

	listCopies := &cobra.Command{
		Use:   "copies <book id>",
		Short: "List the copies of a book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "book id")
			if err != nil {
				return err
			}
			mgr, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			cs, err := mgr.ListCopies(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("%-8s %-6s %-10s\n", "Copy ID", "No.", "Status")
			fmt.Println(strings.Repeat("-", 26))
			for _, c := range cs {
				fmt.Printf("%-8d %-6d %-10s\n", c.ID, c.CopyNumber, c.Status)
			}
			return nil
		},
	}

	addCopies := &cobra.Command{
		Use:   "add-copies <book id> <n>",
		Short: "Add copies to a book (staff)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "book id")
			if err != nil {
				return err
			}
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid number of copies %q", args[1])
			}
			ctx := cmd.Context()
			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			if _, err := a.authenticateStaff(ctx, mgr); err != nil {
				return err
			}
			cs, err := mgr.AddCopies(ctx, id, n)
			if err != nil {
				return err
			}
			fmt.Printf("Added %d copies to book %d\n", len(cs), id)
			return nil
		},
	}

	cmd.AddCommand(add, list, search, listCopies, addCopies)
	return cmd
}

func (a *app) copyCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "copy", Short: "Copy maintenance"}
	status := &cobra.Command{
		Use:   "status <copy id> <available|in_repair|lost>",
		Short: "Change a copy's maintenance status (staff)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "copy id")
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			if _, err := a.authenticateStaff(ctx, mgr); err != nil {
				return err
			}
			c, err := mgr.SetCopyStatus(ctx, id, library.CopyStatus(args[1]))
			if err != nil {
				return err
			}
			fmt.Printf("Copy %d of book %d is now %s\n", c.ID, c.BookID, c.Status)
			return nil
		},
	}
	cmd.AddCommand(status)
	return cmd
}

func printBooks(books []library.Book) {
	if len(books) == 0 {
		fmt.Println("No books found.")
		return
	}
	fmt.Printf("%-5s %-40s %-25s %-9s\n", "ID", "Title", "Author", "Available")
	fmt.Println(strings.Repeat("-", 82))
	for _, b := range books {
		fmt.Printf("%-5d %-40s %-25s %d/%d\n", b.ID, truncateString(b.Title, 40),
			truncateString(b.Author, 25), b.AvailableCopies, b.TotalCopies)
	}
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return id, nil
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
