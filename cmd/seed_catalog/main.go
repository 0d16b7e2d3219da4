package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"library-circulation/library"
	"library-circulation/obs"
)

type seedBook struct {
	Title  string `json:"title"`
	Author string `json:"author"`
	ISBN   string `json:"isbn"`
	Copies int    `json:"copies"`
}

type seedMember struct {
	Name     string                 `json:"name"`
	Password string                 `json:"password"`
	Role     library.Role           `json:"role"`
	Tier     library.MembershipType `json:"tier"`
}

type seedFile struct {
	Books   []seedBook   `json:"books"`
	Members []seedMember `json:"members"`
}

var defaultSeed = seedFile{
	Books: []seedBook{
		{"1984", "George Orwell", "9780451524935", 3},
		{"Animal Farm", "George Orwell", "9780451526342", 2},
		{"The Diary of a Young Girl", "Anne Frank", "9780553296983", 1},
		{"The Art of War", "Sun Tzu", "9781599869773", 1},
		{"The Fellowship of the Ring", "J.R.R. Tolkien", "9780547928210", 2},
		{"The Two Towers", "J.R.R. Tolkien", "9780547928203", 2},
		{"The Return of the King", "J.R.R. Tolkien", "9780547928197", 2},
		{"Harry Potter and the Philosopher's Stone", "J.K. Rowling", "9780747532699", 4},
		{"Harry Potter and the Chamber of Secrets", "J.K. Rowling", "9780747538493", 3},
		{"Harry Potter and the Prisoner of Azkaban", "J.K. Rowling", "9780747542155", 3},
		{"Romeo and Juliet", "William Shakespeare", "9780743477116", 1},
		{"The Three Musketeers", "Alexandre Dumas", "9780140449266", 1},
	},
	Members: []seedMember{
		{"Admin", "admin", library.RoleAdmin, library.MembershipPremium},
		{"Front Desk", "librarian", library.RoleLibrarian, library.MembershipStandard},
		{"Alice", "alice", library.RoleMember, library.MembershipStandard},
		{"Bob", "bob", library.RoleMember, library.MembershipStudent},
		{"Carol", "carol", library.RoleMember, library.MembershipPremium},
	},
}

func main() {
	var (
		dbPath, seedPath string
		fresh            bool
	)
	cmd := &cobra.Command{
		Use:   "seed_catalog",
		Short: "Create a demo catalog and members",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			seedCatalog(cmd.Context(), dbPath, seedPath, fresh)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "library.db", "SQLite database file")
	cmd.Flags().StringVar(&seedPath, "file", "", "JSON seed file (default: built-in demo catalog)")
	cmd.Flags().BoolVar(&fresh, "fresh", false, "delete the existing database first")
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func seedCatalog(ctx context.Context, dbPath, seedPath string, fresh bool) {
	if fresh {
		fmt.Println("Cleaning up existing database files...")
		for _, file := range []string{dbPath, dbPath + "-shm", dbPath + "-wal"} {
			if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
				fmt.Printf("Warning: Could not remove %s: %v\n", file, err)
			}
		}
	}

	seed := defaultSeed
	if seedPath != "" {
		b, err := os.ReadFile(filepath.Clean(seedPath))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading seed file: %v\n", err)
			os.Exit(1)
		}
		seed = seedFile{}
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(b, &seed); err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing seed file: %v\n", err)
			os.Exit(1)
		}
	}

	log, err := obs.NewLogger("warn", false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	db, err := library.NewDatabase(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating database: %v\n", err)
		os.Exit(1)
	}
	manager := library.NewLibraryManager(db, library.WithLogger(log))
	defer manager.Close()

	successCount, errorCount := 0, 0

	fmt.Printf("Importing %d books...\n", len(seed.Books))
	for _, sb := range seed.Books {
		fmt.Printf("Importing: %s by %s... ", sb.Title, sb.Author)
		b, err := manager.AddBook(ctx, sb.Title, sb.Author, sb.ISBN, sb.Copies)
		if err != nil {
			fmt.Printf("ERROR - %v\n", err)
			errorCount++
			continue
		}
		fmt.Printf("SUCCESS (ID: %d, %d copies)\n", b.ID, b.TotalCopies)
		successCount++
	}

	fmt.Printf("\nCreating %d members...\n", len(seed.Members))
	for _, sm := range seed.Members {
		m, err := manager.AddMember(ctx, library.NewMember{
			Name:           sm.Name,
			Password:       sm.Password,
			Role:           sm.Role,
			MembershipType: sm.Tier,
		})
		if err != nil {
			fmt.Printf("ERROR - %s: %v\n", sm.Name, err)
			errorCount++
			continue
		}
		fmt.Printf("Member %-12s ID %d (%s, password %q)\n", m.Name, m.ID, m.Role, sm.Password)
		successCount++
	}

	fmt.Printf("\nSeed complete!\n")
	fmt.Printf("Created: %d records\n", successCount)
	fmt.Printf("Errors: %d\n", errorCount)

	books, err := manager.ListBooks(ctx)
	if err != nil {
		fmt.Printf("Error retrieving books: %v\n", err)
		return
	}
	fmt.Printf("\n%-3s %-50s %-30s\n", "ID", "Title", "Author")
	fmt.Println(strings.Repeat("-", 85))
	for _, book := range books {
		fmt.Printf("%-3d %-50s %-30s\n", book.ID, truncateString(book.Title, 50), truncateString(book.Author, 30))
	}
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
