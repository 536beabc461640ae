//go:build ignore

package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"chatrelay/internal/config"
)

// ANSI color codes for terminal output
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

// Command-line flags
var (
	contactsCount = flag.Int("contacts", 12, "Number of contacts to create")
	rulesCount    = flag.Int("rules", 3, "Number of recurrence rules to create")
	clearData     = flag.Bool("clear", false, "Clear existing seed data before inserting")
	showHelp      = flag.Bool("help", false, "Show usage information")
)

func main() {
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	// Load .env file (ignore error if not present)
	_ = godotenv.Load()

	printInfo("=== chatrelay Database Seeder ===\n")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		printError(fmt.Sprintf("Failed to load configuration: %v", err))
		os.Exit(1)
	}

	// Connect to database
	printInfo("Connecting to database...")
	db, err := sql.Open("postgres", cfg.GetDatabaseDSN())
	if err != nil {
		printError(fmt.Sprintf("Failed to open database connection: %v", err))
		os.Exit(1)
	}
	defer db.Close()

	// Test connection
	if err := db.Ping(); err != nil {
		printError(fmt.Sprintf("Failed to ping database: %v", err))
		os.Exit(1)
	}
	printSuccess("✓ Connected to database\n")

	// Clear data if requested
	if *clearData {
		if err := clearSeedData(db); err != nil {
			printError(fmt.Sprintf("Failed to clear seed data: %v", err))
			os.Exit(1)
		}
	}

	// Seed contacts
	contactIDs, err := seedContacts(db, *contactsCount)
	if err != nil {
		printError(fmt.Sprintf("Failed to seed contacts: %v", err))
		os.Exit(1)
	}

	// Seed recurrence rules
	rulesCreated, err := seedRecurrenceRules(db, contactIDs, *rulesCount)
	if err != nil {
		printError(fmt.Sprintf("Failed to seed recurrence rules: %v", err))
		os.Exit(1)
	}

	// Print summary
	printInfo("\n=== Seeding Summary ===")
	printSuccess(fmt.Sprintf("✓ Contacts created: %d", len(contactIDs)))
	printSuccess(fmt.Sprintf("✓ Recurrence rules created: %d", rulesCreated))
	printInfo("\nSeeding completed successfully!")
}

// clearSeedData removes existing seed data
func clearSeedData(db *sql.DB) error {
	printWarning("Clearing existing seed data...")

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Delete recurrence rules attached to seeded contacts
	_, err = tx.Exec("DELETE FROM recurrence_rules WHERE contact_id IN (SELECT id FROM contacts WHERE phone LIKE '+254700010%')")
	if err != nil {
		return fmt.Errorf("failed to delete recurrence rules: %w", err)
	}

	// Delete contacts with the Go-seeded phone pattern (+254700010XXX)
	_, err = tx.Exec("DELETE FROM contacts WHERE phone LIKE '+254700010%'")
	if err != nil {
		return fmt.Errorf("failed to delete contacts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	printSuccess("✓ Seed data cleared\n")
	return nil
}

// seedContacts generates and inserts contact data, returning the ids of
// contacts actually inserted or already present.
func seedContacts(db *sql.DB, count int) ([]int64, error) {
	printInfo(fmt.Sprintf("Seeding %d contacts...", count))

	firstNames := []string{"Michael", "Sophia", "James", "Olivia", "Daniel", "Emma", "Benjamin", "Ava", "Lucas", "Mia", "Noah", "Isabella", "William", "Charlotte", "Alexander"}
	lastNames := []string{"Kamau", "Wanjiku", "Ochieng", "Atieno", "Mwangi", "Akinyi", "Kipchoge", "Chebet", "Kiptoo", "Jepchirchir", "Mutua", "Mumbua", "Omondi", "Adhiambo", "Nzomo"}

	ids := make([]int64, 0, count)
	for i := 1; i <= count; i++ {
		phone := fmt.Sprintf("+254700010%03d", i)

		var name *string
		if i%10 != 1 { // 90% have a name
			full := fmt.Sprintf("%s %s", firstNames[i%len(firstNames)], lastNames[i%len(lastNames)])
			name = &full
		}

		var birthday *string
		if i%3 == 0 { // a third have a birthday on file
			mmdd := fmt.Sprintf("%02d-%02d", (i%12)+1, (i%28)+1)
			birthday = &mmdd
		}

		query := `
			INSERT INTO contacts (phone, name, birthday_mmdd, birthday_reminder_enabled)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (phone) DO UPDATE SET phone = EXCLUDED.phone
			RETURNING id
		`

		var id int64
		if err := db.QueryRow(query, phone, name, birthday, birthday != nil).Scan(&id); err != nil {
			return ids, fmt.Errorf("failed to insert contact %s: %w", phone, err)
		}
		ids = append(ids, id)
	}

	printSuccess(fmt.Sprintf("✓ Seeded %d contacts", len(ids)))
	return ids, nil
}

// seedRecurrenceRules attaches a handful of recurring reminders to the
// first few seeded contacts.
func seedRecurrenceRules(db *sql.DB, contactIDs []int64, count int) (int, error) {
	printInfo(fmt.Sprintf("Seeding %d recurrence rules...", count))

	templates := []struct {
		kind      string
		content   string
		cron      *string
		everyDays *int
	}{
		{kind: "daily", content: "Good morning! Here is your daily check-in reminder.", cron: strPtr("0 0 9 * * *")},
		{kind: "weekly", content: "Weekly summary is ready for review.", cron: strPtr("0 0 9 * * 1")},
		{kind: "custom", content: "Just checking in, it has been a while!", everyDays: intPtr(14)},
	}

	created := 0
	for i := 0; i < count && i < len(templates) && i < len(contactIDs); i++ {
		t := templates[i]

		query := `
			INSERT INTO recurrence_rules (contact_id, kind, content, cron_expression, every_n_days, enabled)
			VALUES ($1, $2, $3, $4, $5, true)
			ON CONFLICT DO NOTHING
		`
		result, err := db.Exec(query, contactIDs[i], t.kind, t.content, t.cron, t.everyDays)
		if err != nil {
			return created, fmt.Errorf("failed to insert recurrence rule for contact %d: %w", contactIDs[i], err)
		}
		rowsAffected, _ := result.RowsAffected()
		if rowsAffected > 0 {
			created++
		}
	}

	printSuccess(fmt.Sprintf("✓ Seeded %d recurrence rules", created))
	return created, nil
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

// printSuccess prints a success message in green
func printSuccess(msg string) {
	fmt.Printf("%s%s%s\n", colorGreen, msg, colorReset)
}

// printError prints an error message in red
func printError(msg string) {
	fmt.Fprintf(os.Stderr, "%s%s%s\n", colorRed, msg, colorReset)
}

// printInfo prints an info message in cyan
func printInfo(msg string) {
	fmt.Printf("%s%s%s\n", colorCyan, msg, colorReset)
}

// printWarning prints a warning message in yellow
func printWarning(msg string) {
	fmt.Printf("%s%s%s\n", colorYellow, msg, colorReset)
}

// printUsage displays usage information
func printUsage() {
	printInfo("=== chatrelay Database Seeder ===\n")
	fmt.Println("Usage: go run scripts/seed.go [flags]")
	fmt.Println("\nFlags:")
	flag.PrintDefaults()
	fmt.Println("\nExamples:")
	fmt.Println("  go run scripts/seed.go")
	fmt.Println("  go run scripts/seed.go -contacts=20 -rules=3")
	fmt.Println("  go run scripts/seed.go -clear")
	fmt.Println("\nNotes:")
	fmt.Println("  - Contacts use phone pattern: +254700010XXX")
	fmt.Println("  - Contacts are upserted by phone, so re-running does not duplicate them;")
	fmt.Println("    recurrence rules are inserted again on every run")
	fmt.Println("  - Use -clear to remove existing seed data before inserting new data")
}
