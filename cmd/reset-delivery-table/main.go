package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"regexp"

	"github.com/lib/pq"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func main() {
	connStr := flag.String("postgres-url", os.Getenv("TICKETING_POSTGRES_URL"), "postgres connection string")
	table := flag.String("table", "ticket_deliveries", "delivery queue table to drop")
	flag.Parse()

	if *connStr == "" {
		log.Fatal("postgres url is required (-postgres-url or TICKETING_POSTGRES_URL)")
	}
	if !tableName.MatchString(*table) {
		log.Fatalf("invalid table name %q", *table)
	}

	db, err := sql.Open("postgres", *connStr)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatal("Failed to connect:", err)
	}

	fmt.Println("✓ Connected to database successfully")

	quoted := pq.QuoteIdentifier(*table)

	var pending int
	row := db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status <> 'failed'", quoted))
	switch err := row.Scan(&pending); {
	case err == nil && pending > 0:
		log.Fatalf("%s still holds %d undelivered notifications; drain or retry them first", *table, pending)
	case err != nil && !isUndefinedTable(err):
		log.Fatal("Failed to count pending deliveries:", err)
	}

	fmt.Printf("Dropping %s...\n", *table)
	if _, err := db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", quoted)); err != nil {
		log.Fatal("Failed to drop table:", err)
	}

	fmt.Println("✓ Table dropped successfully!")
	fmt.Println("\nNext step: Restart the server to recreate the table with the current schema.")
}

// isUndefinedTable matches SQLSTATE 42P01; a missing table has nothing to drain.
func isUndefinedTable(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "42P01"
}
