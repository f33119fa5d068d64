package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
)

// Standalone schema bootstrap for deployments that do not use AutoMigrate.
// Run with: go run scripts/create_tables.go
func main() {
	fmt.Println("Creating TAS Knowledge Base database tables...")

	// Connect to database
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		envOr("DB_HOST", "localhost"),
		envOr("DB_PORT", "5432"),
		envOr("DB_USER", "kbuser"),
		os.Getenv("DB_PASSWORD"),
		envOr("DB_NAME", "tas_knowledge"),
		envOr("DB_SSL_MODE", "disable"),
	)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Test connection
	err = db.Ping()
	if err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	fmt.Println("✅ Connected to database")

	// Create source_documents table
	fmt.Println("Creating source_documents table...")
	createDocumentsTable := `
	CREATE TABLE IF NOT EXISTS source_documents (
		id UUID PRIMARY KEY,
		original_filename VARCHAR(512) NOT NULL,
		storage_handle TEXT NOT NULL,
		file_type VARCHAR(20) NOT NULL,
		byte_length BIGINT NOT NULL,
		fingerprint VARCHAR(64) NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
		error_message TEXT,
		last_ingested_at TIMESTAMP WITH TIME ZONE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		CONSTRAINT uq_source_documents_fingerprint UNIQUE (fingerprint)
	)`

	_, err = db.Exec(createDocumentsTable)
	if err != nil {
		log.Printf("Warning: Failed to create source_documents table: %v", err)
	} else {
		fmt.Println("✅ source_documents table created/verified")
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_source_documents_status ON source_documents (status)`)
	if err != nil {
		log.Printf("Warning: Failed to create status index: %v", err)
	}

	// Create chunks table
	fmt.Println("Creating chunks table...")
	createChunksTable := `
	CREATE TABLE IF NOT EXISTS chunks (
		id VARCHAR(100) PRIMARY KEY,
		document_id UUID NOT NULL REFERENCES source_documents (id) ON DELETE CASCADE,
		parent_chunk_id VARCHAR(100) REFERENCES chunks (id) ON DELETE CASCADE,
		sequence_in_document INTEGER NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`

	_, err = db.Exec(createChunksTable)
	if err != nil {
		log.Printf("Warning: Failed to create chunks table: %v", err)
	} else {
		fmt.Println("✅ chunks table created/verified")
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_chunks_document_id ON chunks (document_id)`)
	if err != nil {
		log.Printf("Warning: Failed to create chunks document index: %v", err)
	}

	// Create ingestion_runs table
	fmt.Println("Creating ingestion_runs table...")
	createRunsTable := `
	CREATE TABLE IF NOT EXISTS ingestion_runs (
		id UUID PRIMARY KEY,
		document_id UUID NOT NULL REFERENCES source_documents (id) ON DELETE CASCADE,
		trigger VARCHAR(20) NOT NULL,
		status VARCHAR(20) NOT NULL,
		steps JSONB DEFAULT '[]',
		stats JSONB,
		chunk_count INTEGER DEFAULT 0,
		error_message TEXT,
		duration_ms INTEGER DEFAULT 0,
		started_at TIMESTAMP WITH TIME ZONE NOT NULL,
		completed_at TIMESTAMP WITH TIME ZONE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`

	_, err = db.Exec(createRunsTable)
	if err != nil {
		log.Printf("Warning: Failed to create ingestion_runs table: %v", err)
	} else {
		fmt.Println("✅ ingestion_runs table created/verified")
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_ingestion_runs_document_id ON ingestion_runs (document_id)`)
	if err != nil {
		log.Printf("Warning: Failed to create runs document index: %v", err)
	}

	fmt.Println("Done.")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
