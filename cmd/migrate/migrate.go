package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"clinical-fhir-extractor/internal/config"
	"clinical-fhir-extractor/models"
	"clinical-fhir-extractor/services"
)

func usage() {
	fmt.Println("Usage: migrate <command> [args]")
	fmt.Println("Commands:")
	fmt.Println("  ensure-indexes           - Create or update collection indexes")
	fmt.Println("  verify-audit             - Verify the audit log hash chain")
	fmt.Println("  sweep-api-keys           - Deactivate expired API keys")
	fmt.Println("  reset-quota <user_id>    - Clear a user's extraction usage for today")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	command := os.Args[1]

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connecting also ensures indexes.
	client, err := config.ConnectMongoDB(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer client.Disconnect(context.Background())
	db := client.Database(cfg.DBName)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	switch command {
	case "ensure-indexes":
		if err := config.EnsureIndexes(ctx, db); err != nil {
			log.Fatalf("Index creation failed: %v", err)
		}
		fmt.Println("Indexes are up to date")

	case "verify-audit":
		report, err := models.NewAuditLogger(db, nil).VerifyChain(ctx)
		if err != nil {
			log.Fatalf("Verification failed: %v", err)
		}
		if !report.Valid {
			fmt.Printf("Audit chain BROKEN at %s: %s (%d events checked)\n", report.BrokenAt, report.Reason, report.Events)
			os.Exit(2)
		}
		fmt.Printf("Audit chain valid (%d events)\n", report.Events)

	case "sweep-api-keys":
		n, err := services.NewAPIKeyService(db, cfg.APIKeyLength).DeactivateExpired(ctx, time.Now())
		if err != nil {
			log.Fatalf("Sweep failed: %v", err)
		}
		fmt.Printf("Deactivated %d expired API keys\n", n)

	case "reset-quota":
		if len(os.Args) < 3 {
			usage()
			os.Exit(1)
		}
		if err := services.NewQuotaService(db, cfg.DailyExtractionLimit).Reset(ctx, os.Args[2]); err != nil {
			log.Fatalf("Quota reset failed: %v", err)
		}
		fmt.Printf("Quota reset for user %s\n", os.Args[2])

	default:
		fmt.Printf("Unknown command: %s\n", command)
		usage()
		os.Exit(1)
	}
}
