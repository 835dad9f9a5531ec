package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"clinical-fhir-extractor/internal/config"
	"clinical-fhir-extractor/models"
	"clinical-fhir-extractor/services"
	"clinical-fhir-extractor/utils"
)

// Creates the first admin account. Registration only ever assigns the user
// role, so admins start here.
func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	username := os.Getenv("ADMIN_USERNAME")
	email := os.Getenv("ADMIN_EMAIL")
	password := os.Getenv("ADMIN_PASSWORD")
	if username == "" || email == "" || password == "" {
		log.Fatal("ADMIN_USERNAME, ADMIN_EMAIL and ADMIN_PASSWORD are required")
	}
	if n := len(password); n < cfg.PasswordMinLength || n > cfg.PasswordMaxLength {
		log.Fatalf("ADMIN_PASSWORD must be %d to %d characters", cfg.PasswordMinLength, cfg.PasswordMaxLength)
	}

	// Connect to MongoDB
	client, err := config.ConnectMongoDB(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer client.Disconnect(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hash, err := utils.HashPassword(password, cfg.BcryptCost)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	admin := &models.User{
		Username:     username,
		Email:        email,
		FullName:     os.Getenv("ADMIN_FULL_NAME"),
		PasswordHash: hash,
		Role:         models.RoleAdmin,
		IsActive:     true,
	}
	users := services.NewUserService(client.Database(cfg.DBName))
	if err := users.Create(ctx, admin); err != nil {
		if errors.Is(err, services.ErrDuplicate) {
			fmt.Printf("User %q or email %q already exists, nothing to do\n", username, email)
			return
		}
		log.Fatalf("Failed to create admin user: %v", err)
	}

	fmt.Println("Admin user created")
	fmt.Printf("   Username: %s\n", admin.Username)
	fmt.Printf("   Email:    %s\n", admin.Email)
	fmt.Printf("   User ID:  %s\n", admin.ID.Hex())
}
