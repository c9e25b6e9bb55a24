// pool-admin is an operator tool for bootstrapping accounts: it creates
// admin and super-admin users directly in the ledger, bypassing the public
// registration flow, which only ever creates investors.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"pool-capital-engine/config"
	"pool-capital-engine/internal/auth"
	"pool-capital-engine/internal/database"
)

func main() {
	fmt.Println("========================================")
	fmt.Println(" Pool Engine Administration Tool")
	fmt.Println("========================================")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	repo := database.NewRepository(db)
	passwords := auth.NewPasswordManager(auth.DefaultBcryptCost, cfg.AuthConfig.MinPasswordLength)

	reader := bufio.NewReader(os.Stdin)

	for {
		fmt.Println("\nOptions:")
		fmt.Println("  1. Create admin user")
		fmt.Println("  2. Create super admin user (MFA pre-enabled)")
		fmt.Println("  3. Exit")
		fmt.Print("\nSelect option: ")

		input, _ := reader.ReadString('\n')
		switch strings.TrimSpace(input) {
		case "1":
			createUser(reader, repo, passwords, database.RoleAdmin)
		case "2":
			createUser(reader, repo, passwords, database.RoleSuperAdmin)
		case "3":
			fmt.Println("Goodbye!")
			os.Exit(0)
		default:
			fmt.Println("Invalid option")
		}
	}
}

func createUser(reader *bufio.Reader, repo *database.Repository, passwords *auth.PasswordManager, role database.UserRole) {
	fmt.Print("Email: ")
	email, _ := reader.ReadString('\n')
	email = strings.ToLower(strings.TrimSpace(email))

	fmt.Print("Name: ")
	name, _ := reader.ReadString('\n')
	name = strings.TrimSpace(name)

	fmt.Print("Password: ")
	password, _ := reader.ReadString('\n')
	password = strings.TrimSpace(password)

	if err := passwords.ValidatePasswordStrength(password); err != nil {
		fmt.Printf("Rejected: %v\n", err)
		return
	}

	hash, err := passwords.HashPassword(password)
	if err != nil {
		fmt.Printf("Failed to hash password: %v\n", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	existing, err := repo.GetUserByEmail(ctx, email)
	if err != nil {
		fmt.Printf("Failed to check email: %v\n", err)
		return
	}
	if existing != nil {
		fmt.Println("Rejected: email already registered")
		return
	}

	user := &database.User{
		Email:                 email,
		PasswordHash:          hash,
		Name:                  name,
		Role:                  role,
		KycStatus:             database.KycApproved,
		HasActiveSubscription: true,
		MfaEnabled:            role == database.RoleSuperAdmin,
		MfaRequired:           role == database.RoleSuperAdmin,
	}

	if err := repo.CreateUser(ctx, user); err != nil {
		fmt.Printf("Failed to create user: %v\n", err)
		return
	}

	fmt.Println("\n========================================")
	fmt.Printf("  Created %s: %s (%s)\n", role, user.Email, user.ID)
	fmt.Println("========================================")
}
