package main

import (
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "orchestrator-migrate"}

func connString(cmd *cobra.Command) string {
	if connStr, _ := cmd.Flags().GetString("db"); connStr != "" {
		return connStr
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v
	}
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
		fmt.Println("Error: --db flag, DATABASE_URL or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
		os.Exit(1)
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName)
}

func newMigrate(cmd *cobra.Command) *migrate.Migrate {
	// Load .env if present
	if err := godotenv.Load(); err != nil {
		fmt.Printf("No .env file found or failed to load: %v. Using --db flag.\n", err)
	}
	source, _ := cmd.Flags().GetString("source")
	m, err := migrate.New(source, connString(cmd))
	if err != nil {
		fmt.Printf("Failed to initialize migrations: %v\n", err)
		os.Exit(1)
	}
	return m
}

var upCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the orchestrator schema migrations",
	Run: func(cmd *cobra.Command, args []string) {
		m := newMigrate(cmd)
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			fmt.Printf("Failed to apply migrations: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migrations applied successfully")
	},
}

var downCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Roll back the most recent migration",
	Run: func(cmd *cobra.Command, args []string) {
		m := newMigrate(cmd)
		if err := m.Steps(-1); err != nil {
			fmt.Printf("Failed to roll back migration: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Rolled back one migration")
	},
}

func main() {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (optional if DATABASE_URL or DB_* env vars are set)")
	rootCmd.PersistentFlags().String("source", "file://migrations", "Migration source URL")
	rootCmd.AddCommand(upCmd, downCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
