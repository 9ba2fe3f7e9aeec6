package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"cvchapchap/internal/auth"
	"cvchapchap/internal/database"
)

var createUserCmd = &cobra.Command{
	Use:   "create-user",
	Short: "Create an admin account with a one-time password",
	Long:  "Creates an admin account with a random password. The admin must change it at first login.",
	RunE:  runCreateUser,
}

var createUsername string

func init() {
	createUserCmd.Flags().StringVarP(&createUsername, "username", "u", "", "admin username (required)")
	if err := createUserCmd.MarkFlagRequired("username"); err != nil {
		panic(fmt.Sprintf("mark username flag required: %v", err))
	}
	rootCmd.AddCommand(createUserCmd)
}

func runCreateUser(cmd *cobra.Command, _ []string) error {
	username := strings.ToLower(strings.TrimSpace(createUsername))
	if username == "" {
		return errors.New("username must not be blank")
	}

	db, err := openDatabase()
	if err != nil {
		return err
	}

	var existing database.User
	switch err := db.Where("username = ?", username).First(&existing).Error; {
	case err == nil:
		return fmt.Errorf("user %q already exists", username)
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return fmt.Errorf("query user: %w", err)
	}

	password, err := generateRandomPassword(24)
	if err != nil {
		return err
	}
	hashed, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	user := database.User{
		Username:           username,
		PasswordHash:       hashed,
		MustChangePassword: true,
	}
	if err := db.Create(&user).Error; err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Admin account created (password change required at first login):")
	fmt.Fprintf(out, "Username: %s\n", username)
	fmt.Fprintf(out, "Password: %s\n", password)
	fmt.Fprintln(out, "This password is shown only once.")
	return nil
}

func generateRandomPassword(bytesLen int) (string, error) {
	if bytesLen <= 0 {
		bytesLen = 24
	}
	buf := make([]byte, bytesLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
