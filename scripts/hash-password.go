package main

import (
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
)

// Prints a bcrypt hash suitable for ADMIN_KEY_HASH.
func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: go run scripts/hash-password.go <admin-key>\n")
		os.Exit(1)
	}

	key := os.Args[1]
	if len(key) < 16 {
		fmt.Fprintf(os.Stderr, "Error: admin key must be at least 16 characters\n")
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), 12)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(string(hash))
}
