//go:build ignore

// Prints a signed tier token for driving load tools against the sidecar.
//
//	JWT_SECRET=... TIER=elevated go run gen-token.go
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "loadtest-secret-key-32-chars-long!!!"
	}
	tier := os.Getenv("TIER")
	if tier == "" {
		tier = "authenticated"
	}
	sub := os.Getenv("SUBJECT")
	if sub == "" {
		sub = "loadtest-caller"
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  sub,
		"tier": tier,
		"exp":  time.Now().Add(2 * time.Hour).Unix(),
	})
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(s)
}
