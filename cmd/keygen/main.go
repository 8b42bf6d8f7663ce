// Command keygen prints a fresh JWT signing secret. With -rotate it reads the
// running configuration from the environment and prints the full rotation plan.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/droplink/server/internal/auth"
)

func main() {
	rotate := flag.Bool("rotate", false, "print rotation instructions for the configured key")
	flag.Parse()

	_ = godotenv.Load(".env")

	if !*rotate {
		secret, err := auth.GenerateSecret()
		if err != nil {
			fmt.Fprintln(os.Stderr, "keygen:", err)
			os.Exit(1)
		}
		fmt.Println(secret)
		return
	}

	if err := printRotation(); err != nil {
		fmt.Fprintln(os.Stderr, "keygen:", err)
		os.Exit(1)
	}
}

func printRotation() error {
	version := 1
	if v := os.Getenv("JWT_KEY_VERSION"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid JWT_KEY_VERSION %q", v)
		}
		version = n
	}
	keys, err := auth.NewKeyring(os.Getenv("JWT_SECRET_KEY"), os.Getenv("JWT_PREVIOUS_SECRET_KEY"), version)
	if err != nil {
		return err
	}
	plan, err := auth.PlanRotation(keys)
	if err != nil {
		return err
	}

	fmt.Println("# New configuration")
	for _, line := range plan.Env {
		fmt.Println(line)
	}
	fmt.Println()
	fmt.Println("# Steps")
	for i, step := range plan.Instructions {
		fmt.Printf("%d. %s\n", i+1, step)
	}
	return nil
}
