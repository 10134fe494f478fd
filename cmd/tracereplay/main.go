package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"

	"github.com/roach88/tracereplay/internal/cli"
)

func main() {
	// A .env file is optional; real environment variables win.
	_ = godotenv.Load()

	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
