package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/tekr9d3r/euroyield/internal/app"
)

func main() {
	// Local .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	runner := app.NewRunner()
	os.Exit(runner.Run(os.Args[1:]))
}
