package main

import (
	_ "github.com/joho/godotenv/autoload"

	"pricewatch/internal/cli"
)

func main() {
	cli.Execute()
}
