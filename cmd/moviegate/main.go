package main

import (
	"log"

	"moviegate/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatalf("moviegate failed: %v", err)
	}
}
