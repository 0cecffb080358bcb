// Command fairctl is the operator and player tool for provably fair rounds:
// it replays revealed rounds, estimates return to player and mints tokens
// for local testing.
package main

import (
	"os"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	if err := RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
