package main

import (
	"log"

	"lpmining/services/rewardsd"
)

func main() {
	if err := rewardsd.Main(); err != nil {
		log.Fatalf("rewardsd: %v", err)
	}
}
