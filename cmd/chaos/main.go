// cmd/chaos/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"clubpass/internal/chaos"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	w := newWorld(time.Now().UnixNano())
	engine := chaos.NewEngine()

	failed := 0
	for _, exp := range w.experiments() {
		fmt.Printf("🧪 %s: %s\n", exp.Name, exp.Hypothesis)
		res, err := engine.Run(ctx, exp)
		if err != nil {
			log.Printf("[chaos] experiment %s aborted: %v", exp.Name, err)
			failed++
			continue
		}
		if !res.HypothesisHeld {
			failed++
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(engine.Results()); err != nil {
		log.Fatalf("Failed to write results: %v", err)
	}
	if failed > 0 {
		log.Fatalf("Chaos game day failed: %d experiment(s) did not hold", failed)
	}
	fmt.Println("✅ all hypotheses held")
}
