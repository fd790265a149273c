// Command linksage ingests patient/provider relationship batches, curates
// them into a bipartite graph, trains a GraphSAGE link predictor and serves
// link scores and recommendations.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// A missing .env is normal; variables may come from the environment.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
