// testserver runs the fake CSA platform standalone so kompot can be
// exercised end to end without a real installation.
// Usage: go run ./cmd/testserver
package main

import (
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/seantiz/kompot/internal/csatest"
)

func main() {
	addr := ":8080"
	if v := os.Getenv("KOMPOT_TESTSERVER_ADDR"); v != "" {
		addr = v
	}

	size := "10"
	srv := csatest.New(csatest.Options{
		Offerings: []csatest.Offering{
			{
				ID:        "OFF-WEB",
				CatalogID: "CAT-1",
				Name:      "Web Server",
				Version:   "2.0",
				Category:  "Infrastructure",
				Fields: []csatest.Field{
					{ID: "F1", Name: "size", Value: &size},
					{ID: "F2", Name: "region"},
				},
			},
			{
				ID:        "OFF-DB",
				CatalogID: "CAT-1",
				Name:      "Database",
				Version:   "1.1",
				Category:  "Data",
				Fields: []csatest.Field{
					{ID: "F1", Name: "engine"},
				},
			},
		},
		StatusScripts: map[string][]string{
			"OFF-WEB": {"PENDING", "PENDING", "ACTIVE"},
			"OFF-DB":  {"PENDING", "FAILED"},
		},
		TokenTTL: time.Hour,
	}, slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	log.Printf("testserver: listening on %s", addr)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
