//go:build ignore

// Backend is a small HTTP app used to try the proxy by hand.
// It listens on $PORT and cold starts slowly enough to watch the proxy retry.
//
// Usage:
//
//	PORT=3001 go run scripts/backend.go
//
// With the example config.yaml the proxy launches it on the first request
// to :8081 and stops it after the idle timeout.
package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
)

// Note represents a note echoed back to the caller.
type Note struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3001"
	}

	// give the proxy a window where connections are refused
	time.Sleep(500 * time.Millisecond)

	mux := http.NewServeMux()
	mux.HandleFunc("/notes", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		log.Printf("request: method=%s path=%s body=%s", r.Method, r.URL.Path, string(body))

		note := Note{ID: uuid.Must(uuid.NewV7()).String(), Text: string(body)}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(note)
	})

	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://localhost:"+port+"/notes", http.StatusFound)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	addr := ":" + port
	log.Printf("starting backend on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
