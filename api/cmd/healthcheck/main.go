package main

import (
	"net/http"
	"os"
	"time"
)

// Container HEALTHCHECK probe for the agent image. It reads the same AGENT_PORT
// the daemon listens on.
func main() {
	port := os.Getenv("AGENT_PORT")
	if port == "" {
		port = "3001"
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + port + "/health")
	if err != nil {
		os.Exit(1) // Docker marks as UNHEALTHY
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
	os.Exit(0) // Docker marks as HEALTHY
}
