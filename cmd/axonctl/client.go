package main

import (
	"os"

	"axonctl/internal/engineapi"
)

// getEngineClient creates an engine API client from environment variables.
// ENGINE_URL defaults to the local engine; SERVICE_AUTH_TOKEN is only
// needed when the engine runs with a service auth secret.
func getEngineClient() *engineapi.Client {
	baseURL := os.Getenv("ENGINE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8082"
	}
	token := os.Getenv("SERVICE_AUTH_TOKEN")

	return engineapi.New(baseURL, token)
}
