// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main is the entry point for the AxonFlow Decision Engine service.
//
// The Decision Engine governs LLM inference traffic:
// - Evaluates routing policies and tenant model subscriptions
// - Filters candidates by data sensitivity and provider compliance
// - Gates on provider health circuits and monthly spend budgets
// - Applies experiment overlays with automatic guardrail rollback
// - Invokes providers with retry and ordered fallback
// - Screens outputs for sensitive data, redrafting when configured
// - Records a full decision trace for every request
//
// Usage:
//
//	./engine
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8082)
//	DATABASE_URL - PostgreSQL/MySQL connection string (optional)
//	REDIS_URL - shared budget counters (optional)
//	MONGO_URI - experiment definitions (optional)
//	OPENAI_API_KEY - OpenAI API key (optional)
//	ANTHROPIC_API_KEY - Anthropic API key (optional)
//	BEDROCK_REGION - AWS Bedrock region (optional)
//	SELFHOSTED_ENDPOINT - OpenAI-compatible internal endpoint (optional)
//
// For more information, see https://docs.getaxonflow.com
package main

import (
	"github.com/joho/godotenv"

	"axonflow/engine"
)

func main() {
	// Local development convenience; deployed instances configure
	// through real environment variables.
	_ = godotenv.Load(".env")

	engine.Run()
}
