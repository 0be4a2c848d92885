// llmqctl is a small operator CLI for a running llm-gateway: submit test
// requests and read metrics.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/microsoft/Shiksha-Copilot-sub001/pkg/llmqapi"
)

func main() {
	baseURL := flag.String("url", envOr("SHIKSHA_GATEWAY_URL", "http://localhost:8080"), "gateway base URL")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	client := &http.Client{Timeout: 120 * time.Second}
	var err error
	switch args[0] {
	case "submit":
		err = runSubmit(client, *baseURL, args[1:])
	case "metrics":
		err = runMetrics(client, *baseURL)
	case "health":
		err = runHealth(client, *baseURL)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: llmqctl [-url URL] <command>

commands:
  submit -user ID -type TYPE [-prompt TEXT] [-llm ID] [-embedding]
  metrics
  health`)
}

func runSubmit(client *http.Client, baseURL string, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	user := fs.String("user", "", "user id")
	reqType := fs.String("type", "chat", "request type")
	prompt := fs.String("prompt", "hello", "prompt text")
	llmID := fs.String("llm", "", "specific LLM deployment id")
	embedding := fs.Bool("embedding", false, "require an embedding model instead of an LLM")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := llmqapi.SubmitRequest{
		ReqType: *reqType,
		UserID:  *user,
		Payload: *prompt,
		Preferences: llmqapi.ModelPreferences{
			RequireLLM:       !*embedding,
			RequireEmbedding: *embedding,
			SpecificLLMID:    *llmID,
		},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/v1/llm", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var decoded llmqapi.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return err
	}
	fmt.Printf("status: %s (http %d)\n", decoded.Status, resp.StatusCode)
	if decoded.Response != nil {
		out, _ := json.MarshalIndent(decoded.Response, "", "  ")
		fmt.Printf("response: %s\n", out)
	}
	if decoded.ErrorMessage != "" {
		fmt.Printf("error: %s\n", decoded.ErrorMessage)
	}
	if decoded.RetryAfterSeconds > 0 {
		fmt.Printf("retry after: %.1fs\n", decoded.RetryAfterSeconds)
	}
	return nil
}

func runMetrics(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/v1/metrics/prometheus")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("metrics endpoint returned %s", resp.Status)
	}
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}

func runHealth(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/healthz")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway unhealthy: %s", resp.Status)
	}
	fmt.Println("ok")
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
