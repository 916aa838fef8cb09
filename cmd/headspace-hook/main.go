// Package main is the hook notifier CLI. Agent processes run it from
// their lifecycle hooks: it reads the hook document JSON on stdin, fills
// in the session identity from the environment and posts the result to
// the headspace server.
//
// Usage:
//
//	headspace-hook [flags] <kind>
//
// where <kind> is one of the hook kinds the server accepts
// (session_start, user_prompt_submit, pre_tool_use, post_tool_use,
// notification, permission_request, stop, session_end).
//
// The process exits 0 when the server acknowledged the hook with a 2xx.
// For session_start the response's context text is printed to stdout,
// which the agent runtime injects into the conversation; every other
// kind writes nothing to stdout.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const maxPayloadBytes = 1 << 20

var (
	urlFlag     = flag.String("url", "http://localhost:4160", "headspace server URL")
	timeoutFlag = flag.Duration("timeout", 5*time.Second, "request timeout")
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: headspace-hook [flags] <kind>")
		os.Exit(2)
	}
	kind := flag.Arg(0)
	baseURL := getEnvOrFlag("HEADSPACE_URL", *urlFlag)

	payload, err := readPayload(os.Stdin, os.Getenv("HEADSPACE_SESSION_ID"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "headspace-hook: %v\n", err)
		os.Exit(1)
	}

	body, err := post(baseURL, kind, payload, *timeoutFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "headspace-hook: %v\n", err)
		os.Exit(1)
	}
	if kind == "session_start" {
		if text := contextText(body); text != "" {
			fmt.Println(text)
		}
	}
}

// readPayload parses the hook document and injects sessionID when the
// document does not carry a session_id of its own.
func readPayload(r io.Reader, sessionID string) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r, maxPayloadBytes))
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	doc := make(map[string]any)
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse payload: %w", err)
		}
	}
	if sid, _ := doc["session_id"].(string); sid == "" && sessionID != "" {
		doc["session_id"] = sessionID
	}
	return json.Marshal(doc)
}

func post(baseURL, kind string, payload []byte, timeout time.Duration) ([]byte, error) {
	client := &http.Client{Timeout: timeout}
	url := fmt.Sprintf("%s/hook/%s", strings.TrimRight(baseURL, "/"), kind)
	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

// contextText extracts the priming context from a session_start response.
func contextText(body []byte) string {
	var resp struct {
		Context string `json:"context"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	return strings.TrimSpace(resp.Context)
}

// getEnvOrFlag returns the environment variable value if set, otherwise the flag value.
func getEnvOrFlag(envKey, flagValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return flagValue
}
