package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL  string
	outputJSON bool
)

// apiClient is shared by every subcommand; the timeout covers execute
// calls that wait on chain confirmations server-side.
var apiClient = &http.Client{Timeout: 2 * time.Minute}

// apiError is the server's error body: {"error": ..., "code": ...}.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func addClientFlags(cmds ...*cobra.Command) {
	for _, cmd := range cmds {
		cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "allocd server URL")
		cmd.Flags().BoolVar(&outputJSON, "output-json", false, "Output as JSON")
	}
}

func apiRequest(method, path string, body interface{}) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := apiClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

func printJSON(data []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		// Not JSON; print whatever the server sent.
		fmt.Fprintln(os.Stdout, string(data))
		return
	}
	fmt.Fprintln(os.Stdout, buf.String())
}

func exitOnError(data []byte, status int) {
	if status < 400 {
		return
	}
	var apiErr apiError
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
		if apiErr.Code != "" {
			fmt.Fprintf(os.Stderr, "Error (%s): %s\n", apiErr.Code, apiErr.Error)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %s\n", apiErr.Error)
		}
	} else {
		fmt.Fprintf(os.Stderr, "Error: HTTP %d: %s\n", status, string(data))
	}
	os.Exit(1)
}
