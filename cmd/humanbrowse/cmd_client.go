package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"humanbrowse/internal/service"
	"humanbrowse/internal/steps"

	"github.com/spf13/cobra"
)

var (
	runFile       string
	runJSON       string
	runSessionID  string
	runNewSession bool
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the API is up",
	RunE: func(cmd *cobra.Command, args []string) error {
		return clientCall(cmd, http.MethodGet, "/health", nil)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit a step list",
	Long: `Submits steps to /v1/run_steps and prints the response.

The input is either a JSON array of steps or a full request object
({"session_id": ..., "new_session": ..., "steps": [...]}). Steps are
validated locally before anything is sent.

Example:
  humanbrowse run --json '[{"type":"goto","url":"https://example.com"},{"type":"extract_readable"}]'
  humanbrowse run --file steps.json --session 3f2a...`,
	RunE: runSteps,
}

var resumeCmd = &cobra.Command{
	Use:   "resume [session-id]",
	Short: "Resume a session paused for manual assistance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return clientCall(cmd, http.MethodPost, "/v1/resume", map[string]string{"session_id": args[0]})
	},
}

var closeCmd = &cobra.Command{
	Use:   "close [session-id]",
	Short: "Close a session and its browser context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return clientCall(cmd, http.MethodPost, "/v1/close_session", map[string]string{"session_id": args[0]})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show a session's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return clientCall(cmd, http.MethodGet, "/v1/session_status?session_id="+url.QueryEscape(args[0]), nil)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "Read the request from a file (- for stdin)")
	runCmd.Flags().StringVar(&runJSON, "json", "", "Inline request JSON")
	runCmd.Flags().StringVarP(&runSessionID, "session", "s", "", "Session to run in")
	runCmd.Flags().BoolVar(&runNewSession, "new-session", false, "Force a new session")
	runCmd.MarkFlagsMutuallyExclusive("file", "json")
}

func apiBase() string {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/")
	}
	return cfg.BaseURL()
}

// apiError is a non-2xx API response.
type apiError struct {
	Status int
	Detail string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api error (%d): %s", e.Status, e.Detail)
}

func doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, apiBase()+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(data, &e) != nil || e.Detail == "" {
			e.Detail = strings.TrimSpace(string(data))
		}
		return nil, &apiError{Status: resp.StatusCode, Detail: e.Detail}
	}
	return data, nil
}

func printJSON(w io.Writer, data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = w.Write(data)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func clientCall(cmd *cobra.Command, method, path string, body any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	data, err := doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), data)
}

// parseRunInput accepts a bare step array or a request object.
func parseRunInput(data []byte) (service.Request, error) {
	var req service.Request
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return req, fmt.Errorf("empty request")
	}
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &req.Steps); err != nil {
			return req, fmt.Errorf("parse steps: %w", err)
		}
	} else if err := json.Unmarshal(trimmed, &req); err != nil {
		return req, fmt.Errorf("parse request: %w", err)
	}
	if _, err := steps.DecodeRaw(req.Steps); err != nil {
		return req, err
	}
	return req, nil
}

func readRunInput(cmd *cobra.Command) ([]byte, error) {
	switch {
	case runJSON != "":
		return []byte(runJSON), nil
	case runFile == "-":
		return io.ReadAll(cmd.InOrStdin())
	case runFile != "":
		return os.ReadFile(runFile)
	}
	return nil, fmt.Errorf("one of --file or --json is required")
}

func runSteps(cmd *cobra.Command, args []string) error {
	data, err := readRunInput(cmd)
	if err != nil {
		return err
	}
	req, err := parseRunInput(data)
	if err != nil {
		return err
	}
	if runSessionID != "" {
		req.SessionID = runSessionID
	}
	if runNewSession {
		req.NewSession = true
	}
	return clientCall(cmd, http.MethodPost, "/v1/run_steps", req)
}
