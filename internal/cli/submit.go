package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/cobra"
)

func newSubmitCmd() *cobra.Command {
	var (
		server   string
		apiKey   string
		priority int
		tenant   string
		noDedup  bool
		options  []string
		jsonOut  bool
	)

	cmd := &cobra.Command{
		Use:   "submit URL [URL...]",
		Short: "Enqueue one or more URLs on a running instance",
		Long: `Submit URLs to the job queue of a running galion serve process over its
REST API. A single URL prints the queued job; multiple URLs are sent as one
batch and reported per URL.

Example:
  galion submit https://example.org/file.zip
  galion submit --priority 8 --tenant media-team https://youtube.com/watch?v=abc
  galion submit --option quality=720p https://tiktok.com/@user/video/123`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := parseOptions(options)
			if err != nil {
				return err
			}
			if apiKey == "" {
				apiKey = os.Getenv("GALION_API_KEY")
			}

			payload := map[string]any{}
			if len(args) == 1 {
				payload["url"] = args[0]
			} else {
				payload["urls"] = args
			}
			if priority != 0 {
				payload["priority"] = priority
			}
			if tenant != "" {
				payload["tenant"] = tenant
			}
			if noDedup {
				payload["dedup"] = false
			}
			if len(opts) > 0 {
				payload["options"] = opts
			}
			body, err := json.Marshal(payload)
			if err != nil {
				return err
			}

			rc := retryablehttp.NewClient()
			rc.RetryMax = 2
			rc.Logger = nil
			rc.HTTPClient.Timeout = 30 * time.Second
			client := rc.StandardClient()

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
				strings.TrimSuffix(server, "/")+"/v1/jobs", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			if apiKey != "" {
				req.Header.Set("X-API-Key", apiKey)
			}

			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("submit to %s: %w", server, err)
			}
			defer resp.Body.Close()
			raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return err
			}

			if jsonOut {
				cmd.Println(string(bytes.TrimSpace(raw)))
				if resp.StatusCode >= 400 {
					return fmt.Errorf("server returned %s", resp.Status)
				}
				return nil
			}
			if len(args) == 1 {
				return reportSingle(cmd, resp.StatusCode, raw)
			}
			return reportBatch(cmd, resp.StatusCode, raw)
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://127.0.0.1:8333", "Base URL of the running instance")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key (also reads GALION_API_KEY)")
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "Job priority 0-10, higher served sooner")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant label attached to the jobs")
	cmd.Flags().BoolVar(&noDedup, "no-dedup", false, "Queue even if the URL was seen recently")
	cmd.Flags().StringArrayVarP(&options, "option", "o", nil, "Handler option as key=value (repeatable)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the raw API response")

	return cmd
}

func parseOptions(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --option %q, want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

type submittedJob struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	PlatformID string `json:"platform_id"`
	Priority   int    `json:"priority"`
}

type submitError struct {
	Error      string `json:"error"`
	ExistingID string `json:"existing_id"`
}

func reportSingle(cmd *cobra.Command, status int, raw []byte) error {
	switch status {
	case http.StatusAccepted:
		var job submittedJob
		if err := json.Unmarshal(raw, &job); err != nil {
			return fmt.Errorf("unexpected response: %s", raw)
		}
		cmd.Printf("queued %s  platform=%s  priority=%d\n", job.ID, job.PlatformID, job.Priority)
		return nil
	case http.StatusConflict:
		var e submitError
		if err := json.Unmarshal(raw, &e); err == nil && e.ExistingID != "" {
			return fmt.Errorf("duplicate: already tracked as job %s", e.ExistingID)
		}
		return fmt.Errorf("duplicate url")
	default:
		return apiError(status, raw)
	}
}

type batchReport struct {
	Queued int `json:"queued"`
	Items  []struct {
		URL        string        `json:"url"`
		Job        *submittedJob `json:"job"`
		Error      string        `json:"error"`
		ExistingID string        `json:"existing_id"`
	} `json:"items"`
}

func reportBatch(cmd *cobra.Command, status int, raw []byte) error {
	if status != http.StatusAccepted {
		return apiError(status, raw)
	}
	var rep batchReport
	if err := json.Unmarshal(raw, &rep); err != nil {
		return fmt.Errorf("unexpected response: %s", raw)
	}
	for _, item := range rep.Items {
		switch {
		case item.Job != nil:
			cmd.Printf("queued    %s  %s\n", item.Job.ID, item.URL)
		case item.ExistingID != "":
			cmd.Printf("duplicate %s  %s\n", item.ExistingID, item.URL)
		default:
			cmd.Printf("rejected  %s (%s)\n", item.URL, item.Error)
		}
	}
	cmd.Printf("%d of %d queued\n", rep.Queued, len(rep.Items))
	if rep.Queued == 0 {
		return fmt.Errorf("no urls were queued")
	}
	return nil
}

func apiError(status int, raw []byte) error {
	var e submitError
	if err := json.Unmarshal(raw, &e); err == nil && e.Error != "" {
		return fmt.Errorf("server rejected request (%d): %s", status, e.Error)
	}
	return fmt.Errorf("server returned status %d", status)
}
