package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// taskCmd groups the task controls of a running decision server.
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Act on tasks through a running decision server",
}

var taskResolveCmd = &cobra.Command{
	Use:   "resolve [task-id]",
	Short: "Mark an escalated task as resolved",
	Long: `Tells the server that a human resolved the task. A blocked campaign
task returns to pending and its verification attempts start over.

Example:
  nerd task resolve t1 --server http://127.0.0.1:7777`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return control(cmd, "/v1/tasks/"+args[0]+"/resolve", nil, "resolved")
	},
}

// campaignCmd groups the campaign controls of a running decision server.
var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Pause, resume or replan campaigns on a running decision server",
}

var campaignPauseCmd = &cobra.Command{
	Use:   "pause [campaign-id]",
	Short: "Stop dispatching tasks of a campaign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return control(cmd, "/v1/campaigns/"+args[0]+"/pause", nil, "paused")
	},
}

var campaignResumeCmd = &cobra.Command{
	Use:   "resume [campaign-id]",
	Short: "Resume dispatch for a paused campaign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return control(cmd, "/v1/campaigns/"+args[0]+"/resume", nil, "resumed")
	},
}

var campaignReplanCmd = &cobra.Command{
	Use:   "replan [campaign-id]",
	Short: "Request a replan of a campaign",
	Long: `Records a replan trigger. Dispatch for the campaign waits until the
replanner has run.

Example:
  nerd campaign replan c1 --reason new_requirement --details "add SSO"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{"reason": replanReason, "details": replanDetails}
		return control(cmd, "/v1/campaigns/"+args[0]+"/replan", body, "replan requested")
	},
}

var campaignSkipPhaseCmd = &cobra.Command{
	Use:   "skip-phase [phase-id]",
	Short: "Skip a phase that has not completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return control(cmd, "/v1/phases/"+args[0]+"/skip", nil, "skipped")
	},
}

var (
	serverURL     string
	replanReason  string
	replanDetails string
)

func init() {
	for _, c := range []*cobra.Command{taskCmd, campaignCmd} {
		c.PersistentFlags().StringVar(&serverURL, "server", "", "Decision server URL (default: http:// + api.addr from config)")
	}
	campaignReplanCmd.Flags().StringVar(&replanReason, "reason", "user_request", "Replan reason")
	campaignReplanCmd.Flags().StringVar(&replanDetails, "details", "", "Free-form details for the replanner")

	taskCmd.AddCommand(taskResolveCmd)
	campaignCmd.AddCommand(campaignPauseCmd, campaignResumeCmd, campaignReplanCmd, campaignSkipPhaseCmd)
}

// serverBase returns --server, or the configured API address.
func serverBase() (string, error) {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/"), nil
	}
	cfg, err := loadConfig(resolveWorkspace())
	if err != nil {
		return "", err
	}
	return "http://" + cfg.API.Addr, nil
}

// control POSTs to the decision server and prints done with the returned id.
func control(cmd *cobra.Command, path string, body any, done string) error {
	base, err := serverBase()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	logger.Debug("Calling decision server", zap.String("url", req.URL.String()))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("decision server unreachable at %s: %w", base, err)
	}
	defer resp.Body.Close()

	var out struct {
		ID    string `json:"id"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("bad response from decision server (%s): %w", resp.Status, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s: %s", resp.Status, out.Error)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okStyle.Render(done), out.ID)
	return nil
}
