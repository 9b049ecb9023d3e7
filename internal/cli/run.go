package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inferno-ai/inferno/internal/domain"
)

var (
	runPriority int
	runDeadline int64
	runMaxTok   int
	runTemp     float32
)

func init() {
	runCmd.Flags().IntVar(&runPriority, "priority", int(domain.PriorityNormal), "Priority 1 (low) to 4 (vip)")
	runCmd.Flags().Int64Var(&runDeadline, "deadline", 0, "Deadline in seconds (0 = none)")
	runCmd.Flags().IntVar(&runMaxTok, "max-tokens", 256, "Maximum tokens to generate")
	runCmd.Flags().Float32Var(&runTemp, "temperature", 0.7, "Sampling temperature")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <model> <prompt>",
	Short: "Submit a prompt and stream the response",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	model := args[0]
	prompt := strings.Join(args[1:], " ")

	params := domain.DefaultGenerationParams()
	params.Stream = true
	params.MaxTokens = runMaxTok
	params.Temperature = runTemp

	body := map[string]any{
		"user_id":       "cli",
		"priority":      runPriority,
		"model":         model,
		"prompt":        prompt,
		"deadline_secs": runDeadline,
		"params":        params,
	}

	resp, err := newClient().postJSON("/v1/inference", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("submission refused (%d): %s", resp.StatusCode, apiErr.Error)
	}

	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk struct {
			Content string `json:"content"`
			Done    bool   `json:"done"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			fmt.Fprintln(out)
			return fmt.Errorf("inference failed: %s", chunk.Error)
		}
		fmt.Fprint(out, chunk.Content)
	}
	fmt.Fprintln(out)
	return scanner.Err()
}
