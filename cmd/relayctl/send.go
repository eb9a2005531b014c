// cmd/relayctl/send.go
// send 子命令

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"mail-relay/internal/anymail"
	"mail-relay/internal/esp"
	"mail-relay/internal/logger"
	"mail-relay/internal/models"
	"mail-relay/internal/services"
)

var (
	sendESP     string
	sendTimeout time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send <message.yaml>",
	Short: "Send a message described in YAML and print its status",
	Long: `Send a message synchronously through the configured ESP.

The YAML file uses the same fields as the HTTP API:

  from: Billing <billing@example.com>
  to: [alice@example.com]
  subject: Invoice
  body: See attached.
  tags: [invoice]
  attachments:
    - filename: invoice.pdf
      path: ./invoice.pdf
      content_type: application/pdf`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadEnv()
		if err != nil {
			return err
		}

		job, err := loadJob(args[0])
		if err != nil {
			return err
		}
		if sendESP != "" {
			job.ESP = sendESP
		}

		espLog := logger.Component(log, "esp")
		router := services.NewMailRouter(
			func(name string) (*anymail.Backend, error) {
				return esp.NewBackend(name, cfg, espLog)
			},
			esp.Normalize(cfg.Anymail.ESP, esp.SendGrid),
			cfg.OrgEmailDomain,
			log,
		)
		backend, err := router.Route(job)
		if err != nil {
			return err
		}
		msg, err := services.BuildMessage(job)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
		defer cancel()
		sent, err := backend.SendMessages(ctx, []*anymail.Message{msg})
		if err != nil {
			return err
		}
		return printStatus(cmd.OutOrStdout(), backend.ESPName(), sent, msg.Status)
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendESP, "esp", "", fmt.Sprintf("ESP to use (%v)", esp.Names()))
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 60*time.Second, "send timeout")
}

// loadJob 讀取 YAML 郵件描述，附件相對路徑以 YAML 檔所在目錄為準
func loadJob(path string) (*models.MailJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var job models.MailJob
	if err := yaml.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if job.FromAddress == "" {
		return nil, fmt.Errorf("%s: from is required", path)
	}
	if err := services.ValidateClearDefaults(job.ClearDefaults); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	dir := filepath.Dir(path)
	for i, att := range job.Attachments {
		if att.StoragePath != "" && !filepath.IsAbs(att.StoragePath) {
			job.Attachments[i].StoragePath = filepath.Join(dir, att.StoragePath)
		}
		if att.Filename == "" && att.StoragePath != "" {
			job.Attachments[i].Filename = filepath.Base(att.StoragePath)
		}
	}
	return &job, nil
}

type statusOutput struct {
	ESP        string                             `json:"esp"`
	Sent       int                                `json:"sent"`
	Status     []anymail.StatusValue              `json:"status"`
	MessageID  string                             `json:"message_id,omitempty"`
	MessageIDs []string                           `json:"message_ids,omitempty"`
	Recipients map[string]anymail.RecipientStatus `json:"recipients,omitempty"`
}

func printStatus(w io.Writer, espName string, sent int, st *anymail.Status) error {
	out := statusOutput{ESP: espName, Sent: sent}
	if st != nil {
		out.Status = st.Status.Values()
		out.MessageID = st.MessageID
		out.MessageIDs = st.MessageIDs
		out.Recipients = st.Recipients
	}

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Fprintf(w, "ESP:        %s\n", out.ESP)
	fmt.Fprintf(w, "Sent:       %d\n", out.Sent)
	fmt.Fprintf(w, "Status:     %v\n", out.Status)
	if out.MessageID != "" {
		fmt.Fprintf(w, "Message-ID: %s\n", out.MessageID)
	}
	emails := make([]string, 0, len(out.Recipients))
	for email := range out.Recipients {
		emails = append(emails, email)
	}
	slices.Sort(emails)
	for _, email := range emails {
		r := out.Recipients[email]
		fmt.Fprintf(w, "  %-30s %-10s %s\n", email, r.Status, r.MessageID)
	}
	return nil
}
