package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/triage-ai/realmgate/internal/config"
	"github.com/triage-ai/realmgate/internal/engine"
	"github.com/triage-ai/realmgate/internal/storage"
)

var (
	examineConfig        string
	examineRealm         string
	examineURL           string
	examineActivateAt    string
	examineDeviceModel   string
	examineNoDeviceCheck bool
	examineTimeout       time.Duration
	examineCacheKey      string
	examineFormat        string
)

func init() {
	rootCmd.AddCommand(examineCmd)
	examineCmd.Flags().StringVar(&examineConfig, "config", "", "Path to realm config YAML (optional)")
	examineCmd.Flags().StringVar(&examineRealm, "realm", "", "Realm preset from the config file")
	examineCmd.Flags().StringVar(&examineURL, "url", "", "Distant realm URL (overrides the preset)")
	examineCmd.Flags().StringVar(&examineActivateAt, "activate-at", "", "Activation instant, RFC 3339")
	examineCmd.Flags().StringVar(&examineDeviceModel, "device-model", "", "Device model string fed to the classifier")
	examineCmd.Flags().BoolVar(&examineNoDeviceCheck, "no-device-check", false, "Skip the device gate")
	examineCmd.Flags().DurationVar(&examineTimeout, "timeout", 0, "Resolver deadline (default from config)")
	examineCmd.Flags().StringVar(&examineCacheKey, "cache-key", "", "Latch key (default: the URL)")
	examineCmd.Flags().StringVarP(&examineFormat, "format", "f", "text", "Output format (text|json)")
}

var examineCmd = &cobra.Command{
	Use:   "examine",
	Short: "Decide whether to reveal the distant realm",
	Long: "Runs every gate for the realm and prints the verdict. Once a verdict\n" +
		"is latched, later runs replay it (remote latches are revalidated).",
	RunE: runExamine,
}

type verdictOutput struct {
	Reveal      bool   `json:"reveal"`
	Destination string `json:"destination,omitempty"`
	Reason      string `json:"reason"`
	Outcome     string `json:"outcome"`
	Degraded    bool   `json:"degraded"`
	RequestID   string `json:"request_id"`
}

func runExamine(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(examineConfig)
	if err != nil {
		return err
	}
	req, err := examineRequest(cfg)
	if err != nil {
		return err
	}

	classifier, err := cfg.NewClassifier(logger)
	if err != nil {
		return err
	}
	flags, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	eng := engine.New(engine.Dependencies{
		Store:      flags,
		Prober:     cfg.NewProber(logger),
		Classifier: classifier,
		Resolver:   cfg.NewResolver(logger),
		Logger:     logger,
	}, engine.Config{
		ProbeTimeout:   cfg.Probe.Timeout,
		DefaultTimeout: cfg.Resolver.DefaultTimeout,
	})

	start := time.Now()
	verdict := eng.Examine(ctx, req)
	out := verdictOutput{
		Reveal:      verdict.Reveal,
		Destination: verdict.Destination,
		Reason:      verdict.Reason,
		Outcome:     verdict.Outcome.String(),
		Degraded:    verdict.Degraded(),
		RequestID:   uuid.New().String(),
	}

	events := storage.NewLogWriter(logger)
	events.Write(&storage.DecisionEvent{
		RequestID:       out.RequestID,
		Realm:           examineRealm,
		CacheKey:        storage.Truncate(req.Key(), storage.CacheKeyMaxLength),
		URLHost:         storage.Host(req.URL),
		Timestamp:       start.UTC(),
		Reveal:          verdict.Reveal,
		Degraded:        out.Degraded,
		Outcome:         out.Outcome,
		Reason:          verdict.Reason,
		DestinationHost: storage.Host(verdict.Destination),
		DeviceModel:     req.DeviceModel,
		LatencyMs:       float32(float64(time.Since(start).Microseconds()) / 1000.0),
		Source:          "cli",
	})
	events.Close()

	if err := writeVerdict(cmd.OutOrStdout(), out); err != nil {
		return err
	}
	if verdict.Outcome == engine.OutcomeAbandoned {
		return errors.New(verdict.Reason)
	}
	return nil
}

func writeVerdict(w io.Writer, out verdictOutput) error {
	switch examineFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	default:
		fmt.Fprintf(w, "reveal:      %v\n", out.Reveal)
		if out.Destination != "" {
			fmt.Fprintf(w, "destination: %s\n", out.Destination)
		}
		fmt.Fprintf(w, "outcome:     %s\n", out.Outcome)
		fmt.Fprintf(w, "reason:      %s\n", out.Reason)
		if out.Degraded {
			fmt.Fprintln(w, "degraded:    true (nothing to show, use local content)")
		}
		return nil
	}
}

// examineRequest merges the command flags over the selected realm preset.
func examineRequest(cfg *config.Config) (engine.Request, error) {
	req := engine.Request{DeviceCheck: true}

	if examineRealm != "" {
		preset, ok := cfg.Realm(examineRealm)
		if !ok {
			return req, fmt.Errorf("unknown realm %q", examineRealm)
		}
		req.URL = preset.URL
		req.ActivateAt = preset.ActivateAt
		req.DeviceCheck = preset.DeviceCheckEnabled()
		req.Timeout = preset.Timeout
		req.CacheKey = preset.CacheKey
	}

	if examineURL != "" {
		req.URL = examineURL
	}
	if examineActivateAt != "" {
		t, err := time.Parse(time.RFC3339, examineActivateAt)
		if err != nil {
			return req, fmt.Errorf("invalid --activate-at: %w", err)
		}
		req.ActivateAt = t
	}
	if examineNoDeviceCheck {
		req.DeviceCheck = false
	}
	if examineTimeout > 0 {
		req.Timeout = examineTimeout
	}
	if examineCacheKey != "" {
		req.CacheKey = examineCacheKey
	}
	req.DeviceModel = examineDeviceModel

	if req.URL == "" {
		return req, errors.New("--url is required when --realm does not set one")
	}
	return req, nil
}
