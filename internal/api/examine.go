package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/triage-ai/realmgate/internal/engine"
	"github.com/triage-ai/realmgate/internal/storage"
	"go.uber.org/zap"
)

// writeSlack is added to an examination's budget for the response write.
const writeSlack = 5 * time.Second

const installIDPattern = `^[A-Za-z0-9._-]{1,128}$`

var installIDRe = regexp.MustCompile(installIDPattern)

const examineSchemaJSON = `{
  "type": "object",
  "required": ["install_id"],
  "additionalProperties": false,
  "properties": {
    "install_id":   {"type": "string", "pattern": "` + installIDPattern + `"},
    "realm":        {"type": "string", "maxLength": 128},
    "url":          {"type": "string", "maxLength": 4096},
    "activate_at":  {"type": "string", "format": "date-time"},
    "device_check": {"type": "boolean"},
    "device_model": {"type": "string", "maxLength": 256},
    "timeout_ms":   {"type": "integer", "minimum": 1, "maximum": 120000},
    "cache_key":    {"type": "string", "minLength": 1, "maxLength": 1024}
  }
}`

var examineSchema = mustCompileSchema("examine.json", examineSchemaJSON)

func mustCompileSchema(name, src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return c.MustCompile(name)
}

// decodeExamine reads, validates and decodes the examine body. The returned
// string is a client-facing error detail.
func decodeExamine(r *http.Request, w http.ResponseWriter) (ExamineReq, string) {
	var req ExamineReq
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return req, "Request body too large or unreadable"
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return req, "Invalid JSON body"
	}
	if err := examineSchema.Validate(doc); err != nil {
		return req, "Invalid request: " + err.Error()
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, "Invalid JSON body"
	}
	return req, ""
}

// handleExamine implements POST /v1/realms/examine.
func (d *Dependencies) handleExamine(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, detail := decodeExamine(r, w)
	if detail != "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: detail})
		return
	}

	req, err := d.buildRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}

	eng := d.Engine.ForInstall(body.InstallID)
	budget := eng.Budget(req)
	ctx, cancel := context.WithTimeout(r.Context(), budget)
	defer cancel()
	// Revalidation can outlast the server's WriteTimeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Now().Add(budget + writeSlack)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		d.Logger.Warn("failed to extend write deadline", zap.Error(err))
	}

	verdict := eng.Examine(ctx, req)

	requestID := uuid.New().String()
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	logger := d.Logger.With(
		zap.String("request_id", requestID),
		zap.String("install_id", body.InstallID),
	)
	if p := principalFromContext(r.Context()); p != nil {
		logger = logger.With(zap.String("key_id", p.KeyID))
	}
	logger.Debug("examination complete",
		zap.String("outcome", verdict.Outcome.String()),
		zap.Bool("reveal", verdict.Reveal),
		zap.Float64("latency_ms", latencyMs),
	)

	// Fire-and-forget event write
	if d.Writer != nil {
		d.Writer.Write(&storage.DecisionEvent{
			RequestID:       requestID,
			InstallID:       body.InstallID,
			Realm:           body.Realm,
			CacheKey:        storage.Truncate(req.Key(), storage.CacheKeyMaxLength),
			URLHost:         storage.Host(req.URL),
			Timestamp:       start.UTC(),
			Reveal:          verdict.Reveal,
			Degraded:        verdict.Degraded(),
			Outcome:         verdict.Outcome.String(),
			Reason:          verdict.Reason,
			DestinationHost: storage.Host(verdict.Destination),
			DeviceModel:     req.DeviceModel,
			LatencyMs:       float32(latencyMs),
			Source:          "api",
		})
	}

	writeJSON(w, http.StatusOK, ExamineResp{
		Reveal:      verdict.Reveal,
		Destination: nilIfEmpty(verdict.Destination),
		Reason:      verdict.Reason,
		Outcome:     verdict.Outcome.String(),
		Degraded:    verdict.Degraded(),
		RequestID:   requestID,
		LatencyMs:   latencyMs,
	})
}

// buildRequest merges the body over the named realm preset.
func (d *Dependencies) buildRequest(body ExamineReq) (engine.Request, error) {
	var req engine.Request
	req.DeviceCheck = true

	if body.Realm != "" {
		preset, ok := d.currentConfig().Realm(body.Realm)
		if !ok {
			return req, fmt.Errorf("unknown realm %q", body.Realm)
		}
		req.URL = preset.URL
		req.ActivateAt = preset.ActivateAt
		req.DeviceCheck = preset.DeviceCheckEnabled()
		req.Timeout = preset.Timeout
		req.CacheKey = preset.CacheKey
	}

	if body.URL != "" {
		req.URL = body.URL
	}
	if body.ActivateAt != "" {
		t, err := time.Parse(time.RFC3339, body.ActivateAt)
		if err != nil {
			return req, errors.New("activate_at must be RFC 3339")
		}
		req.ActivateAt = t
	}
	if body.DeviceCheck != nil {
		req.DeviceCheck = *body.DeviceCheck
	}
	if body.TimeoutMs > 0 {
		req.Timeout = time.Duration(body.TimeoutMs) * time.Millisecond
	}
	if body.CacheKey != "" {
		req.CacheKey = body.CacheKey
	}
	req.DeviceModel = body.DeviceModel

	if req.URL == "" {
		return req, errors.New("url is required when the realm does not set one")
	}
	return req, nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
