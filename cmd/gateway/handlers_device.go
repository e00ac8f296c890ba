package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"guardian/pkg/cmdqueue"
	"guardian/pkg/custody"
	"guardian/pkg/deviceauth"
	"guardian/pkg/envelope"
	"guardian/pkg/httpx"
	"guardian/pkg/incident"
	"guardian/pkg/models"
	"guardian/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// signedCommand pairs a command envelope with its detached signature.
type signedCommand struct {
	Envelope  models.Envelope `json:"envelope"`
	Signature string          `json:"signature"`
}

func (s *Server) handleDevicePoll(w http.ResponseWriter, r *http.Request) {
	principal, ok := deviceauth.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "AUTH_FAILED")
		return
	}
	if blocked, retryAfter := s.checkRateLimit(r, principal.DeviceID, "poll"); blocked {
		httpx.RateLimited(w, retryAfter)
		return
	}
	// The key is loaded before the queue flips anything to SENT: a
	// claim the device cannot sign for would strand the batch until
	// expiry.
	key, err := s.Keys.Get(r.Context(), principal.DeviceID)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "device key unavailable")
		return
	}
	cmds, err := s.Queue.Poll(r.Context(), principal.DeviceID)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "poll failed")
		return
	}
	out := make([]signedCommand, 0, len(cmds))
	for _, cmd := range cmds {
		env := cmd.Envelope()
		sig, err := envelope.Sign(env, key.CurrentSecret)
		if err != nil {
			httpx.Error(w, http.StatusInternalServerError, "sign failed")
			return
		}
		out = append(out, signedCommand{Envelope: env, Signature: sig})
		s.Metrics.IncCommandStatus(models.CommandSent)
		s.Metrics.IncCustodyEvent(custody.KeyCommandDelivered)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"commands": out})
}

type ackRequest struct {
	Ack       models.Ack `json:"ack"`
	Signature string     `json:"signature"`
}

func (s *Server) handleDeviceAck(w http.ResponseWriter, r *http.Request) {
	principal, ok := deviceauth.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "AUTH_FAILED")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req ackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "VALIDATION_FAILED")
		return
	}
	if req.Ack.CommandID == "" || req.Signature == "" {
		httpx.Error(w, http.StatusBadRequest, "VALIDATION_FAILED")
		return
	}
	if req.Ack.DeviceID != principal.DeviceID {
		httpx.Error(w, http.StatusForbidden, "FORBIDDEN")
		return
	}
	cmd, err := s.Queue.Ack(r.Context(), req.Ack, req.Signature)
	if err != nil {
		s.writeAckError(w, err)
		return
	}
	s.Metrics.IncCommandStatus(cmd.Status)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"command_id": cmd.CommandID,
		"status":     cmd.Status,
	})
}

func (s *Server) writeAckError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, envelope.ErrBadSignature):
		httpx.Error(w, http.StatusUnauthorized, "AUTH_FAILED")
	case errors.Is(err, cmdqueue.ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "NOT_FOUND")
	case errors.Is(err, cmdqueue.ErrDeviceScope):
		httpx.Error(w, http.StatusForbidden, "FORBIDDEN")
	case errors.Is(err, cmdqueue.ErrConflict):
		httpx.Error(w, http.StatusConflict, "CONFLICT")
	case errors.Is(err, cmdqueue.ErrBadAckStatus):
		httpx.Error(w, http.StatusBadRequest, "VALIDATION_FAILED")
	default:
		httpx.Error(w, http.StatusInternalServerError, "ack failed")
	}
}

type heartbeatRequest struct {
	BatteryPct int    `json:"battery_pct,omitempty"`
	AppVersion string `json:"app_version,omitempty"`
}

func (s *Server) handleDeviceHeartbeat(w http.ResponseWriter, r *http.Request) {
	principal, ok := deviceauth.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "AUTH_FAILED")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req heartbeatRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.Error(w, http.StatusBadRequest, "VALIDATION_FAILED")
			return
		}
	}
	hbBody, _ := json.Marshal(map[string]interface{}{
		"battery_pct": req.BatteryPct,
		"app_version": req.AppVersion,
	})
	if _, err := s.Ledger.Append(r.Context(), custody.Event{
		FamilyID:  principal.FamilyID,
		DeviceID:  principal.DeviceID,
		Actor:     "device:" + principal.DeviceID,
		EventKey:  custody.KeyDeviceHeartbeat,
		EventJSON: hbBody,
	}); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	s.Metrics.IncCustodyEvent(custody.KeyDeviceHeartbeat)
	rotationPending := false
	if key, err := s.Keys.Get(r.Context(), principal.DeviceID); err == nil {
		rotationPending = key.RotationPending
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"rotation_pending": rotationPending,
	})
}

type reportRequest struct {
	IncidentType string                   `json:"incident_type"`
	Severity     string                   `json:"severity"`
	Confidence   float64                  `json:"confidence"`
	Evidence     []incident.EvidenceInput `json:"evidence,omitempty"`
}

func (s *Server) handleDeviceReport(w http.ResponseWriter, r *http.Request) {
	principal, ok := deviceauth.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "AUTH_FAILED")
		return
	}
	if blocked, retryAfter := s.checkRateLimit(r, principal.DeviceID, "report"); blocked {
		httpx.RateLimited(w, retryAfter)
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req reportRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "VALIDATION_FAILED")
		return
	}
	if strings.TrimSpace(req.IncidentType) == "" || !models.ValidSeverity(req.Severity) {
		httpx.Error(w, http.StatusBadRequest, "VALIDATION_FAILED")
		return
	}
	out, err := s.Pipeline.Ingest(r.Context(), incident.Report{
		FamilyID:     principal.FamilyID,
		DeviceID:     principal.DeviceID,
		IncidentType: req.IncidentType,
		Severity:     req.Severity,
		Confidence:   req.Confidence,
		Actor:        "device:" + principal.DeviceID,
		Evidence:     req.Evidence,
	})
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "report failed")
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"incident_id":       out.Incident.IncidentID,
		"deduped":           out.Deduped,
		"protocol_id":       out.Decision.ProtocolID,
		"commands_enqueued": len(out.Commands),
	})
}

func (s *Server) handleDeviceStream(w http.ResponseWriter, r *http.Request) {
	principal, ok := deviceauth.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "AUTH_FAILED")
		return
	}
	if s.Hub == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Hub.Subscribe(principal.DeviceID, 64)
	defer s.Hub.Unsubscribe(principal.DeviceID, sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

// notifyDevice delivers a poll hint over the device's live stream,
// falling back to the push webhook. Failure degrades to plain
// polling and is recorded on the incident's chain.
func (s *Server) notifyDevice(inc models.Incident) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	evt := stream.NewEvent(stream.EventCommandsPending, map[string]string{"incident_id": inc.IncidentID})
	if s.Hub != nil && s.Hub.Notify(inc.DeviceID, evt) {
		s.recordPushOutcome(ctx, inc, custody.KeyPushSignalSent, "stream")
		return
	}
	if s.PushWebhookURL != "" {
		payload, _ := json.Marshal(map[string]string{
			"device_id": inc.DeviceID,
			"family_id": inc.FamilyID,
			"hint":      stream.EventCommandsPending,
		})
		status, _, err := httpx.RequestJSON(ctx, s.HTTPClient, http.MethodPost, s.PushWebhookURL, payload, nil, s.PushRetries, s.PushRetryDelay)
		if err == nil && status < 300 {
			s.recordPushOutcome(ctx, inc, custody.KeyPushSignalSent, "push")
			return
		}
	}
	s.recordPushOutcome(ctx, inc, custody.KeyPushSignalFailed, "none")
}

func (s *Server) recordPushOutcome(ctx context.Context, inc models.Incident, key, channel string) {
	outcome := "delivered"
	if key == custody.KeyPushSignalFailed {
		outcome = "failed"
	}
	s.Metrics.IncPushSignal(outcome)
	body, _ := json.Marshal(map[string]string{"channel": channel})
	if _, err := s.Ledger.Append(ctx, custody.Event{
		FamilyID:   inc.FamilyID,
		IncidentID: inc.IncidentID,
		DeviceID:   inc.DeviceID,
		Actor:      "gateway",
		EventKey:   key,
		EventJSON:  body,
	}); err == nil {
		s.Metrics.IncCustodyEvent(key)
	}
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
