package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"guardian/pkg/auth"
	"guardian/pkg/cmdqueue"
	"guardian/pkg/custody"
	"guardian/pkg/httpx"
	"guardian/pkg/incident"
	"guardian/pkg/keystore"
	"guardian/pkg/models"
	"guardian/pkg/policy"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func (s *Server) listIncidents(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	familyID := strings.TrimSpace(r.URL.Query().Get("family_id"))
	if familyID == "" {
		familyID = principal.FamilyID
	}
	if familyID == "" {
		httpx.Error(w, http.StatusBadRequest, "VALIDATION_FAILED")
		return
	}
	if !familyAllowed(principal, familyID) {
		httpx.Error(w, http.StatusForbidden, "FORBIDDEN")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	incidents, err := s.Incidents.List(r.Context(), familyID, limit)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "list incidents failed")
		return
	}
	if incidents == nil {
		incidents = []models.Incident{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"incidents": incidents})
}

func (s *Server) getIncident(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	incidentID := chi.URLParam(r, "incident_id")
	inc, err := s.Incidents.Get(r.Context(), incidentID)
	if errors.Is(err, incident.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "NOT_FOUND")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "get incident failed")
		return
	}
	if !familyAllowed(principal, inc.FamilyID) {
		httpx.Error(w, http.StatusForbidden, "FORBIDDEN")
		return
	}
	evidence, err := s.Incidents.ListEvidence(r.Context(), incidentID)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "list evidence failed")
		return
	}
	if evidence == nil {
		evidence = []models.Evidence{}
	}
	if len(evidence) > 0 {
		// Unrecorded evidence access would be a custody gap, so a
		// failed append fails the view.
		body, _ := json.Marshal(map[string]interface{}{"evidence_count": len(evidence)})
		if _, err := s.Ledger.Append(r.Context(), custody.Event{
			FamilyID:   inc.FamilyID,
			IncidentID: inc.IncidentID,
			DeviceID:   inc.DeviceID,
			Actor:      "admin:" + principal.Subject,
			EventKey:   custody.KeyEvidenceViewed,
			EventJSON:  body,
		}); err != nil {
			httpx.Error(w, http.StatusInternalServerError, "custody append failed")
			return
		}
		s.Metrics.IncCustodyEvent(custody.KeyEvidenceViewed)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"incident": inc,
		"evidence": evidence,
	})
}

// exportIncident hands out a redacted bundle for external review. The
// chain events keep their hashes so the recipient can spot tampering,
// but identities are replaced by salted hashes.
func (s *Server) exportIncident(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	inc, ok := s.loadIncidentForChain(w, r, principal)
	if !ok {
		return
	}
	evidence, err := s.Incidents.ListEvidence(r.Context(), inc.IncidentID)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "list evidence failed")
		return
	}
	chain, err := s.Ledger.Chain(r.Context(), custody.Scope{FamilyID: inc.FamilyID, IncidentID: inc.IncidentID})
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "load chain failed")
		return
	}
	bundle := s.Redactor.Bundle(inc, evidence, chain)
	body, _ := json.Marshal(map[string]interface{}{
		"evidence_count": len(evidence),
		"chain_length":   len(chain),
	})
	// No export without its chain record.
	if _, err := s.Ledger.Append(r.Context(), custody.Event{
		FamilyID:   inc.FamilyID,
		IncidentID: inc.IncidentID,
		DeviceID:   inc.DeviceID,
		Actor:      "admin:" + principal.Subject,
		EventKey:   custody.KeyEvidenceExported,
		EventJSON:  body,
	}); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "custody append failed")
		return
	}
	s.Metrics.IncCustodyEvent(custody.KeyEvidenceExported)
	httpx.WriteJSON(w, http.StatusOK, bundle)
}

// incidentTransitions lists the allowed status moves. Terminal states
// never transition again.
var incidentTransitions = map[string][]string{
	incident.StatusOpen:         {incident.StatusAcknowledged, incident.StatusResolved},
	incident.StatusAcknowledged: {incident.StatusResolved},
}

func (s *Server) patchIncident(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	incidentID := chi.URLParam(r, "incident_id")
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "VALIDATION_FAILED")
		return
	}
	target := strings.ToUpper(strings.TrimSpace(req.Status))
	inc, err := s.Incidents.Get(r.Context(), incidentID)
	if errors.Is(err, incident.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "NOT_FOUND")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "get incident failed")
		return
	}
	if !familyAllowed(principal, inc.FamilyID) {
		httpx.Error(w, http.StatusForbidden, "FORBIDDEN")
		return
	}
	allowed := false
	for _, next := range incidentTransitions[inc.Status] {
		if next == target {
			allowed = true
			break
		}
	}
	if !allowed {
		httpx.Error(w, http.StatusConflict, "CONFLICT")
		return
	}
	if err := s.Incidents.SetStatus(r.Context(), incidentID, target); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "update incident failed")
		return
	}
	inc.Status = target
	httpx.WriteJSON(w, http.StatusOK, inc)
}

func (s *Server) getCustodyChain(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	inc, ok := s.loadIncidentForChain(w, r, principal)
	if !ok {
		return
	}
	chain, err := s.Ledger.Chain(r.Context(), custody.Scope{FamilyID: inc.FamilyID, IncidentID: inc.IncidentID})
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "load chain failed")
		return
	}
	if chain == nil {
		chain = []custody.Event{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"family_id":   inc.FamilyID,
		"incident_id": inc.IncidentID,
		"events":      chain,
	})
}

func (s *Server) verifyCustodyChain(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	inc, ok := s.loadIncidentForChain(w, r, principal)
	if !ok {
		return
	}
	chain, err := s.Ledger.Chain(r.Context(), custody.Scope{FamilyID: inc.FamilyID, IncidentID: inc.IncidentID})
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "load chain failed")
		return
	}
	start := time.Now()
	valid, badIndex := custody.VerifyChain(chain)
	s.Metrics.ObserveChainVerify(time.Since(start), valid)
	if !valid {
		httpx.WriteJSON(w, http.StatusConflict, map[string]interface{}{
			"error":       "INTEGRITY_FAILED",
			"incident_id": inc.IncidentID,
			"length":      len(chain),
			"bad_index":   badIndex,
		})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"incident_id": inc.IncidentID,
		"valid":       true,
		"length":      len(chain),
	})
}

func (s *Server) loadIncidentForChain(w http.ResponseWriter, r *http.Request, principal auth.Principal) (models.Incident, bool) {
	incidentID := chi.URLParam(r, "incident_id")
	inc, err := s.Incidents.Get(r.Context(), incidentID)
	if errors.Is(err, incident.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "NOT_FOUND")
		return models.Incident{}, false
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "get incident failed")
		return models.Incident{}, false
	}
	if !familyAllowed(principal, inc.FamilyID) {
		httpx.Error(w, http.StatusForbidden, "FORBIDDEN")
		return models.Incident{}, false
	}
	return inc, true
}

func (s *Server) listProtocols(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	familyID := strings.TrimSpace(r.URL.Query().Get("family_id"))
	if familyID == "" {
		familyID = principal.FamilyID
	}
	if familyID == "" {
		httpx.Error(w, http.StatusBadRequest, "VALIDATION_FAILED")
		return
	}
	if !familyAllowed(principal, familyID) {
		httpx.Error(w, http.StatusForbidden, "FORBIDDEN")
		return
	}
	protocols, err := s.Protocols.ListFamily(r.Context(), familyID)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "list protocols failed")
		return
	}
	if protocols == nil {
		protocols = []models.Protocol{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"protocols": protocols})
}

func (s *Server) upsertProtocol(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var p models.Protocol
	if err := json.Unmarshal(body, &p); err != nil {
		httpx.Error(w, http.StatusBadRequest, "VALIDATION_FAILED")
		return
	}
	p.FamilyID = strings.TrimSpace(p.FamilyID)
	p.IncidentType = strings.TrimSpace(p.IncidentType)
	p.MinSeverity = strings.ToUpper(strings.TrimSpace(p.MinSeverity))
	if p.FamilyID == "" || p.IncidentType == "" || !models.ValidSeverity(p.MinSeverity) || len(p.Actions) == 0 {
		httpx.Error(w, http.StatusBadRequest, "VALIDATION_FAILED")
		return
	}
	for _, action := range p.Actions {
		if _, known := policy.MapAction(action); !known {
			httpx.Error(w, http.StatusBadRequest, "VALIDATION_FAILED")
			return
		}
	}
	if !familyAllowed(principal, p.FamilyID) {
		httpx.Error(w, http.StatusForbidden, "FORBIDDEN")
		return
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.UpdatedAt = time.Now().UTC()
	if err := s.Protocols.Upsert(r.Context(), p); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "save protocol failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

type enqueueRequest struct {
	FamilyID   string   `json:"family_id"`
	DeviceID   string   `json:"device_id"`
	IncidentID string   `json:"incident_id,omitempty"`
	Actions    []string `json:"actions"`
	TTLSec     int      `json:"ttl_sec,omitempty"`
}

func (s *Server) enqueueCommands(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req enqueueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "VALIDATION_FAILED")
		return
	}
	if req.FamilyID == "" || req.DeviceID == "" || len(req.Actions) == 0 {
		httpx.Error(w, http.StatusBadRequest, "VALIDATION_FAILED")
		return
	}
	if !familyAllowed(principal, req.FamilyID) {
		httpx.Error(w, http.StatusForbidden, "FORBIDDEN")
		return
	}
	specs := make([]policy.CommandSpec, 0, len(req.Actions))
	for _, action := range req.Actions {
		spec, known := policy.MapAction(action)
		if !known {
			httpx.Error(w, http.StatusBadRequest, "VALIDATION_FAILED")
			return
		}
		specs = append(specs, spec)
	}
	ttl := s.CommandTTL
	if req.TTLSec > 0 {
		ttl = time.Second * time.Duration(req.TTLSec)
	}
	cmds, err := s.Queue.Enqueue(r.Context(), cmdqueue.EnqueueRequest{
		FamilyID:   req.FamilyID,
		DeviceID:   req.DeviceID,
		IncidentID: req.IncidentID,
		Actor:      "admin:" + principal.Subject,
		Specs:      specs,
		TTL:        ttl,
	})
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	for range cmds {
		s.Metrics.IncCommandStatus(models.CommandQueued)
	}
	s.Metrics.IncCustodyEvent(custody.KeyCommandEnqueued)
	s.notifyDevice(models.Incident{
		IncidentID: req.IncidentID,
		FamilyID:   req.FamilyID,
		DeviceID:   req.DeviceID,
	})
	ids := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		ids = append(ids, cmd.CommandID)
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"command_ids": ids,
		"ttl_sec":     int(ttl.Seconds()),
	})
}

type rotateRequest struct {
	FamilyID string `json:"family_id"`
}

func (s *Server) rotateDeviceKey(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	deviceID := chi.URLParam(r, "device_id")
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req rotateRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.Error(w, http.StatusBadRequest, "VALIDATION_FAILED")
			return
		}
	}
	if req.FamilyID == "" {
		httpx.Error(w, http.StatusBadRequest, "VALIDATION_FAILED")
		return
	}
	next := make([]byte, 32)
	if _, err := rand.Read(next); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "keygen failed")
		return
	}
	err := s.Keys.BeginRotation(r.Context(), deviceID, next)
	switch {
	case errors.Is(err, keystore.ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "NOT_FOUND")
		return
	case errors.Is(err, keystore.ErrRotationPending):
		httpx.Error(w, http.StatusConflict, "CONFLICT")
		return
	case err != nil:
		httpx.Error(w, http.StatusInternalServerError, "rotation failed")
		return
	}
	eventBody, _ := json.Marshal(map[string]string{"device_id": deviceID})
	if _, err := s.Ledger.Append(r.Context(), custody.Event{
		FamilyID:  req.FamilyID,
		DeviceID:  deviceID,
		Actor:     "admin:" + principal.Subject,
		EventKey:  custody.KeyRotationStarted,
		EventJSON: eventBody,
	}); err != nil {
		// Release the staged secret; an unrecorded rotation must not
		// block the retry.
		_ = s.Keys.AbortRotation(r.Context(), deviceID)
		httpx.Error(w, http.StatusInternalServerError, "custody append failed")
		return
	}
	s.Metrics.IncCustodyEvent(custody.KeyRotationStarted)
	payload, _ := json.Marshal(map[string]string{
		"next_secret_b64": base64.StdEncoding.EncodeToString(next),
	})
	cmds, err := s.Queue.Enqueue(r.Context(), cmdqueue.EnqueueRequest{
		FamilyID: req.FamilyID,
		DeviceID: deviceID,
		Actor:    "admin:" + principal.Subject,
		Specs:    []policy.CommandSpec{{Type: models.CmdRotateKey, Payload: payload}},
		TTL:      s.CommandTTL,
	})
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "enqueue rotation failed")
		return
	}
	s.Metrics.IncCommandStatus(models.CommandQueued)
	s.notifyDevice(models.Incident{FamilyID: req.FamilyID, DeviceID: deviceID})
	httpx.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"device_id":        deviceID,
		"command_id":       cmds[0].CommandID,
		"rotation_pending": true,
	})
}

func (s *Server) runSweep(w http.ResponseWriter, r *http.Request) {
	n, err := s.Queue.Sweep(r.Context(), time.Now().UTC())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	for i := 0; i < n; i++ {
		s.Metrics.IncCommandStatus(models.CommandExpired)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]int{"expired": n})
}
