// Copyright 2025 Lumenworks
package api

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/lumenworks/card-forge/internal/artifact"
	"github.com/lumenworks/card-forge/internal/auth"
	"github.com/lumenworks/card-forge/internal/jobs"
	"github.com/lumenworks/card-forge/internal/ledger"
	"github.com/lumenworks/card-forge/internal/obs"
	"github.com/lumenworks/card-forge/internal/queue"
)

const (
	promptMinLen      = 10
	promptMaxLen      = 1024
	videoPromptMinLen = 5
	videoPromptMaxLen = 512
)

var jpegMagic = []byte{0xFF, 0xD8, 0xFF}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  "healthy",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.auth.ValidateCredentials(req.Username, req.Password) {
		s.log.Warn("invalid login attempt", obs.String("username", req.Username))
		respondError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	token, expiresIn, err := s.auth.Issue(req.Username)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "token generation failed")
		return
	}

	ip := clientIP(r, req.DeviceID)
	remaining, _, err := s.ledger.Remaining(r.Context(), ip)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "quota lookup failed")
		return
	}

	s.log.Info("login successful", obs.String("username", req.Username), obs.String("ip", ip))
	respond(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"message":    "Login successful",
		"token":      token,
		"expires_in": expiresIn,
		"user":       map[string]string{"username": req.Username},
		"remaining":  remaining,
		"client_ip":  ip,
	})
}

func (s *Server) handleTransformCard(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	req, err := decodeRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Action {
	case "", "transform_card":
		s.submitCardJob(w, r, claims, req)
	case "get_job_status", "check_job_status":
		s.pollJob(w, r, req)
	case "generate_video":
		s.generateVideo(w, r, claims, req)
	case "get_video_status":
		s.pollVideo(w, r, claims, req)
	case "apply_override":
		s.applyOverride(w, r, claims, req)
	case "get_capacity_stats":
		s.capacityStats(w, r)
	case "health":
		s.handleHealth(w, r)
	default:
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Unknown action: %s", req.Action))
	}
}

func (s *Server) submitCardJob(w http.ResponseWriter, r *http.Request, claims *auth.Claims, req *apiRequest) {
	if l := len(req.Prompt); l < promptMinLen || l > promptMaxLen {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("prompt must be %d-%d characters", promptMinLen, promptMaxLen))
		return
	}
	ip := clientIP(r, req.DeviceID)

	session, err := s.ledger.CheckQuota(r.Context(), ip, ledger.KindCard)
	if errors.Is(err, ledger.ErrQuotaExhausted) {
		respondError(w, http.StatusTooManyRequests, "Card limit reached. Please visit the event staff to assist.")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "quota lookup failed")
		return
	}

	userNumber := req.UserNumber
	if userNumber < 1 {
		userNumber = 1
	}
	displayName := req.UserName
	if displayName == "" {
		displayName = fmt.Sprintf("Guest #%d", userNumber)
	}

	jobID := uuid.NewString()
	rec := jobs.Record{
		JobID:       jobID,
		Prompt:      req.Prompt,
		SessionID:   session,
		ClientIP:    ip,
		DeviceID:    req.DeviceID,
		UserNumber:  userNumber,
		DisplayName: displayName,
	}
	if err := s.jobs.Create(r.Context(), rec); err != nil {
		s.log.Error("job record create failed", obs.Err(err))
		respondError(w, http.StatusInternalServerError, "job intake failed")
		return
	}
	if err := s.q.Enqueue(r.Context(), queue.Message{
		JobID:       jobID,
		Prompt:      req.Prompt,
		UserNumber:  userNumber,
		DisplayName: displayName,
		DeviceID:    req.DeviceID,
		SessionID:   session,
	}); err != nil {
		s.log.Error("enqueue failed", obs.Err(err))
		respondError(w, http.StatusInternalServerError, "job intake failed")
		return
	}

	s.log.Info("card job accepted",
		obs.String("job_id", jobID),
		obs.String("session", session),
		obs.String("ip", ip))
	respond(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"job_id":     jobID,
		"status":     string(jobs.StatusQueued),
		"session_id": session,
		"client_ip":  ip,
		"message":    fmt.Sprintf("Card generation started for %s. Please wait...", displayName),
	})
}

func (s *Server) pollJob(w http.ResponseWriter, r *http.Request, req *apiRequest) {
	if req.JobID == "" {
		respondError(w, http.StatusBadRequest, "Missing job_id parameter")
		return
	}
	rec, err := s.jobs.Get(r.Context(), req.JobID)
	if errors.Is(err, jobs.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	resp := map[string]interface{}{
		"success": true,
		"status":  string(rec.Status),
	}
	switch rec.Status {
	case jobs.StatusCompleted:
		resp["artifact_key"] = rec.ArtifactKey
		resp["artifact_url"] = rec.ArtifactURL
	case jobs.StatusFailed:
		resp["error"] = rec.Error
	}
	respond(w, http.StatusOK, resp)
}

func (s *Server) generateVideo(w http.ResponseWriter, r *http.Request, claims *auth.Claims, req *apiRequest) {
	if req.CardImage == "" {
		respondError(w, http.StatusBadRequest, "Missing card_image parameter - card image required for video generation")
		return
	}
	if l := len(req.VideoPrompt); l < videoPromptMinLen || l > videoPromptMaxLen {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("video prompt must be %d-%d characters", videoPromptMinLen, videoPromptMaxLen))
		return
	}
	imageData, err := base64.StdEncoding.DecodeString(req.CardImage)
	if err != nil {
		respondError(w, http.StatusBadRequest, "card_image must be base64")
		return
	}
	if !bytes.HasPrefix(imageData, jpegMagic) {
		respondError(w, http.StatusBadRequest, "card_image must be a JPEG")
		return
	}

	ip := clientIP(r, req.DeviceID)
	if _, err := s.ledger.CheckQuota(r.Context(), ip, ledger.KindVideo); err != nil {
		if errors.Is(err, ledger.ErrQuotaExhausted) {
			respondError(w, http.StatusTooManyRequests, "Video limit reached. Please visit the event staff to assist.")
			return
		}
		respondError(w, http.StatusInternalServerError, "quota lookup failed")
		return
	}

	job, err := s.video.Start(r.Context(), imageData, req.VideoPrompt)
	if err != nil {
		s.log.Error("video generation start failed", obs.Err(err))
		respondError(w, http.StatusInternalServerError, "Video generation failed")
		return
	}

	if job.Data != nil {
		// Synchronous result: place it under the session name right away.
		stored, err := s.ledger.StoreVideo(r.Context(), ip, job.Data, map[string]string{
			"username": claims.Username,
			"prompt":   req.VideoPrompt,
		})
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Video storage failed")
			return
		}
		remaining, _, _ := s.ledger.Remaining(r.Context(), ip)
		respond(w, http.StatusOK, map[string]interface{}{
			"success":      true,
			"video_data":   base64.StdEncoding.EncodeToString(job.Data),
			"video_s3_key": stored.Key,
			"remaining":    remaining,
		})
		return
	}

	respond(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"invocation_arn": job.InvocationARN,
		"status":         "processing",
	})
}

func (s *Server) pollVideo(w http.ResponseWriter, r *http.Request, claims *auth.Claims, req *apiRequest) {
	if req.InvocationARN == "" {
		respondError(w, http.StatusBadRequest, "Missing invocation_arn parameter")
		return
	}
	st, err := s.video.Status(r.Context(), req.InvocationARN)
	if err != nil {
		s.log.Error("video status check failed", obs.Err(err))
		respondError(w, http.StatusInternalServerError, "Video status check failed")
		return
	}
	switch st.Status {
	case "processing":
		respond(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"status":  "processing",
		})
	case "failed":
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("Video generation failed: %s", st.Failure))
	case "completed":
		ip := clientIP(r, req.DeviceID)
		data, err := s.store.Get(r.Context(), st.OutputKey)
		if errors.Is(err, artifact.ErrNotFound) {
			// provider reported done before the object landed; poll again
			respond(w, http.StatusOK, map[string]interface{}{
				"success": true,
				"status":  "processing",
			})
			return
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Video retrieval failed")
			return
		}
		stored, err := s.ledger.StoreVideo(r.Context(), ip, data, map[string]string{
			"username": claims.Username,
			"prompt":   req.AnimationPrompt,
		})
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Video storage failed")
			return
		}
		if err := s.store.Delete(r.Context(), st.OutputKey); err != nil {
			s.log.Warn("provider video cleanup failed", obs.Err(err))
		}
		remaining, _, _ := s.ledger.Remaining(r.Context(), ip)
		respond(w, http.StatusOK, map[string]interface{}{
			"success":      true,
			"status":       "completed",
			"video_s3_key": stored.Key,
			"video_url":    stored.URL,
			"remaining":    remaining,
		})
	default:
		respond(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"status":  st.Status,
		})
	}
}

func (s *Server) applyOverride(w http.ResponseWriter, r *http.Request, claims *auth.Claims, req *apiRequest) {
	if req.OverrideCode == "" || req.OverrideCode != s.cfg.Auth.OverrideCode {
		respondError(w, http.StatusUnauthorized, "Invalid override code")
		return
	}
	ip := clientIP(r, req.DeviceID)
	n, session, err := s.ledger.ApplyOverride(r.Context(), ip)
	if err != nil {
		s.log.Error("override failed", obs.Err(err), obs.String("ip", ip))
		respondError(w, http.StatusInternalServerError, "override failed")
		return
	}
	if s.audit != nil {
		s.audit.Record(AuditEntry{
			Timestamp:      time.Now(),
			Action:         "apply_override",
			Username:       claims.Username,
			ClientIP:       ip,
			SessionID:      session,
			OverrideNumber: n,
		})
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"message":         fmt.Sprintf("Override #%d applied successfully", n),
		"override_number": n,
		"session_id":      session,
		"client_ip":       ip,
		"remaining":       s.ledger.FullRemaining(),
	})
}

func (s *Server) capacityStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.caps.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "capacity lookup failed")
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"success":            true,
		"available_slots":    st.AvailableSlots,
		"in_flight":          len(st.InFlight),
		"total_successes":    st.TotalSuccesses,
		"total_throttles":    st.TotalThrottles,
		"success_rate":       st.SuccessRate(),
		"last_success_time":  st.LastSuccessTime,
		"last_throttle_time": st.LastThrottleTime,
	})
}

func (s *Server) handleStoreCard(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	req, err := decodeRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FinalCardBase64 == "" {
		respondError(w, http.StatusBadRequest, "Missing final_card_base64 parameter")
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.FinalCardBase64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "final_card_base64 must be base64")
		return
	}
	ip := clientIP(r, req.DeviceID)
	stored, err := s.ledger.StoreCard(r.Context(), ip, data, map[string]string{
		"username":  claims.Username,
		"prompt":    req.Prompt,
		"user_name": req.UserName,
	})
	if err != nil {
		s.log.Error("final card store failed", obs.Err(err))
		respondError(w, http.StatusInternalServerError, "Failed to store card")
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"message":  "Final card stored successfully",
		"s3_key":   stored.Key,
		"filename": stored.Filename,
	})
}

func (s *Server) handlePrintCard(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	req, err := decodeRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CardPrompt == "" {
		respondError(w, http.StatusBadRequest, "Missing card_prompt parameter")
		return
	}
	if req.CardImage == "" {
		respondError(w, http.StatusBadRequest, "Missing card_image parameter - card image required for print queue")
		return
	}
	ip := clientIP(r, req.DeviceID)

	if _, err := s.ledger.CheckQuota(r.Context(), ip, ledger.KindPrint); err != nil {
		if errors.Is(err, ledger.ErrQuotaExhausted) {
			respondError(w, http.StatusTooManyRequests, "Print limit reached. Please visit the event staff to assist.")
			return
		}
		respondError(w, http.StatusInternalServerError, "quota lookup failed")
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.CardImage)
	if err != nil {
		respondError(w, http.StatusBadRequest, "card_image must be base64")
		return
	}
	cardNumber := req.CardNumber
	if cardNumber < 1 {
		cardNumber = 1
	}

	stored, err := s.ledger.StorePrint(r.Context(), ip, cardNumber, data, map[string]string{
		"username": claims.Username,
		"prompt":   req.CardPrompt,
	})
	if err != nil {
		s.log.Error("print store failed", obs.Err(err))
		respondError(w, http.StatusInternalServerError, "Print queue request failed")
		return
	}

	remaining, _, _ := s.ledger.Remaining(r.Context(), ip)
	respond(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"message":        "Card saved for printing",
		"print_filename": stored.Filename,
		"print_number":   stored.PrintNumber,
		"card_number":    cardNumber,
		"print_s3_key":   stored.Key,
		"session_id":     stored.Session,
		"client_ip":      ip,
		"remaining":      remaining,
	})
}
