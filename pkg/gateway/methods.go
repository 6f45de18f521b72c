package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/devmind/internal/tracing"
	"github.com/harun/devmind/pkg/agent"
	"github.com/harun/devmind/pkg/sessionstore"
)

// EventChatTurn is published to a session's subscribers after every turn.
const EventChatTurn = "chat.turn"

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("chat.send", s.handleChatSend)
	_ = s.RegisterMethod("session.subscribe", s.handleSessionSubscribe)
	_ = s.RegisterMethod("session.plan", s.handleSessionPlan)
	_ = s.RegisterMethod("session.update_plan", s.handleSessionUpdatePlan)
	_ = s.RegisterMethod("session.findings", s.handleSessionFindings)
	_ = s.RegisterMethod("session.progress", s.handleSessionProgress)
	_ = s.RegisterMethod("session.finalize", s.handleSessionFinalize)
	_ = s.RegisterMethod("sessions.list", s.handleSessionsList)
	_ = s.RegisterMethod("gateway.clients", s.handleGatewayClients)
}

func stringParam(params map[string]interface{}, key string, required bool) (string, error) {
	raw, present := params[key]
	if !present || raw == nil {
		if required {
			return "", invalidParams("%s parameter is required", key)
		}
		return "", nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", invalidParams("%s parameter must be a string", key)
	}
	if required && strings.TrimSpace(value) == "" {
		return "", invalidParams("%s parameter cannot be empty", key)
	}
	return value, nil
}

// sessionParam validates session_id before it reaches the filesystem.
func sessionParam(params map[string]interface{}) (string, error) {
	id, err := stringParam(params, "session_id", true)
	if err != nil {
		return "", err
	}
	if err := sessionstore.ValidateSessionID(id); err != nil {
		return "", invalidParams("%v", err)
	}
	return id, nil
}

// existingSession opens a session that already has artifacts on disk.
func (s *Server) existingSession(ctx context.Context, params map[string]interface{}) (*sessionstore.Session, error) {
	id, err := sessionParam(params)
	if err != nil {
		return nil, err
	}
	if !s.manager.Store().Exists(id) {
		return nil, invalidParams("unknown session: %s", id)
	}
	sess, err := s.manager.Session(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.Store(), nil
}

// handleChatSend runs one turn. The request's idempotency key becomes the
// turn's request id, so a retried request returns the first reply.
func (s *Server) handleChatSend(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := sessionParam(params)
	if err != nil {
		return nil, err
	}
	query, err := stringParam(params, "query", true)
	if err != nil {
		return nil, err
	}

	ctx = tracing.WithSessionID(ctx, sessionID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Int("query_len", len(query)).Msg("chat.send received")

	res, err := s.manager.Chat(ctx, sessionID, query, IdempotencyKey(ctx))
	if err != nil {
		if errors.Is(err, sessionstore.ErrInvalidSessionID) {
			return nil, invalidParams("%v", err)
		}
		logger.Error().Err(err).Msg("chat.send failed")
		return nil, fmt.Errorf("chat turn failed: %w", err)
	}

	result := turnPayload(res)
	s.broadcaster.Publish(EventMessage{
		Event:     EventChatTurn,
		SessionID: sessionID,
		TraceID:   tracing.GetTraceID(ctx),
		Data:      result,
	})
	return result, nil
}

func turnPayload(res agent.TurnResult) map[string]interface{} {
	payload := map[string]interface{}{
		"reply":       res.Reply,
		"route":       res.Route,
		"outcome":     res.Outcome,
		"turn_id":     res.TurnID,
		"duration_ms": res.Duration.Milliseconds(),
	}
	if ex := res.Execution; ex != nil {
		payload["execution"] = map[string]interface{}{
			"language":    ex.Language,
			"success":     ex.Success,
			"error":       ex.Error,
			"duration_ms": ex.Duration.Milliseconds(),
		}
	}
	return payload
}

// handleSessionSubscribe routes a session's chat.turn events to the calling
// websocket client.
func (s *Server) handleSessionSubscribe(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := sessionParam(params)
	if err != nil {
		return nil, err
	}
	clientID := tracing.GetClientID(ctx)
	if clientID == "" || !s.clients.Subscribe(clientID, sessionID) {
		return nil, invalidParams("session.subscribe requires a websocket connection")
	}
	return map[string]interface{}{"session_id": sessionID, "subscribed": true}, nil
}

func (s *Server) handleSessionPlan(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sess, err := s.existingSession(ctx, params)
	if err != nil {
		return nil, err
	}
	raw, err := sess.ReadPlan()
	if err != nil {
		return nil, err
	}
	plan := sessionstore.ParsePlan(raw)
	done, total := plan.Counts()

	items := make([]map[string]interface{}, 0, len(plan.Items))
	for _, it := range plan.Items {
		items = append(items, map[string]interface{}{"text": it.Text, "done": it.Done})
	}
	return map[string]interface{}{
		"session_id": sess.ID(),
		"markdown":   raw,
		"title":      plan.Title,
		"items":      items,
		"done":       done,
		"total":      total,
	}, nil
}

func (s *Server) handleSessionUpdatePlan(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := sessionParam(params)
	if err != nil {
		return nil, err
	}
	text, err := stringParam(params, "plan", true)
	if err != nil {
		return nil, err
	}
	sess, err := s.manager.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.Store().UpdatePlanWithContext(ctx, text); err != nil {
		return nil, err
	}
	return map[string]interface{}{"session_id": sessionID, "updated": true}, nil
}

func (s *Server) handleSessionFindings(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sess, err := s.existingSession(ctx, params)
	if err != nil {
		return nil, err
	}
	findings, err := sess.Findings()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(findings))
	for _, f := range findings {
		out = append(out, map[string]interface{}{
			"severity":    f.Severity,
			"title":       f.Title,
			"description": f.Description,
			"at":          f.At.Format(time.RFC3339),
		})
	}
	return map[string]interface{}{"session_id": sess.ID(), "findings": out}, nil
}

func (s *Server) handleSessionProgress(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sess, err := s.existingSession(ctx, params)
	if err != nil {
		return nil, err
	}
	entries, err := sess.Progress()
	if err != nil {
		return nil, err
	}
	if limit, ok := params["limit"].(float64); ok && limit > 0 && int(limit) < len(entries) {
		entries = entries[len(entries)-int(limit):]
	}
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{
			"kind":    e.Kind,
			"message": e.Message,
			"at":      e.At.Format(time.RFC3339),
		})
	}
	return map[string]interface{}{"session_id": sess.ID(), "entries": out}, nil
}

func (s *Server) handleSessionFinalize(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sess, err := s.existingSession(ctx, params)
	if err != nil {
		return nil, err
	}
	st, err := sess.FinalizeReport(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"session_id": sess.ID(),
		"entries":    st.Entries,
		"findings":   st.Findings,
		"errors":     st.Errors,
		"status":     st.Status,
		"by_kind":    st.ByKind,
	}, nil
}

// handleSessionsList prefers the catalog's per-session counters and falls
// back to the directories in the session store.
func (s *Server) handleSessionsList(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if s.catalog != nil {
		summaries, err := s.catalog.Sessions(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]interface{}, 0, len(summaries))
		for _, sum := range summaries {
			out = append(out, map[string]interface{}{
				"id":         sum.ID,
				"turns":      sum.Turns,
				"executions": sum.Executions,
				"failures":   sum.Failures,
				"first_seen": sum.FirstSeen.Format(time.RFC3339),
				"last_seen":  sum.LastSeen.Format(time.RFC3339),
			})
		}
		return map[string]interface{}{"sessions": out}, nil
	}

	ids, err := s.manager.Store().List()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		out = append(out, map[string]interface{}{"id": id})
	}
	return map[string]interface{}{"sessions": out}, nil
}

func (s *Server) handleGatewayClients(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"clients": s.clients.GetConnectedClients(),
		"active":  s.manager.Active(),
	}, nil
}
