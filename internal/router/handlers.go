package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/amurg-ai/wsrouter/internal/session"
	"github.com/amurg-ai/wsrouter/internal/store"
	"github.com/amurg-ai/wsrouter/pkg/protocol"
)

// handleDefault forwards any event without a dedicated handler to the
// backend. An invalid session is told so instead.
func (r *Router) handleDefault(ctx context.Context, s *session.Session, req *protocol.Request, correlationID string) error {
	if !s.Valid() {
		return s.SendSessionInvalid(req.ClientTraceID)
	}
	return r.publishRequest(ctx, s, req, correlationID)
}

// handleSubscribe updates device and heartbeat settings, logs the session in
// when a token is given and forwards resource subscriptions to the backend.
func (r *Router) handleSubscribe(ctx context.Context, s *session.Session, req *protocol.Request, _ string) error {
	var sub protocol.SubscribePayload
	if err := json.Unmarshal(req.Payload, &sub); err != nil {
		return fmt.Errorf("decode subscribe: %w", err)
	}
	traceID := req.ClientTraceID

	s.SetDeviceID(sub.DeviceID)

	if sub.Token != "" {
		p, err := r.registry.Login(ctx, s, sub.Token)
		if err != nil {
			r.logger.InfoContext(ctx, "login failed", "error", err)
			r.audit(ctx, &store.AuditEvent{
				Action:    store.ActionLoginFailed,
				SessionID: s.ID(),
				UserID:    s.UserID(),
				IPAddress: s.Info().ClientIP,
				Detail:    detail("error", err.Error()),
			})
			// A given token must log in; nothing else in the request applies.
			return s.SendError(protocol.ErrorTypeUnauthorized, protocol.CodeAuthorizationFailed, "authorization failed", traceID)
		}
		r.audit(ctx, &store.AuditEvent{Action: store.ActionLogin, SessionID: s.ID(), UserID: p.Subject, IPAddress: s.Info().ClientIP})

		if err := s.SendEvent(protocol.EventUserAuthenticated, traceID,
			protocol.UserAuthenticated{UserID: p.Subject, SessionID: s.ID()}); err != nil {
			return err
		}
		if err := r.publishInternal(ctx, s, protocol.EventIdentityAuthenticated, traceID,
			protocol.IdentityAuthenticated{IdentityID: p.Subject}); err != nil {
			r.logger.WarnContext(ctx, "publish identity authenticated failed", "error", err)
		}
	} else if !s.Valid() {
		return s.SendSessionInvalid(traceID)
	}

	if sub.Heartbeat != nil {
		s.SetHeartbeat(*sub.Heartbeat)
	}

	for _, res := range sub.Resources {
		if err := r.publishInternal(ctx, s, protocol.EventSubscribeInternal, traceID, res); err != nil {
			return err
		}
	}
	return nil
}

// handleLogout reverts the session to anonymous.
func (r *Router) handleLogout(ctx context.Context, s *session.Session, req *protocol.Request, _ string) error {
	prev, err := r.registry.Logout(s)
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	r.audit(ctx, &store.AuditEvent{Action: store.ActionLogout, SessionID: s.ID(), UserID: prev, IPAddress: s.Info().ClientIP})
	return s.SendEvent(protocol.EventUserLoggedOut, req.ClientTraceID,
		protocol.UserLoggedOut{UserID: prev, SessionID: s.ID()})
}

func detail(kv ...string) json.RawMessage {
	m := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	b, _ := json.Marshal(m)
	return b
}
