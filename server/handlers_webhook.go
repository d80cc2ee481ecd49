package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/live-banner/stream"
	"github.com/onnwee/live-banner/telemetry"
	"github.com/onnwee/live-banner/twitchapi"
)

// HandleTwitchWebhook receives EventSub deliveries. stream.online and
// stream.offline notifications run the transition before answering; a non-2xx
// answer makes Twitch redeliver, which the phase check and the message log
// turn into no-ops once the transition has succeeded.
func (h *Handlers) HandleTwitchWebhook(w http.ResponseWriter, r *http.Request) {
	secret := h.deps.Config.TwitchEventSubSecret
	if secret == "" {
		http.Error(w, "eventsub not configured", http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	msgType := r.Header.Get(twitchapi.HeaderMessageType)
	msg, err := twitchapi.VerifyMessage(secret, r.Header, body, time.Now())
	if err != nil {
		telemetry.IncWebhook(msgType, "rejected")
		status := http.StatusBadRequest
		if errors.Is(err, twitchapi.ErrInvalidSignature) || errors.Is(err, twitchapi.ErrStaleMessage) {
			status = http.StatusForbidden
		}
		slog.Warn("eventsub delivery rejected", slog.Any("err", err), slog.String("remote_addr", r.RemoteAddr), slog.String("component", "eventsub"))
		http.Error(w, err.Error(), status)
		return
	}
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("message_id", msg.ID), slog.String("subscription", msg.Envelope.Subscription.Type), slog.String("component", "eventsub"))

	switch msg.Type {
	case twitchapi.MessageTypeVerification:
		telemetry.IncWebhook(msg.Type, "ok")
		log.Info("eventsub subscription verified", slog.String("broadcaster", msg.Envelope.Subscription.Condition.BroadcasterUserID))
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, msg.Envelope.Challenge)
		return
	case twitchapi.MessageTypeRevocation:
		telemetry.IncWebhook(msg.Type, "ok")
		log.Warn("eventsub subscription revoked", slog.String("status", msg.Envelope.Subscription.Status), slog.String("broadcaster", msg.Envelope.Subscription.Condition.BroadcasterUserID))
		w.WriteHeader(http.StatusNoContent)
		return
	case twitchapi.MessageTypeNotification:
	default:
		telemetry.IncWebhook(msg.Type, "ignored")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if seen, err := h.deps.Messages.Seen(r.Context(), msg.ID); err != nil {
		log.Warn("message log lookup failed", slog.Any("err", err))
	} else if seen {
		telemetry.IncWebhook(msg.Type, "duplicate")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ev, err := msg.StreamEvent()
	if err != nil {
		telemetry.IncWebhook(msg.Type, "rejected")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var out stream.Outcome
	switch msg.Envelope.Subscription.Type {
	case twitchapi.SubscriptionStreamOnline:
		out, err = h.deps.Stream.GoLive(r.Context(), ev.BroadcasterUserID)
	case twitchapi.SubscriptionStreamOffline:
		out, err = h.deps.Stream.GoOffline(r.Context(), ev.BroadcasterUserID)
	default:
		telemetry.IncWebhook(msg.Type, "ignored")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		telemetry.IncWebhook(msg.Type, "error")
		h.writeError(w, r, err)
		return
	}
	if _, err := h.deps.Messages.Remember(r.Context(), msg.ID); err != nil {
		log.Warn("message log write failed", slog.Any("err", err))
	}
	telemetry.IncWebhook(msg.Type, "ok")
	log.Debug("eventsub notification handled", slog.String("user", ev.BroadcasterUserID), slog.Bool("duplicate", out.Duplicate), slog.String("phase", string(out.Phase)))
	w.WriteHeader(http.StatusNoContent)
}
