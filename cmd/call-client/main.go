// Command call-client runs one call controller against a call-service with a
// pion peer connection and synthetic media.
//
//	call-client [flags] call <receiver-id>
//	call-client [flags] answer
//	call-client [flags] reject
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsignal-backend/internal/controller"
	"callsignal-backend/internal/domain"
	"callsignal-backend/internal/rtc"
	"callsignal-backend/pkg/callclient"
	"callsignal-backend/pkg/constants"
	"callsignal-backend/pkg/env"
	"callsignal-backend/pkg/jwt"
	"callsignal-backend/pkg/logger"
	"callsignal-backend/pkg/resilience"
)

func main() {
	baseURL := flag.String("server", env.GetString("CALL_SERVER_URL", "http://localhost:8080/v1"), "call-service base URL")
	token := flag.String("token", env.GetStringFromFile("CALL_TOKEN", ""), "bearer token; minted from -user and JWT_SECRET when empty")
	user := flag.String("user", env.GetString("CALL_USER_ID", ""), "user id the dev token is minted for")
	callType := flag.String("type", "audio", "call type: audio or video")
	wait := flag.Duration("wait", 30*time.Second, "how long answer waits for an incoming call")
	pollInterval := flag.Duration("poll", env.GetDuration("CALL_POLL_INTERVAL", constants.DefaultPollInterval), "signaling poll interval")
	flag.Usage = usage
	flag.Parse()

	logger.InitDefault()
	defer logger.Sync()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	userID, bearer, err := identity(*user, *token)
	if err != nil {
		logger.Fatal("Cannot determine identity", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := callclient.New(*baseURL, bearer,
		callclient.WithBreaker(resilience.New("signaling", resilience.Config{Retryable: callclient.Retryable}, nil)))

	servers, err := client.ICEServers(ctx)
	if err != nil {
		logger.Fatal("Failed to fetch ICE servers", zap.Error(err))
	}

	factory, err := rtc.NewFactory(servers, logger.Log)
	if err != nil {
		logger.Fatal("Failed to create peer connection factory", zap.Error(err))
	}

	ctl := controller.New(userID, client, &rtc.Acquirer{AllowVideo: true}, factory,
		controller.WithPollInterval(*pollInterval),
		controller.WithLogger(logger.Log))

	events, unsubscribe := ctl.Subscribe()
	defer unsubscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		logEvents(events)
	}()

	switch flag.Arg(0) {
	case "call":
		err = runCall(ctx, ctl, flag.Arg(1), domain.CallType(*callType))
	case "answer":
		err = runAnswer(ctx, ctl, client, *wait)
	case "reject":
		err = runReject(ctx, ctl, client, *wait)
	default:
		usage()
		os.Exit(2)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := ctl.Close(closeCtx); cerr != nil {
		logger.Warn("Failed to end call cleanly", zap.Error(cerr))
	}
	<-done

	if err != nil {
		logger.Error("Call failed", zap.Error(err))
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] call <receiver-id> | answer | reject\n", os.Args[0])
	flag.PrintDefaults()
}

// identity returns the caller's id and bearer token. Without a token, one is
// minted with JWT_SECRET, which only works against a development server.
func identity(user, token string) (uuid.UUID, string, error) {
	if token != "" {
		claims, err := jwt.ParseUnverified(token)
		if err != nil {
			return uuid.Nil, "", err
		}
		return claims.UserID, token, nil
	}

	userID := uuid.New()
	if user != "" {
		parsed, err := uuid.Parse(user)
		if err != nil {
			return uuid.Nil, "", fmt.Errorf("invalid user id: %w", err)
		}
		userID = parsed
	}

	secret := env.GetStringFromFile("JWT_SECRET", "development-only-secret-change-me-please")
	minted, err := jwt.NewJWTManager(secret, time.Hour).GenerateAccessToken(userID, "")
	if err != nil {
		return uuid.Nil, "", err
	}
	return userID, minted, nil
}

func runCall(ctx context.Context, ctl *controller.Controller, receiver string, callType domain.CallType) error {
	receiverID, err := uuid.Parse(receiver)
	if err != nil {
		return fmt.Errorf("invalid receiver id %q: %w", receiver, err)
	}
	if err := ctl.InitiateCall(ctx, receiverID, callType); err != nil {
		return err
	}
	logger.Info("Ringing", zap.String("call_id", ctl.Session().ID.String()))
	return waitForEnd(ctx, ctl)
}

func runAnswer(ctx context.Context, ctl *controller.Controller, client *callclient.Client, wait time.Duration) error {
	incoming, err := waitForIncoming(ctx, client, wait)
	if err != nil {
		return err
	}
	logger.Info("Answering call",
		zap.String("call_id", incoming.ID.String()),
		zap.String("from", incoming.InitiatorID.String()),
		zap.String("type", string(incoming.Type)))
	if err := ctl.AnswerCall(ctx, incoming); err != nil {
		return err
	}
	return waitForEnd(ctx, ctl)
}

func runReject(ctx context.Context, ctl *controller.Controller, client *callclient.Client, wait time.Duration) error {
	incoming, err := waitForIncoming(ctx, client, wait)
	if err != nil {
		return err
	}
	call, err := ctl.RejectCall(ctx, incoming.ID)
	if err != nil {
		return err
	}
	logger.Info("Call rejected", zap.String("call_id", call.ID.String()), zap.String("status", string(call.Status)))
	return nil
}

func waitForIncoming(ctx context.Context, client *callclient.Client, wait time.Duration) (*domain.CallSession, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(constants.DefaultPollInterval)
	defer ticker.Stop()
	for {
		current, err := client.Current(ctx)
		if err == nil && current.IncomingCall != nil {
			return current.IncomingCall, nil
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			logger.Debug("Incoming call lookup failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("no incoming call within %s", wait)
		case <-ticker.C:
		}
	}
}

// waitForEnd blocks until the call leaves progress or the process is interrupted
func waitForEnd(ctx context.Context, ctl *controller.Controller) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Hanging up")
			return ctl.EndCall(context.Background())
		case <-ticker.C:
			switch ctl.State() {
			case controller.StateEnded:
				return nil
			case controller.StateError:
				return ctl.Err()
			}
		}
	}
}

func logEvents(events <-chan controller.Event) {
	for ev := range events {
		switch ev.Type {
		case controller.EventState:
			logger.Info("Call state", zap.String("state", string(ev.State)))
		case controller.EventRemoteTrack:
			logger.Info("Remote track", zap.String("track_id", ev.Track.ID()), zap.String("stream_id", ev.Track.StreamID()))
		case controller.EventDuration:
			logger.Debug("Call duration", zap.Duration("duration", ev.Duration))
		case controller.EventError:
			logger.Warn("Call error", zap.Error(ev.Err))
		}
	}
}
