/*
Package main implements a terminal viewer for a live token stream session.

The viewer joins one stream: it acquires the real-time connection, subscribes
to the stream channel, mirrors the chat log to stdout, tracks presence, and
polls the token's price history. Lines typed on stdin are sent as chat
messages; the /like command toggles the stream like. The session is torn
down cleanly on Ctrl+C or SIGTERM.

Usage:

	go run main.go -stream=frogcoin-live -token-id=42 -token-name=FrogCoin
*/
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"tokenlive/internal/auth"
	"tokenlive/internal/config"
	"tokenlive/internal/session"
)

// Command-line flags identifying the stream to join.
var (
	// streamID is the channel identifier to subscribe to.
	streamID = flag.String("stream", "", "Stream channel identifier to join")
	// tokenID is the token identifier used by the price feed.
	tokenID = flag.Int("token-id", 0, "Token identifier for price history")
	// tokenName is the display name used in the welcome banner.
	tokenName = flag.String("token-name", "", "Token display name")
	// authToken optionally logs in first and derives the viewer identity.
	authToken = flag.String("auth-token", "", "Identity-provider bearer credential (optional)")
)

func main() {
	flag.Parse()

	log := zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()

	if *streamID == "" {
		log.Fatal().Msg("stream identifier is required")
	}
	if *tokenID <= 0 {
		log.Fatal().Msg("token identifier must be positive")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}

	// An auth credential upgrades the anonymous identity to the platform one.
	if *authToken != "" {
		creds, err := auth.NewClient(cfg.API.BaseURL, cfg.API.Timeout).Login(ctx, *authToken)
		if err != nil {
			log.Fatal().Err(err).Msg("login failed")
		}
		if creds.Identity != "" {
			cfg.Session.Identity = creds.Identity
		}
		log.Info().Str("identity", cfg.Session.Identity).Msg("logged in")
	}
	if cfg.Session.Identity == "" {
		cfg.Session.Identity = fmt.Sprintf("viewer-%d", os.Getpid())
	}

	sess := session.New(cfg, session.StreamInfo{
		StreamID:  *streamID,
		TokenID:   *tokenID,
		TokenName: *tokenName,
	}, nil)

	if err := sess.Join(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to join session")
	}
	defer sess.Leave()

	status := sess.Status()
	if !status.Connected {
		log.Warn().Str("lastError", status.LastError).Msg("running in offline mode")
	}

	go readInput(ctx, sess, log)
	go printLoop(ctx, sess, log)

	<-ctx.Done()
	log.Info().Msg("leaving session")
}

// readInput forwards stdin lines as chat messages; /like toggles the like.
func readInput(ctx context.Context, sess *session.Session, log zerolog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if line == "/like" {
			liked, err := sess.ToggleLike()
			if err != nil {
				log.Warn().Err(err).Msg("like not propagated")
			}
			log.Info().Bool("liked", liked).Msg("like toggled")
			continue
		}

		if err := sess.SendMessage(line); err != nil {
			log.Warn().Err(err).Msg("message kept locally only")
		}
	}
}

// printLoop periodically reports new chat messages, presence, and price.
func printLoop(ctx context.Context, sess *session.Session, log zerolog.Logger) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	printed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgs := sess.Chat.Messages()
			for ; printed < len(msgs); printed++ {
				m := msgs[printed]
				tag := ""
				if m.IsAgent {
					tag = " [agent]"
				} else if m.IsLocalUser {
					tag = " [you]"
				}
				fmt.Printf("%s %s%s: %s\n", m.Timestamp.Format("15:04:05"), m.Author, tag, m.Text)
			}

			state := sess.Presence.State()
			prices := sess.Prices.State()
			ev := log.Info().
				Int("viewers", state.ViewerCount).
				Int("likes", state.LikeCount)
			if len(prices.Window) > 0 {
				last := prices.Window[len(prices.Window)-1]
				ev = ev.
					Str("price", last.Price.String()).
					Str("change", prices.Change.Delta.String()).
					Str("changePct", prices.Change.Percentage.StringFixed(2)).
					Bool("up", prices.Change.Positive)
			}
			if prices.Err != nil {
				ev = ev.Str("priceFeed", "stale")
			}
			ev.Msg("session state")
		}
	}
}
