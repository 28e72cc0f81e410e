package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hyakulive/hyakulive/internal/audio"
	"github.com/hyakulive/hyakulive/internal/backfill"
	"github.com/hyakulive/hyakulive/internal/config"
	"github.com/hyakulive/hyakulive/internal/protocol"
	"github.com/hyakulive/hyakulive/internal/room"
	"github.com/hyakulive/hyakulive/internal/session"
	"github.com/hyakulive/hyakulive/internal/transport"
)

// lazyReplayer breaks the construction cycle between the backfill fetcher
// and the session that consumes its events.
type lazyReplayer struct {
	sess *session.Session
}

func (l *lazyReplayer) Handle(raw []byte) error {
	if l.sess == nil {
		return fmt.Errorf("session not ready")
	}
	return l.sess.Handle(raw)
}

// transportHandler routes connection callbacks into the session.
type transportHandler struct {
	sess   *session.Session
	closed chan struct{}
}

func (h *transportHandler) OnMessage(raw []byte) {
	if err := h.sess.Handle(raw); err != nil {
		log.Debug().Err(err).Msg("dropping malformed server message")
	}
}

func (h *transportHandler) OnClose(err error) {
	h.sess.OnTransportClosed(err)
	close(h.closed)
}

func main() {
	config.LoadEnv()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	cfg := config.ClientFromEnv()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	var manifest *audio.Manifest
	if cfg.AudioManifest != "" {
		m, err := audio.LoadManifest(cfg.AudioManifest)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.AudioManifest).Msg("failed to load audio manifest")
		}
		manifest = m
	}

	replay := &lazyReplayer{}
	var client *transport.Client

	sess := session.New(session.Config{
		Audio: audio.New(clockwork.NewRealClock(), manifest),
		Sink:  newConsoleSink(os.Stdout),
		Gaps:  backfill.New(cfg.ServerURL, replay),
		Send: func(msg protocol.ClientMessage) error {
			return client.Send(msg)
		},
	})
	replay.sess = sess

	handler := &transportHandler{sess: sess, closed: make(chan struct{})}

	wsURL := toWebSocketURL(cfg.ServerURL)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	c, err := transport.Dial(ctx, wsURL, transport.DefaultConfig(), handler)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Str("url", wsURL).Msg("failed to connect")
	}
	client = c
	defer client.Close()

	if err := client.Send(protocol.NewJoin(cfg.RoomID, cfg.Role, cfg.Name)); err != nil {
		log.Fatal().Err(err).Msg("failed to send join")
	}

	go runInput(sess, client)

	<-handler.closed
	log.Info().Msg("connection closed, exiting")
}

// toWebSocketURL maps the REST base URL to the WebSocket endpoint.
func toWebSocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	default:
		return base + "/ws"
	}
}

// runInput reads commands from stdin. Plain lines are chat; slash commands
// drive the game.
func runInput(sess *session.Session, client *transport.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		role, id := sess.Identity()
		fields := strings.Fields(line)

		var err error
		switch fields[0] {
		case "/start":
			err = client.Send(protocol.NewStart(id))

		case "/take":
			if len(fields) < 2 {
				fmt.Println("usage: /take <slot>")
				continue
			}
			pos, convErr := strconv.Atoi(fields[1])
			if convErr != nil {
				fmt.Println("usage: /take <slot>")
				continue
			}
			err = client.Send(protocol.NewTake(id, pos, ""))

		case "/mistake":
			err = client.Send(protocol.NewMistake(id))

		case "/player":
			err = client.Send(protocol.NewBecomePlayer(id))

		case "/spectator":
			err = client.Send(protocol.NewBecomeSpectator(id))

		case "/leave", "/quit":
			left := make(chan struct{})
			sess.ArmLeaveWaiter(func() { close(left) })
			if err := client.Send(protocol.NewLeave(string(role), id)); err != nil {
				log.Warn().Err(err).Msg("failed to send leave")
			}
			select {
			case <-left:
			case <-time.After(2 * time.Second):
				log.Warn().Msg("no leave confirmation, closing anyway")
			}
			client.Close()
			return

		default:
			var playerID, spectatorID string
			if role == room.RolePlayer {
				playerID = id
			} else {
				spectatorID = id
			}
			err = client.Send(protocol.NewChat(playerID, spectatorID, line))
		}

		if err != nil {
			log.Warn().Err(err).Str("command", fields[0]).Msg("failed to send")
		}
	}
}
