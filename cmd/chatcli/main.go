// Command chatcli is a terminal version of the site chat widget. It joins a
// session over the realtime endpoint and sends each stdin line as a message.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"agency-backend/internal/realtime"
	"agency-backend/internal/widget"
)

func main() {
	godotenv.Load()

	defaultServer := os.Getenv("CHAT_SERVER_URL")
	if defaultServer == "" {
		defaultServer = "http://localhost:5000"
	}

	server := flag.String("server", defaultServer, "chat server base URL")
	session := flag.String("session", "", "chat session id (default: a new random id)")
	verbose := flag.Bool("v", false, "log connection details to stderr")
	flag.Parse()

	sessionID := *session
	if sessionID == "" {
		sessionID = "session_" + uuid.NewString()
	}

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	base := strings.TrimRight(*server, "/")
	api := widget.NewHTTPAPI(base, 60*time.Second)
	ctrl := widget.NewController(api, sessionID, widget.Options{}, logger)
	defer ctrl.Close()

	mgr := realtime.New(realtime.Config{
		URL:       wsURL(base) + "/ws/chat",
		SessionID: sessionID,
	}, logger)
	defer mgr.Close()

	go ctrl.Run(ctx, mgr)
	mgr.Start()

	if err := ctrl.Refresh(ctx); err != nil {
		logger.Warn().Err(err).Msg("could not load history")
	}

	r := &renderer{out: os.Stdout, session: sessionID}
	r.header()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ctrl.Changes():
				r.render(ctrl)
			}
		}
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			// the widget shows a generic message instead of transport errors
			if err := ctrl.Submit(ctx, line); err != nil && !errors.Is(err, widget.ErrEmptyMessage) {
				logger.Debug().Err(err).Msg("submit failed")
				fmt.Fprintln(os.Stdout, "! Não foi possível enviar sua mensagem. Tente novamente.")
			}
		}
	}
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

// renderer prints only what changed since the last render.
type renderer struct {
	out       io.Writer
	session   string
	printed   int
	typing    bool
	connected bool
}

func (r *renderer) header() {
	fmt.Fprintf(r.out, "Chat session %s (Ctrl+C to quit)\n", r.session)
}

func (r *renderer) render(ctrl *widget.Controller) {
	if c := ctrl.Connected(); c != r.connected {
		r.connected = c
		if c {
			fmt.Fprintln(r.out, "● online")
		} else {
			fmt.Fprintln(r.out, "○ reconectando…")
		}
	}

	messages := ctrl.Messages()
	if len(messages) < r.printed {
		r.printed = 0
	}
	for _, m := range messages[r.printed:] {
		who := "Assistente"
		if m.IsUser {
			who = "Você"
		}
		fmt.Fprintf(r.out, "[%s] %s: %s\n", m.Timestamp.Local().Format("15:04"), who, m.Message)
	}
	r.printed = len(messages)

	if t := ctrl.Typing(); t != r.typing {
		r.typing = t
		if t {
			fmt.Fprintln(r.out, "Digitando…")
		}
	}
}
