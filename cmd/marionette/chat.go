package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/marionette/pkg/chat"
	"github.com/go-go-golems/marionette/pkg/client"
	"github.com/go-go-golems/marionette/pkg/config"
	"github.com/go-go-golems/marionette/pkg/connection"
	"github.com/go-go-golems/marionette/pkg/persistence"
)

func newChatCmd() *cobra.Command {
	var modelID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat REPL with streamed responses",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), cfg, modelID)
		},
	}
	cmd.Flags().StringVar(&modelID, "model", "", "Model id to chat with (defaults to the first advertised model)")
	return cmd
}

type app struct {
	store    *chat.Store
	registry *chat.Registry
	coord    *chat.Coordinator
	gateway  *persistence.SQLiteGateway
	conn     *connection.Manager
	api      *client.Client

	// printedLen tracks how much of the trailing assistant message has
	// already been written to the terminal.
	mu         sync.Mutex
	printedLen int
	printingID string
}

func runChat(parent context.Context, cfg config.Config, modelID string) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	gateway, err := persistence.NewSQLiteGateway(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer func() { _ = gateway.Close() }()

	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, watermill.NopLogger{})
	defer func() { _ = pubsub.Close() }()

	store := chat.NewStore(gateway, pubsub)
	if err := store.Load(); err != nil {
		return err
	}

	registry := chat.NewRegistry()
	if params, err := gateway.LoadSettings(); err == nil {
		if err := registry.ReplaceParams(params); err != nil {
			log.Warn().Err(err).Msg("persisted settings invalid, using defaults")
		}
	}

	api := client.New(cfg.Backend.BaseURL)
	if err := selectModel(ctx, api, registry, modelID); err != nil {
		return err
	}

	streamURL, err := cfg.StreamURL()
	if err != nil {
		return err
	}
	conn := connection.NewManager(streamURL,
		connection.WithConnectTimeout(cfg.ConnectTimeout()),
		connection.WithReconnectDelay(cfg.ReconnectDelay()),
	)
	defer func() { _ = conn.Close(websocket.CloseNormalClosure) }()

	coord := chat.NewCoordinator(store, registry, conn, api, chat.WithIdleTimeout(cfg.IdleTimeout()))
	store.SetStopFunc(coord.Stop)

	if store.ActiveID() == "" {
		store.Create()
	}

	a := &app{store: store, registry: registry, coord: coord, gateway: gateway, conn: conn, api: api}

	g, gctx := errgroup.WithContext(ctx)
	events, err := pubsub.Subscribe(gctx, chat.SessionsTopic)
	if err != nil {
		return err
	}
	g.Go(func() error {
		a.renderLoop(gctx, events)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return a.repl(gctx)
	})
	return g.Wait()
}

func selectModel(ctx context.Context, api *client.Client, registry *chat.Registry, modelID string) error {
	models, err := api.ListModels(ctx)
	if err != nil {
		return errors.Wrap(err, "list models")
	}
	if len(models) == 0 {
		return errors.New("backend advertises no models")
	}
	if modelID == "" {
		registry.SetModel(&models[0])
		return nil
	}
	for i := range models {
		if models[i].ID == modelID || models[i].Name == modelID {
			registry.SetModel(&models[i])
			return nil
		}
	}
	return errors.Errorf("model %q not advertised by the backend", modelID)
}

// renderLoop consumes store events and prints newly streamed content of
// the active session's trailing message.
func (a *app) renderLoop(ctx context.Context, events <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			var ev chat.Event
			if err := json.Unmarshal(msg.Payload, &ev); err == nil && ev.Op == "update" {
				a.printDelta(ev.SessionID)
			}
			msg.Ack()
		}
	}
}

func (a *app) printDelta(sessionID string) {
	if sessionID != a.store.ActiveID() {
		return
	}
	sess, ok := a.store.Get(sessionID)
	if !ok || len(sess.Messages) == 0 {
		return
	}
	last := sess.Messages[len(sess.Messages)-1]
	if last.Role != chat.RoleAssistant {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.printingID != last.ID {
		a.printingID = last.ID
		a.printedLen = 0
	}
	if len(last.Content) > a.printedLen {
		fmt.Print(last.Content[a.printedLen:])
		a.printedLen = len(last.Content)
	}
}

func (a *app) repl(ctx context.Context) error {
	fmt.Println("marionette chat — /help for commands, /quit to exit")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := a.command(ctx, line)
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			if quit {
				return nil
			}
			continue
		}
		a.send(ctx, line)
	}
}

func (a *app) send(ctx context.Context, text string) {
	active := a.store.ActiveID()
	if active == "" {
		active = a.store.Create().ID
	}

	// Ctrl-C during a generation stops it instead of killing the REPL.
	stopCtx, stopDone := context.WithCancel(context.Background())
	defer stopDone()
	go func() {
		select {
		case <-ctx.Done():
			a.coord.Stop(active)
		case <-stopCtx.Done():
		}
	}()

	if err := a.coord.SendMessage(context.Background(), active, text); err != nil {
		switch {
		case errors.Is(err, chat.ErrBusy):
			fmt.Fprintln(os.Stderr, "a generation is already running; /stop it first")
		case errors.Is(err, chat.ErrConnection):
			fmt.Fprintln(os.Stderr, "connection failed:", err)
		case errors.Is(err, chat.ErrTimeout):
			fmt.Fprintln(os.Stderr, "timed out:", err)
		default:
			fmt.Fprintln(os.Stderr, "generation failed:", err)
		}
		return
	}
	fmt.Println()
}

func (a *app) command(ctx context.Context, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	arg := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Println(`/new            new session
/sessions       list sessions
/switch <n>     switch to session n
/delete <n>     delete session n
/rename <title> rename active session
/model <id>     select model
/models         list models
/temp <v>       set temperature (0..1)
/maxtokens <n>  set max tokens
/system <text>  set system prompt
/stream on|off  toggle streaming
/stop           stop the running generation
/quit           exit`)
	case "/new":
		sess := a.store.Create()
		fmt.Println("created session", sess.ID)
	case "/sessions":
		active := a.store.ActiveID()
		for i, s := range a.store.Sessions() {
			marker := " "
			if s.ID == active {
				marker = "*"
			}
			title := s.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("%s %2d  %-30s  %d messages\n", marker, i+1, title, len(s.Messages))
		}
	case "/switch":
		sess, serr := a.sessionByIndex(arg)
		if serr != nil {
			return false, serr
		}
		a.store.Switch(sess.ID)
	case "/delete":
		sess, serr := a.sessionByIndex(arg)
		if serr != nil {
			return false, serr
		}
		a.store.Delete(sess.ID)
	case "/rename":
		if arg == "" {
			return false, errors.New("usage: /rename <title>")
		}
		a.store.Rename(a.store.ActiveID(), arg)
	case "/models":
		models, merr := a.api.ListModels(ctx)
		if merr != nil {
			return false, merr
		}
		for _, m := range models {
			fmt.Printf("%-30s %-12s %s\n", m.ID, m.Provider, m.Name)
		}
	case "/model":
		return false, selectModel(ctx, a.api, a.registry, arg)
	case "/temp":
		v, perr := strconv.ParseFloat(arg, 64)
		if perr != nil {
			return false, errors.New("usage: /temp <value>")
		}
		if err := a.registry.SetParams(chat.ParamsUpdate{Temperature: &v}); err != nil {
			return false, err
		}
		a.persistSettings()
	case "/maxtokens":
		n, perr := strconv.Atoi(arg)
		if perr != nil {
			return false, errors.New("usage: /maxtokens <n>")
		}
		if err := a.registry.SetParams(chat.ParamsUpdate{MaxTokens: &n}); err != nil {
			return false, err
		}
		a.persistSettings()
	case "/system":
		if err := a.registry.SetParams(chat.ParamsUpdate{SystemPrompt: &arg}); err != nil {
			return false, err
		}
		a.persistSettings()
	case "/stream":
		on := arg == "on"
		if arg != "on" && arg != "off" {
			return false, errors.New("usage: /stream on|off")
		}
		if err := a.registry.SetParams(chat.ParamsUpdate{StreamingEnabled: &on}); err != nil {
			return false, err
		}
		a.persistSettings()
	case "/stop":
		a.coord.Stop(a.store.ActiveID())
	default:
		return false, errors.Errorf("unknown command %s", fields[0])
	}
	return false, nil
}

func (a *app) sessionByIndex(arg string) (chat.Session, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return chat.Session{}, errors.New("expected a session number from /sessions")
	}
	sessions := a.store.Sessions()
	if n < 1 || n > len(sessions) {
		return chat.Session{}, errors.Errorf("no session %d", n)
	}
	return sessions[n-1], nil
}

func (a *app) persistSettings() {
	if err := a.gateway.SaveSettings(a.registry.Params()); err != nil {
		log.Warn().Err(err).Msg("failed to persist settings")
	}
}
