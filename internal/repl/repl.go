package repl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"chatsync/internal/api"
	"chatsync/internal/chat"
	"chatsync/internal/config"
	"chatsync/internal/engine"
	"chatsync/internal/telemetry"
)

// App is the interactive chat client. It drives the synchronization
// engine from a line-based prompt; all rendering is plain text.
type App struct {
	config config.Config
	logger *slog.Logger
	engine *engine.Engine
}

// NewApp wires the engine and its collaborators from config. The returned
// cleanup flushes and shuts down the telemetry providers; defer it.
func NewApp(cfg config.Config) (*App, func(), error) {
	logger, err := telemetry.InitLogger("chatc", cfg.Debug)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	tracer, meter, cleanup, err := telemetry.InitTelemetry(context.Background(), "chatc")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	backend, err := api.NewClient(cfg.ServerURL, logger, meter)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to create API client: %w", err)
	}

	app := &App{
		config: cfg,
		logger: logger,
	}

	eng, err := engine.NewEngine(backend, engine.NewTransportOpener(cfg, logger), logger, engine.Options{
		Tracer: tracer,
		Meter:  meter,
		Notify: app.render,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to create engine: %w", err)
	}
	app.engine = eng

	return app, cleanup, nil
}

// Run reads commands until EOF or /quit.
func (a *App) Run() error {
	fmt.Println("=== chatsync client ===")
	fmt.Printf("Server: %s\n", a.config.ServerURL)
	fmt.Println("Type /help for commands, /quit to exit")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	ctx := context.Background()

	for {
		fmt.Printf("%s> ", a.engine.View())
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			quit, err := a.handleCommand(ctx, input)
			if err != nil {
				fmt.Printf("Error: %v\n", err)
				a.logger.Error("command error", "error", err)
			}
			if quit {
				break
			}
			continue
		}

		// Bare text in the chatting view is a message.
		if a.engine.View() != chat.ViewChatting {
			fmt.Println("Not in a conversation. Type /help for commands.")
			continue
		}
		if err := a.engine.Submit(ctx, input); err != nil {
			var writeErr *chat.WriteError
			if errors.As(err, &writeErr) {
				fmt.Println("Couldn't send text (kept in log, marked failed)")
			} else {
				fmt.Printf("Error: %v\n", err)
			}
		}
	}

	fmt.Println("Goodbye!")
	return nil
}

// handleCommand dispatches a slash command, returning true to quit.
func (a *App) handleCommand(ctx context.Context, input string) (bool, error) {
	parts := strings.Fields(input)
	switch parts[0] {
	case "/help":
		a.printHelp()
		return false, nil
	case "/quit":
		return true, nil
	case "/login":
		if len(parts) != 3 {
			return false, fmt.Errorf("usage: /login <email> <password>")
		}
		if err := a.engine.Login(ctx, parts[1], parts[2]); err != nil {
			return false, err
		}
		fmt.Println("Login Successful")
		a.printContacts()
		return false, nil
	case "/register":
		if len(parts) != 4 {
			return false, fmt.Errorf("usage: /register <username> <email> <password>")
		}
		if err := a.engine.BeginRegistration(); err != nil {
			return false, err
		}
		if err := a.engine.Register(ctx, parts[1], parts[2], parts[3]); err != nil {
			a.engine.CancelRegistration()
			return false, err
		}
		fmt.Println("User Created Successfully; you can now /login")
		return false, nil
	case "/contacts":
		if err := a.engine.RefreshContacts(ctx); err != nil {
			return false, err
		}
		a.printContacts()
		return false, nil
	case "/open":
		if len(parts) != 2 {
			return false, fmt.Errorf("usage: /open <user-id>")
		}
		peerID, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return false, fmt.Errorf("invalid user id: %s", parts[1])
		}
		if err := a.engine.SelectContact(ctx, peerID); err != nil {
			return false, err
		}
		return false, nil
	case "/back":
		if err := a.engine.Back(); err != nil {
			return false, err
		}
		a.printContacts()
		return false, nil
	case "/logout":
		return false, a.engine.Logout()
	default:
		return false, fmt.Errorf("unknown command %s, try /help", parts[0])
	}
}

func (a *App) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /login <email> <password>                log in")
	fmt.Println("  /register <username> <email> <password>  create an account")
	fmt.Println("  /contacts                                refresh the contact list")
	fmt.Println("  /open <user-id>                          open a conversation")
	fmt.Println("  /back                                    leave the conversation")
	fmt.Println("  /logout                                  log out")
	fmt.Println("  /quit                                    exit")
	fmt.Println("Any other text in a conversation is sent as a message.")
}

func (a *App) printContacts() {
	contacts := a.engine.Contacts()
	if len(contacts) == 0 {
		fmt.Println("No contacts.")
		return
	}
	fmt.Println("Contacts:")
	for _, c := range contacts {
		fmt.Printf("  [%d] %s\n", c.UserID, c.Username)
	}
}

// render redraws the conversation after engine state changes. Only the
// chatting view repaints live; other views print on demand.
func (a *App) render() {
	if a.engine.View() != chat.ViewChatting {
		return
	}

	messages := a.engine.Messages()
	userID := a.engine.UserID()

	fmt.Println()
	for _, m := range messages {
		marker := "them"
		if m.SenderID == userID {
			marker = "you"
		}
		suffix := ""
		if m.Status == chat.DeliveryFailed {
			suffix = " [failed]"
		}
		fmt.Printf("  %s: %s%s\n", marker, m.Text, suffix)
	}
	if banner := a.engine.Banner(); banner != "" {
		fmt.Printf("  ! %s\n", banner)
	}
}
