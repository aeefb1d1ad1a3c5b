// Command chat is the interactive terminal client: room + password
// gate, display-name claim, message compose loop, presence and typing
// rendering.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/parley/chat-app/internal/docstore"
	"github.com/parley/chat-app/internal/message"
	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/presence"
	"github.com/parley/chat-app/internal/room"
	"github.com/parley/chat-app/internal/session"
)

type config struct {
	RedisAddr   string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	NATSURL     string `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:""`
	IdentityID  string `envconfig:"IDENTITY_ID" default:""`
	StateFile   string `envconfig:"STATE_FILE" default:""`
}

func main() {
	var cfg config
	if err := envconfig.Process("parley", &cfg); err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.StateFile == "" {
		cfg.StateFile = session.DefaultLastRoomPath()
	}

	storeConfig := docstore.DefaultRedisConfig()
	storeConfig.RedisAddr = cfg.RedisAddr
	storeConfig.NATSURL = cfg.NATSURL
	storeConfig.Name = "parley-chat"

	store, err := docstore.NewRedisStore(storeConfig)
	if err != nil {
		log.Fatalf("failed to connect to store: %v", err)
	}
	defer store.Close()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				log.Printf("[metrics] serve: %v", err)
			}
		}()
	}

	log.Printf("Parley chat client starting")
	log.Printf("  redis_addr:   %s", cfg.RedisAddr)
	log.Printf("  nats_url:     %s", cfg.NATSURL)
	log.Printf("  metrics_addr: %s", cfg.MetricsAddr)
	log.Printf("  state_file:   %s", cfg.StateFile)

	sess := session.New(store, cfg.IdentityID, session.DefaultConfig())
	stdin := bufio.NewScanner(os.Stdin)
	ctx := context.Background()

	// Best-effort cleanup on both SIGINT and SIGTERM; Leave is
	// idempotent so a signal racing the normal exit path is safe.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, leaving room...", sig)
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		sess.Leave(leaveCtx)
		cancel()
		os.Exit(0)
	}()

	if !join(ctx, sess, stdin, cfg.StateFile) {
		return
	}

	renderCtx, stopRender := context.WithCancel(ctx)
	go render(renderCtx, sess)

	for {
		line, ok := readLine(stdin, "")
		if !ok {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			stopRender()
			sess.Leave(ctx)
			return
		case line == "/leave":
			sess.Leave(ctx)
			if !join(ctx, sess, stdin, cfg.StateFile) {
				stopRender()
				return
			}
		case line == "/who":
			printOccupants(sess)
		case line == "/clear":
			confirm, _ := readLine(stdin, "This permanently deletes the room's message history. Type yes to confirm: ")
			if strings.TrimSpace(confirm) != "yes" {
				fmt.Println("cancelled")
				continue
			}
			if err := sess.ClearHistory(ctx); err != nil {
				log.Printf("[chat] clear history: %v", err)
			}
		default:
			if err := sess.Send(ctx, line); err != nil {
				if errors.Is(err, message.ErrEmptyMessage) {
					continue
				}
				// Transient store failures are retryable by just
				// sending again; never fatal.
				log.Printf("[chat] send failed (retry by resending): %v", err)
			}
		}
	}

	stopRender()
	sess.Leave(ctx)
}

// join runs the room + password + name forms until the user is in a
// room or gives up. Every failure path returns to a navigable prompt.
func join(ctx context.Context, sess *session.Session, stdin *bufio.Scanner, stateFile string) bool {
	for {
		prompt := "room name: "
		if last := session.LoadLastRoom(stateFile); last != "" {
			prompt = fmt.Sprintf("room name [%s]: ", last)
		}
		name, ok := readLine(stdin, prompt)
		if !ok {
			return false
		}
		if strings.TrimSpace(name) == "" {
			name = session.LoadLastRoom(stateFile)
		}

		normalized, _, err := sess.Rooms().Resolve(ctx, name)
		creating := false
		switch {
		case errors.Is(err, room.ErrInvalidName):
			fmt.Println("room names use letters, digits, and hyphens")
			continue
		case errors.Is(err, room.ErrNotFound):
			answer, ok := readLine(stdin, fmt.Sprintf("room %q does not exist. create it? [y/N] ", normalized))
			if !ok {
				return false
			}
			if !strings.EqualFold(strings.TrimSpace(answer), "y") {
				continue
			}
			creating = true
		case err != nil:
			log.Printf("[chat] resolve room: %v", err)
			continue
		}

		prompt = "password: "
		if creating {
			prompt = "new room password: "
		}
		password, ok := readLine(stdin, prompt)
		if !ok {
			return false
		}

		display, ok := readLine(stdin, "display name: ")
		if !ok {
			return false
		}

		result, err := sess.Enter(ctx, normalized, password, strings.TrimSpace(display))
		switch {
		case errors.Is(err, room.ErrBadPassword):
			fmt.Println("wrong password, try again")
			continue
		case errors.Is(err, presence.ErrNameTaken):
			fmt.Println("that name is taken by someone in the room")
			continue
		case err != nil:
			log.Printf("[chat] join failed: %v", err)
			continue
		}

		if err := session.SaveLastRoom(stateFile, normalized); err != nil {
			log.Printf("[chat] save last room: %v", err)
		}
		verb := "joined"
		if result.Rejoined {
			verb = "rejoined"
		}
		fmt.Printf("%s %s — share this room: %s\n", verb, normalized, room.Fragment(normalized))
		return true
	}
}

// render tails the ledger and the typing set. New messages print as
// they land; a reordering (a pending timestamp resolving) re-prints
// the tail rather than interleaving edits into scrollback.
func render(ctx context.Context, sess *session.Session) {
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()

	var printed int
	var lastTypers string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgs := sess.Messages()
			if len(msgs) < printed {
				printed = 0 // history wiped or room switched
			}
			for _, m := range msgs[printed:] {
				printMessage(m)
			}
			printed = len(msgs)

			typers := sess.Typers(ctx)
			sort.Strings(typers)
			line := typingLine(typers)
			if line != lastTypers {
				lastTypers = line
				if line != "" {
					fmt.Println(line)
				}
			}
		}
	}
}

func printMessage(m message.Message) {
	switch m.Type {
	case message.TypeEvent:
		fmt.Printf("  * %s\n", m.Text)
	default:
		when := "…"
		if m.Timestamp != 0 {
			when = time.UnixMilli(m.Timestamp).Format("15:04:05")
		}
		fmt.Printf("[%s] %s: %s\n", when, m.Name, m.Text)
	}
}

func printOccupants(sess *session.Session) {
	occupants := sess.Occupants()
	names := make([]string, 0, len(occupants))
	for _, rec := range occupants {
		names = append(names, rec.Name)
	}
	sort.Strings(names)
	fmt.Printf("%d here: %s\n", len(names), strings.Join(names, ", "))
}

func typingLine(typers []string) string {
	switch len(typers) {
	case 0:
		return ""
	case 1:
		return typers[0] + " is typing..."
	default:
		return strings.Join(typers, ", ") + " are typing..."
	}
}

func readLine(stdin *bufio.Scanner, prompt string) (string, bool) {
	if prompt != "" {
		fmt.Print(prompt)
	}
	if !stdin.Scan() {
		return "", false
	}
	return stdin.Text(), true
}
