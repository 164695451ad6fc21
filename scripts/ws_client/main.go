// Command ws_client is an interactive development client. It mints a local
// token, connects to a session socket, prints every inbound frame, and turns
// stdin lines into membership actions.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/edusort/groupsync-server/internal/auth"
	"github.com/edusort/groupsync-server/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_client: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080", "server base address")
	code := flag.String("code", "demo", "session code")
	user := flag.String("user", "cli-user", "user id to mint a token for")
	name := flag.String("name", "cli", "display name")
	secret := flag.String("secret", "", "JWT secret the server was started with")
	flag.Parse()

	if *secret == "" {
		return errors.New("a -secret matching the server is required")
	}
	token, err := auth.GenerateToken(&auth.JWTConfig{
		Secret:   []byte(*secret),
		Issuer:   "groupsync",
		Audience: "groupsync",
		TTL:      time.Hour,
	}, *user, *name)
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	url := fmt.Sprintf("%s/ws/%s?token=%s", *addr, *code, token)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	fmt.Printf("connected to session %s as %s\n", *code, *user)
	fmt.Println("commands: join <group> | leave | add <group> | remove <group> | clear <group> | clearall")

	go func() {
		defer cancel()
		printLoop(ctx, conn)
	}()

	inputLoop(ctx, conn)

	stop()
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	return nil
}

func printLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				log.Printf("closed: %d", status)
			} else if !errors.Is(err, context.Canceled) {
				log.Printf("read: %v", err)
			}
			return
		}
		var pretty map[string]any
		if json.Unmarshal(data, &pretty) == nil {
			fmt.Printf("<- %s\n", data)
		}
	}
}

func inputLoop(ctx context.Context, conn *websocket.Conn) {
	scanner := bufio.NewScanner(os.Stdin)
	seq := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		seq++
		msg := proto.Inbound{ID: "cli-" + strconv.Itoa(seq)}
		switch fields[0] {
		case "join":
			if len(fields) < 2 {
				fmt.Println("usage: join <group>")
				continue
			}
			msg.Code, msg.Group = proto.CodeJoin, fields[1]
		case "leave":
			msg.Code = proto.CodeLeave
		case "add":
			if len(fields) < 2 {
				fmt.Println("usage: add <group>")
				continue
			}
			msg.Code, msg.Group = proto.CodeAddGroup, fields[1]
		case "remove":
			if len(fields) < 2 {
				fmt.Println("usage: remove <group>")
				continue
			}
			msg.Code, msg.Group = proto.CodeRemoveGroup, fields[1]
		case "clear":
			if len(fields) < 2 {
				fmt.Println("usage: clear <group>")
				continue
			}
			msg.Code, msg.Group = proto.CodeClearGroup, fields[1]
		case "clearall":
			msg.Code = proto.CodeClearAll
		default:
			fmt.Println("unknown command")
			continue
		}
		if err := wsjson.Write(ctx, conn, msg); err != nil {
			log.Printf("send: %v", err)
			return
		}
	}
}
