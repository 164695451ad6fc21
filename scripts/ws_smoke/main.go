// Command ws_smoke exercises a running server end to end: it creates a
// session over the REST API, connects to its socket, performs one group
// creation and one join, then deletes the session and checks the terminal
// close code.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/edusort/groupsync-server/internal/auth"
	"github.com/edusort/groupsync-server/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	httpAddr := flag.String("http", "http://localhost:8080", "server HTTP base address")
	wsAddr := flag.String("ws", "ws://localhost:8080", "server WebSocket base address")
	code := flag.String("code", "smoke", "session code to create")
	secret := flag.String("secret", "", "JWT secret the server was started with")
	timeout := flag.Duration("timeout", 10*time.Second, "total timeout for the run")
	flag.Parse()

	if *secret == "" {
		return fmt.Errorf("a -secret matching the server is required")
	}
	token, err := auth.GenerateToken(&auth.JWTConfig{
		Secret:   []byte(*secret),
		Issuer:   "groupsync",
		Audience: "groupsync",
		TTL:      time.Hour,
	}, "smoke-host", "smoke")
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := createSession(ctx, *httpAddr, *code, token); err != nil {
		return err
	}
	defer deleteSession(*httpAddr, *code, token)

	url := fmt.Sprintf("%s/ws/%s?token=%s", *wsAddr, *code, token)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	var snap map[string]any
	if err := wsjson.Read(ctx, conn, &snap); err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	if snap["code"] != proto.CodeSnapshot {
		return fmt.Errorf("expected a snapshot first, got %v", snap["code"])
	}
	fmt.Println("snapshot ok")

	steps := []proto.Inbound{
		{Code: proto.CodeAddGroup, ID: "s1", Group: "alpha"},
		{Code: proto.CodeJoin, ID: "s2", Group: "alpha"},
	}
	for _, step := range steps {
		if err := wsjson.Write(ctx, conn, step); err != nil {
			return fmt.Errorf("send %s: %w", step.Code, err)
		}
		var reply map[string]any
		if err := wsjson.Read(ctx, conn, &reply); err != nil {
			return fmt.Errorf("read %s reply: %w", step.Code, err)
		}
		if reply["ok"] != float64(1) {
			return fmt.Errorf("%s failed: %v", step.Code, reply)
		}
		fmt.Printf("%s ok\n", step.Code)
	}

	if err := deleteSession(*httpAddr, *code, token); err != nil {
		return err
	}
	_, _, err = conn.Read(ctx)
	if status := websocket.CloseStatus(err); status != proto.CloseSessionDeleted {
		return fmt.Errorf("expected close %d after deletion, got %v", proto.CloseSessionDeleted, err)
	}
	fmt.Println("deletion close ok")
	return nil
}

func createSession(ctx context.Context, base, code, token string) error {
	body, _ := json.Marshal(map[string]any{"code": code, "groupSize": 4})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/sessions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("create session: status %d", resp.StatusCode)
	}
	return nil
}

func deleteSession(base, code, token string) error {
	req, err := http.NewRequest(http.MethodDelete, base+"/api/sessions/"+code, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete session: status %d", resp.StatusCode)
	}
	return nil
}
