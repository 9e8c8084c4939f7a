// Command probe checks a running server end to end: token, websocket
// greeting, ping and one streamed chat turn.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/cress/domain/entities"
	"github.com/satriahrh/cress/internal/api"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "server base URL")
	name := flag.String("name", "probe", "client name for the token")
	chat := flag.String("chat", "Ping from the probe. How is the signal?", "chat text to send; empty skips the turn")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	base, err := url.Parse(*server)
	if err != nil {
		logger.Fatal("Invalid server URL", zap.Error(err))
	}

	// Step 1: Get authentication token
	token, err := fetchToken(base, *name)
	if err != nil {
		logger.Fatal("Failed to get token", zap.Error(err))
	}
	logger.Info("Token acquired", zap.Bool("auth", token != ""))

	// Step 2: Connect to WebSocket with token
	wsURL := *base
	wsURL.Scheme = strings.Replace(base.Scheme, "http", "ws", 1)
	wsURL.Path = "/ws"
	if token != "" {
		q := wsURL.Query()
		q.Set("token", token)
		wsURL.RawQuery = q.Encode()
	}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL.String(), nil)
	if err != nil {
		if resp != nil {
			logger.Fatal("WebSocket connection failed", zap.Int("status", resp.StatusCode), zap.Error(err))
		}
		logger.Fatal("WebSocket connection failed", zap.Error(err))
	}
	defer conn.Close()

	// Step 3: greeting, then ping
	for _, want := range []string{"voice_state", "mode"} {
		msg, err := readMessage(conn)
		if err != nil {
			logger.Fatal("Failed to read greeting", zap.Error(err))
		}
		logger.Info("Greeting received", zap.String("type", want), zap.Any("message", msg))
	}

	if err := conn.WriteJSON(map[string]string{"type": "ping", "data": "probe"}); err != nil {
		logger.Fatal("Failed to send ping", zap.Error(err))
	}
	for {
		msg, err := readMessage(conn)
		if err != nil {
			logger.Fatal("Failed to read pong", zap.Error(err))
		}
		if msg["type"] == "pong" {
			logger.Info("Pong received", zap.Any("message_id", msg["message_id"]))
			break
		}
	}

	// Step 4: one streamed chat turn
	if *chat == "" {
		return
	}
	final, err := sendChat(base, token, *chat)
	if err != nil {
		logger.Fatal("Chat turn failed", zap.Error(err))
	}
	logger.Info("Chat turn finished",
		zap.String("reply", final.Text),
		zap.Int("citations", len(final.Citations)))
}

func fetchToken(base *url.URL, name string) (string, error) {
	body, _ := json.Marshal(api.TokenRequest{ClientName: name})
	resp, err := http.Post(base.JoinPath("/api/v1/auth/token").String(), "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}

	var tokenResp api.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	return tokenResp.Token, nil
}

func readMessage(conn *websocket.Conn) (map[string]interface{}, error) {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg map[string]interface{}
	err := conn.ReadJSON(&msg)
	return msg, err
}

func sendChat(base *url.URL, token, text string) (entities.ChatMessage, error) {
	body, _ := json.Marshal(api.SendMessageRequest{Text: text})
	req, err := http.NewRequest(http.MethodPost, base.JoinPath("/api/v1/chat/messages").String(), bytes.NewReader(body))
	if err != nil {
		return entities.ChatMessage{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return entities.ChatMessage{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp api.ErrorResponse
		json.NewDecoder(resp.Body).Decode(&errResp)
		return entities.ChatMessage{}, fmt.Errorf("chat failed with status %d: %s", resp.StatusCode, errResp.Message)
	}

	var (
		event string
		final entities.ChatMessage
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var msg entities.ChatMessage
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg); err != nil {
				return entities.ChatMessage{}, err
			}
			if msg.Sender == entities.SenderBot {
				fmt.Printf("\r%s", msg.Text)
			}
			if event == "done" {
				fmt.Println()
				final = msg
			}
		}
	}
	return final, scanner.Err()
}
