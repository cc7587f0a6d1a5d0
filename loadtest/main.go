package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"chat-ingest/pkg/logger"
)

var (
	baseURL  = flag.String("base", "http://localhost:8080", "server base url")
	senders  = flag.Int("senders", 50, "concurrent senders in the chat")
	msgCount = flag.Int("messages", 20, "messages per sender")
	settle   = flag.Duration("settle", 10*time.Second, "how long to wait for events after the last send")
)

type user struct {
	ID int64 `json:"id"`
}

type chat struct {
	ID int64 `json:"id"`
}

type participant struct {
	UserID      int64 `json:"user_id"`
	UnreadCount int64 `json:"unread_count"`
}

func main() {
	flag.Parse()
	log := logger.New("development", "info")
	if err := run(log); err != nil {
		log.Error().Err(err).Msg("load test failed")
		os.Exit(1)
	}
	log.Info().Msg("load test passed")
}

// run puts every sender and one silent observer into a single chat, fires
// all messages concurrently, then checks that the observer's unread counter
// equals the number of messages sent.
func run(log zerolog.Logger) error {
	ctx := context.Background()
	expected := int64(*senders * *msgCount)
	log.Info().Int("senders", *senders).Int("messages", *msgCount).Msg("starting stress test")

	observer, err := createUser(ctx, "observer")
	if err != nil {
		return err
	}
	ids := make([]int64, *senders)
	for i := range ids {
		u, err := createUser(ctx, fmt.Sprintf("sender_%d", i))
		if err != nil {
			return err
		}
		ids[i] = u.ID
	}

	var c chat
	err = call(ctx, http.MethodPost, "/api/chats", map[string]any{
		"title":      "load test",
		"member_ids": append([]int64{observer.ID}, ids...),
	}, &c)
	if err != nil {
		return errors.Wrap(err, "loadtest.run.createChat")
	}

	// The observer listens for message.created events over the websocket.
	wsURL := strings.Replace(*baseURL, "http", "ws", 1) + fmt.Sprintf("/ws?user_id=%d", observer.ID)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return errors.Wrap(err, "loadtest.run.dialObserver")
	}
	defer conn.Close()
	var received atomic.Int64
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received.Add(int64(bytes.Count(data, []byte(`"message.created"`))))
		}
	}()

	start := time.Now()
	var partial atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			for i := 0; i < *msgCount; i++ {
				status, err := send(gctx, c.ID, id, fmt.Sprintf("load test msg %d from %d", i, id))
				if err != nil {
					return err
				}
				if status == http.StatusAccepted {
					partial.Add(1)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Dur("elapsed", time.Since(start)).Int64("partial", partial.Load()).Msg("all messages sent")

	deadline := time.Now().Add(*settle)
	for {
		var participants []participant
		if err := call(ctx, http.MethodGet, fmt.Sprintf("/api/chats/%d/participants", c.ID), nil, &participants); err != nil {
			return err
		}
		var unread int64
		for _, p := range participants {
			if p.UserID == observer.ID {
				unread = p.UnreadCount
			}
		}
		if unread == expected {
			log.Info().Int64("unread", unread).Int64("events", received.Load()).Msg("observer counter matches")
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Errorf("observer unread = %d, want %d", unread, expected)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func createUser(ctx context.Context, name string) (*user, error) {
	var u user
	if err := call(ctx, http.MethodPost, "/api/users", map[string]string{"display_name": name}, &u); err != nil {
		return nil, errors.Wrapf(err, "loadtest.createUser %s", name)
	}
	return &u, nil
}

func send(ctx context.Context, chatID, senderID int64, text string) (int, error) {
	body, _ := json.Marshal(map[string]any{"sender_id": senderID, "text": text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/api/chats/%d/messages", *baseURL, chatID), bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return resp.StatusCode, errors.Errorf("send from %d: status %d", senderID, resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func call(ctx context.Context, method, path string, in, out any) error {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, *baseURL+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
