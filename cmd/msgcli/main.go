// Command msgcli joins a conversation as a user, prints its messages and typing changes, and
// sends every stdin line as a message.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"messaging-service/internal/client"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8083", "messaging service base URL")
	userID := flag.Int("user", 0, "user id to bind")
	conversationID := flag.Int("conversation", 0, "conversation to join")
	flag.Parse()

	if *userID <= 0 || *conversationID <= 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter := client.NewAdapter(client.Config{BaseURL: *baseURL})
	defer adapter.Cleanup()

	if err := adapter.Initialize(ctx, *userID); err != nil {
		log.Fatalf("initialize: %v", err)
	}
	if err := waitConnected(ctx, adapter); err != nil {
		log.Fatalf("connect: %v", err)
	}

	messages, err := adapter.SubscribeToMessages(ctx, *conversationID)
	if err != nil {
		log.Fatalf("subscribe: %v", err)
	}
	typing, err := adapter.SubscribeToTypingStatus(ctx, *conversationID)
	if err != nil {
		log.Fatalf("subscribe typing: %v", err)
	}

	go func() {
		for {
			select {
			case msg, ok := <-messages.C:
				if !ok {
					return
				}
				fmt.Printf("[%s] %d: %s\n", msg.CreatedAt.Local().Format(time.Kitchen), msg.SenderID, msg.Content)
			case status, ok := <-typing.C:
				if !ok {
					return
				}
				if status.IsTyping {
					fmt.Printf("... user %d is typing\n", status.UserID)
				}
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
			if _, err := adapter.SendMessage(ctx, *conversationID, *userID, line); err != nil {
				log.Printf("send: %v", err)
			}
		}
	}
}

func waitConnected(ctx context.Context, adapter *client.Adapter) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(15 * time.Second)
	for {
		switch adapter.State() {
		case client.StateConnected:
			return nil
		case client.StateClosed:
			return fmt.Errorf("connection rejected")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return fmt.Errorf("timed out in state %s", adapter.State())
		case <-ticker.C:
		}
	}
}
