package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"carepro-chat/internal/chat"
	"carepro-chat/internal/config"
)

func main() {
	cfg := config.Load()

	userID := os.Getenv("CHAT_USER_ID")
	token := os.Getenv("CHAT_AUTH_TOKEN")
	if userID == "" || token == "" {
		log.Fatal("[MAIN] ❌ CHAT_USER_ID and CHAT_AUTH_TOKEN are required")
	}

	controller := chat.NewController(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	cleanup, err := controller.Initialize(ctx, userID, token)
	cancel()
	if err != nil {
		log.Fatalf("[MAIN] Failed to initialize chat session: %v", err)
	}
	defer cleanup()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	fmt.Println("🚀 Care-pro chat client ready. Commands: /list, /select <id>, /to <id> <text>, /del <id>, /quit")

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
		case <-stop:
			fmt.Println("\nShutdown signal received. Cleaning up...")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if done := handleLine(controller, line); done {
				return
			}
		}
	}
}

func handleLine(controller *chat.Controller, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	parts := strings.SplitN(line, " ", 3)
	switch parts[0] {
	case "/quit":
		return true

	case "/list":
		for _, conv := range controller.Conversations() {
			marker := " "
			if conv.IsOnline {
				marker = "*"
			}
			fmt.Printf("%s %s (%s) unread=%d | %s\n", marker, conv.Name, conv.ID, conv.UnreadCount, conv.LastMessage)
		}

	case "/select":
		if len(parts) < 2 {
			fmt.Println("usage: /select <conversationId>")
			return false
		}
		if err := controller.SelectConversation(ctx, parts[1], false); err != nil {
			fmt.Printf("select failed: %v\n", err)
			return false
		}
		for _, msg := range controller.Messages() {
			fmt.Printf("[%s] %s: %s (%s)\n", msg.Timestamp, msg.SenderID, msg.Content, msg.Status)
		}

	case "/to":
		if len(parts) < 3 {
			fmt.Println("usage: /to <receiverId> <text>")
			return false
		}
		id, err := controller.Send(ctx, parts[1], parts[2])
		if err != nil {
			fmt.Printf("send failed: %v\n", err)
			return false
		}
		fmt.Printf("sent %s\n", id)

	case "/del":
		if len(parts) < 2 {
			fmt.Println("usage: /del <messageId>")
			return false
		}
		if err := controller.DeleteMessage(ctx, parts[1]); err != nil {
			fmt.Printf("delete failed: %v\n", err)
		}

	default:
		fmt.Printf("connection: %s | unread: %v\n", controller.ConnectionState(), controller.UnreadMessages())
	}
	return false
}
