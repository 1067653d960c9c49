// duet CLI - command line client for the duet chat service
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/eldtechnologies/duet/clients/go/duet"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	client := duet.NewClient(os.Getenv("DUET_URL"), "")
	cmd := os.Args[1]

	switch cmd {
	case "health":
		resp, err := client.Health()
		exitOnError(err)
		printJSON(resp)

	case "me":
		resp, err := client.Me()
		exitOnError(err)
		printJSON(resp)

	case "connect":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: duet connect <uid>")
			os.Exit(1)
		}
		resp, err := client.Connect(os.Args[2])
		exitOnError(err)
		fmt.Printf("Room: %s\n", resp.Room.ID)

	case "rooms":
		rooms, err := client.ListRooms()
		exitOnError(err)
		for _, r := range rooms {
			partner := ""
			if r.Partner != nil {
				partner = r.Partner.Username
				if r.Partner.IsOnline {
					partner += " (online)"
				}
			}
			fmt.Printf("  %s  %s\n", r.ID, partner)
		}

	case "read":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: duet read <room_id>")
			os.Exit(1)
		}
		resp, err := client.GetMessages(os.Args[2], 20, time.Time{})
		exitOnError(err)
		for _, msg := range resp.Messages {
			printMessage(msg)
		}

	case "send":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: duet send <room_id> <message>")
			os.Exit(1)
		}
		msg, err := client.SendMessage(duet.Draft{
			RoomID:  os.Args[2],
			Type:    "text",
			Content: strings.Join(os.Args[3:], " "),
		})
		exitOnError(err)
		fmt.Printf("Sent: %s\n", msg.ID)

	case "tail":
		tail(client)

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

// tail prints live events until interrupted.
func tail(client *duet.Client) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	stream, err := client.Dial(ctx)
	exitOnError(err)
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-stream.Events:
			if !ok {
				fmt.Fprintln(os.Stderr, "connection closed")
				return
			}
			if evt.Name == "message:recv" {
				var msg duet.Message
				if evt.Decode(&msg) == nil {
					printMessage(msg)
					continue
				}
			}
			fmt.Printf("%s %s\n", evt.Name, evt.Data)
		}
	}
}

func usage() {
	fmt.Println(`duet CLI - two-party chat client

Usage: duet <command> [options]

Commands:
  connect <uid>             Open the room shared with a user
  rooms                     List your rooms
  read <room>               Show recent messages in a room
  send <room> <message>     Send a text message
  tail                      Stream live events
  me                        Show your profile
  health                    Check server health

Environment:
  DUET_URL      Server URL (default: http://localhost:8080)
  DUET_TOKEN    Bearer token (see cmd/devtoken)`)
}

func printMessage(msg duet.Message) {
	ts := msg.CreatedAt.Local().Format("2006-01-02 15:04:05")
	from := msg.SenderID
	if len(from) > 8 {
		from = from[:8]
	}
	fmt.Printf("[%s] %s: %s (%s)\n", ts, from, msg.Content, msg.Status)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
