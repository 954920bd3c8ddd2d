package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"santosobot/sdk/go/santoso"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8000", "gateway base url")
	session := flag.String("session", "sdk-example", "session name")
	message := flag.String("m", "List the files in the workspace.", "message to send")
	flag.Parse()

	client, err := santoso.NewClient(*baseURL, nil)
	if err != nil {
		log.Fatalf("create client: %v", err)
	}
	client.SetAPIKey(os.Getenv("SANTOSOBOT_API_KEY"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		log.Fatalf("health: %v", err)
	}
	fmt.Printf("gateway %s (model %s, up %ds)\n", health.Status, health.Model, health.UptimeSeconds)

	result, err := client.Chat(ctx, *session, *message)
	if err != nil {
		if santoso.IsBusy(err) {
			log.Fatalf("session %s is busy, try again later", *session)
		}
		log.Fatalf("chat: %v", err)
	}
	for _, step := range result.ToolTrace {
		fmt.Printf("  > %s %s (%dms)\n", step.Tool, step.Status, step.DurationMs)
	}
	fmt.Println(result.Content)

	page, err := client.Memory(ctx, santoso.MemoryQuery{SessionID: result.SessionID, Limit: 5})
	if err != nil {
		log.Fatalf("memory: %v", err)
	}
	fmt.Printf("%d recent records, resume after seq %d\n", len(page.Records), page.NextAfter)
}
