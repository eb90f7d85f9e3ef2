package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	rtrelay "github.com/voicewire/rtrelay-go"
	"github.com/voicewire/rtrelay-go/tool"
)

func must(err error) {
	if err != nil {
		panic(err)
	}
}

type searchCarsArgs struct {
	Query string `json:"query" jsonschema:"description=Free-text search over the car catalog"`
}

type customerOrdersArgs struct {
	CustomerID string `json:"customer_id" jsonschema:"description=The customer to look up"`
}

type updateAccountArgs struct {
	CustomerID string `json:"customer_id" jsonschema:"description=The customer account to change"`
	Email      string `json:"email,omitempty" jsonschema:"description=New contact email"`
}

var catalog = []map[string]any{
	{"id": "car_1", "model": "Aurora GT", "year": 2024, "price": 48900},
	{"id": "car_2", "model": "Delta Tour", "year": 2023, "price": 31500},
	{"id": "car_3", "model": "Pioneer EV", "year": 2025, "price": 55200},
}

func main() {
	var (
		addr        = ":8765"
		debug       = false
		instruction = "You are a dealership voice assistant. Answer briefly. " +
			"Use the search_cars tool for any question about available cars and " +
			"always ground your answer in its results."
	)

	flag.StringVar(&addr, "addr", addr, "listen address")
	flag.StringVar(&instruction, "instruction", instruction, "system prompt forced onto every session")
	flag.BoolVar(&debug, "debug", false, "enable debug logs")
	flag.Parse()

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	relay := rtrelay.NewRelay(
		rtrelay.WithLogger(logger),
		rtrelay.WithInstructions(instruction),
		rtrelay.WithVoice("alloy"),
		rtrelay.WithTemperature(0.7),
		rtrelay.WithMaxOutputTokens(1024),
	)

	// Search results go straight to the browser for rendering; the model only
	// learns that the search happened.
	searchDef, err := tool.DefinitionFor[searchCarsArgs]("search_cars", "Search the car catalog")
	must(err)
	must(relay.RegisterTool(searchDef, func(_ context.Context, args map[string]any) (tool.Result, error) {
		query, _ := args["query"].(string)
		var hits []map[string]any
		for _, car := range catalog {
			if query == "" || strings.Contains(strings.ToLower(fmt.Sprint(car["model"])), strings.ToLower(query)) {
				hits = append(hits, car)
			}
		}
		return tool.JSON(map[string]any{"query": query, "results": hits}, tool.ToClient), nil
	}))

	ordersDef, err := tool.DefinitionFor[customerOrdersArgs]("get_customer_orders", "Look up a customer's open orders")
	must(err)
	must(relay.RegisterTool(ordersDef, func(_ context.Context, args map[string]any) (tool.Result, error) {
		customerID, _ := args["customer_id"].(string)
		if customerID == "" {
			return tool.Result{}, fmt.Errorf("customer_id is required")
		}
		return tool.JSON(map[string]any{
			"customer_id": customerID,
			"orders": []map[string]any{
				{"order_id": "ord_1001", "model": "Delta Tour", "status": "in transit"},
			},
		}, tool.ToServer), nil
	}))

	accountDef, err := tool.DefinitionFor[updateAccountArgs]("update_account", "Update a customer's contact details")
	must(err)
	must(relay.RegisterTool(accountDef, func(_ context.Context, args map[string]any) (tool.Result, error) {
		customerID, _ := args["customer_id"].(string)
		if customerID == "" {
			return tool.Result{}, fmt.Errorf("customer_id is required")
		}
		return tool.Text(fmt.Sprintf("account %s updated at %s", customerID, time.Now().Format(time.RFC3339)), tool.ToServer), nil
	}))

	mux := http.NewServeMux()
	relay.Attach(mux, "/realtime")

	logger.Info("relay listening", slog.String("addr", addr), slog.String("path", "/realtime"))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("server stopped", slog.Any("err", err))
		os.Exit(1)
	}
}
