package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/CedrosPay/ticketing/internal/callbacks"
	"github.com/CedrosPay/ticketing/internal/config"
)

func main() {
	configPath := flag.String("config", "configs/local.yaml", "path to config yaml")
	reference := flag.String("reference", "notify-test", "payment reference used in the synthetic event")
	accessToken := flag.String("token", "testtkn2", "access token used in the synthetic event")
	quantity := flag.Int("quantity", 1, "ticket quantity")
	email := flag.String("email", "", "customer email forwarded to the gateway")
	phone := flag.String("phone", "", "customer phone forwarded to the gateway")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Callbacks.TicketIssuedURL == "" {
		log.Fatalf("callbacks ticket_issued_url is not configured")
	}

	event := callbacks.TicketEvent{
		PurchaseID:       "pur_notify_test",
		PaymentReference: *reference,
		AccessToken:      *accessToken,
		Quantity:         *quantity,
		CustomerEmail:    *email,
		CustomerPhone:    *phone,
		ConfirmedAt:      time.Now().UTC(),
	}

	if err := callbacks.SendOnce(context.Background(), cfg.Callbacks, event); err != nil {
		log.Fatalf("send notification: %v", err)
	}

	fmt.Println("ticket.issued delivered to", cfg.Callbacks.TicketIssuedURL)
}
