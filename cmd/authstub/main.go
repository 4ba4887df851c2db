// Command authstub runs the development stand-in for the auth service,
// exposing the register/login/verify contract the gateway depends on.
package main

import (
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"github.com/teamboard/gateway/internal/authstub"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	port := os.Getenv("AUTHSTUB_PORT")
	if port == "" {
		port = "3002"
	}
	secret := os.Getenv("GATEWAY_JWT_SECRET")
	if secret == "" {
		secret = "dev-secret-key"
		logger.Warn("GATEWAY_JWT_SECRET not set, using development default")
	}

	stub := authstub.New(secret, authstub.WithLogger(logger))

	logger.Info("starting auth stub", slog.String("port", port))
	if err := http.ListenAndServe(fmt.Sprintf(":%s", port), stub.Handler()); err != nil {
		log.Fatalf("Auth stub failed: %v", err)
	}
}
