// Command ledger-token mints a bearer token for an owner, signed with
// JWT_SECRET. Useful for local development against ledgerd.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"taxledger/internal/auth"
	"taxledger/internal/cli"
	"taxledger/internal/log"
)

func main() {
	owner := flag.String("owner", "", "owner id to put in the token subject")
	ttl := flag.Duration("ttl", 0, "token lifetime (default JWT_TTL)")
	flag.Parse()

	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"))
	cfg := cli.LoadAndValidateConfig(logger)

	expiresIn := cfg.JWTTTL
	if *ttl > 0 {
		expiresIn = *ttl
	}

	token, expiresAt, err := auth.NewTokenService(cfg.JWTSecret, expiresIn).GenerateToken(*owner)
	if err != nil {
		logger.Error("Failed to mint token", log.FieldError, err, log.FieldOwnerID, *owner)
		os.Exit(1)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.Format(time.RFC3339))
}
