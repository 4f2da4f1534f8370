package config

import (
	"flag"
	"os"
	"time"

	"github.com/restauth/tokend/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-d string   PostgreSQL DSN
//	-s string   JWT HMAC secret key override
//	-t int      access token validity override, seconds
//	-r int      refresh token validity override, seconds
//	-i string   issuer claim for signed tokens
//
// Notes:
//   - The function first filters os.Args to only the flags it recognizes
//     using flagx.FilterArgs, avoiding collisions with other components.
//   - Validity flags are accepted as integers in seconds; 0 keeps the value
//     from the persisted settings or the built-in default.
func parseFlags(config *Config) {
	// Filter args to include only the flags handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-s", "-t", "-r", "-i"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddr, "a", config.EndpointAddr, "address and port to run server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key override")
	fs.StringVar(&config.Issuer, "i", config.Issuer, "issuer claim")

	accessTokenValidity := fs.Int("t", int(config.AccessTokenValidity.Seconds()), "access token validity override (in seconds)")
	refreshTokenValidity := fs.Int("r", int(config.RefreshTokenValidity.Seconds()), "refresh token validity override (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.AccessTokenValidity = time.Duration(*accessTokenValidity) * time.Second
	config.RefreshTokenValidity = time.Duration(*refreshTokenValidity) * time.Second
}
