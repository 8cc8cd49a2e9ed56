package main

import (
	"context"
	"log"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "consentctl",
		Usage: "Sign and verify ConsentBridge detached JWS payloads and board receipts",
		Commands: []*cli.Command{
			{
				Name:  "keygen",
				Usage: "Generate a P-256 signing key and print its public JWK",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "kid", Usage: "key id to put in the JWK (default: random)"},
					&cli.StringFlag{Name: "out", Usage: "write the PKCS#8 PEM private key to this file instead of stdout"},
				},
				Action: runKeygen,
			},
			{
				Name:  "sign",
				Usage: "Sign a payload file and print the compact JWS",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", Usage: "PEM private key file (ES256)"},
					&cli.StringFlag{Name: "hs256-secret", Usage: "shared secret (HS256 demo mode)"},
					&cli.StringFlag{Name: "payload", Usage: "payload file", Required: true},
					&cli.StringFlag{Name: "kid", Usage: "key id placed in the JWS header"},
				},
				Action: runSign,
			},
			{
				Name:  "verify",
				Usage: "Verify a compact JWS against a payload file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "jwks", Usage: "JWKS file or http(s) URL"},
					&cli.StringFlag{Name: "hs256-secret", Usage: "shared secret (HS256 demo mode)"},
					&cli.StringFlag{Name: "payload", Usage: "payload file", Required: true},
					&cli.StringFlag{Name: "signature", Usage: "compact JWS, or @file to read it from a file", Required: true},
				},
				Action: runVerify,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
