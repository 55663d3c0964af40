package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"strings"

	"qazna.org/authcore/internal/ids"
)

func main() {
	kid := flag.String("kid", "", "key id for the signing key (default: a new ULID)")
	size := flag.Int("bytes", 32, "signing secret length in bytes (minimum 32)")
	seal := flag.Bool("seal", true, "also print a sealing key")
	flag.Parse()

	if *size < 32 {
		fmt.Fprintln(os.Stderr, "authkey: -bytes must be at least 32")
		os.Exit(2)
	}
	id := strings.TrimSpace(*kid)
	if id == "" {
		id = strings.ToLower(ids.New())
	}
	if strings.ContainsAny(id, ":,") {
		fmt.Fprintln(os.Stderr, "authkey: -kid must not contain ':' or ','")
		os.Exit(2)
	}

	secret, err := randomKey(*size)
	if err != nil {
		fmt.Fprintf(os.Stderr, "authkey: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("AUTHCORE_SIGNING_KEYS=%s:%s\n", id, secret)

	if *seal {
		key, err := randomKey(32)
		if err != nil {
			fmt.Fprintf(os.Stderr, "authkey: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("AUTHCORE_SEAL_KEY=%s\n", key)
	}
}

func randomKey(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
