package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"stakepool/config"
	"stakepool/crypto"
	"stakepool/gateway/middleware"
	"stakepool/internal/passphrase"
)

const (
	keygenCommand  = "keygen"
	addressCommand = "address"
	tokenCommand   = "token"
	poolCommand    = "pool"

	defaultPassEnv = "STAKECTL_PASSPHRASE"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case keygenCommand:
		err = runKeygen(os.Args[2:])
	case addressCommand:
		err = runAddress(os.Args[2:])
	case tokenCommand:
		err = runToken(os.Args[2:])
	case poolCommand:
		err = runPool(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runKeygen(args []string) error {
	fs := flag.NewFlagSet(keygenCommand, flag.ExitOnError)
	out := fs.String("out", "participant.keystore", "Output path for the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	fs.Parse(args)

	addr, err := generateKeystore(*out, passphrase.NewLabeledSource(*passEnv, "participant keystore"), *force)
	if err != nil {
		return err
	}
	fmt.Printf("Wrote keystore for %s to %s\n", addr, *out)
	return nil
}

func generateKeystore(path string, secret *passphrase.Source, force bool) (crypto.Address, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return crypto.Address{}, fmt.Errorf("keystore file %s already exists (use --force to overwrite)", path)
		} else if !os.IsNotExist(err) {
			return crypto.Address{}, err
		}
	}
	pass, err := secret.Get()
	if err != nil {
		return crypto.Address{}, err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return crypto.Address{}, err
	}
	if err := crypto.SaveToKeystore(path, key, pass); err != nil {
		return crypto.Address{}, fmt.Errorf("failed to write keystore: %w", err)
	}
	return key.PubKey().Address(), nil
}

func runAddress(args []string) error {
	fs := flag.NewFlagSet(addressCommand, flag.ExitOnError)
	keystore := fs.String("keystore", "participant.keystore", "Keystore to inspect")
	keyFile := fs.String("key-file", "", "File holding a raw hex private key; overrides -keystore")
	fs.Parse(args)

	var (
		addr crypto.Address
		err  error
	)
	if *keyFile != "" {
		addr, err = addressFromKeyFile(*keyFile)
	} else {
		addr, err = crypto.KeystoreAddress(*keystore)
	}
	if err != nil {
		return err
	}
	fmt.Println(addr)
	return nil
}

// addressFromKeyFile derives the participant address of a raw secp256k1 key
// stored as hex, with or without a 0x prefix.
func addressFromKeyFile(path string) (crypto.Address, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("read key file: %w", err)
	}
	text := strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x")
	decoded, err := hex.DecodeString(text)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("key file must hold a hex private key: %w", err)
	}
	key, err := crypto.PrivateKeyFromBytes(decoded)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("parse private key: %w", err)
	}
	return key.PubKey().Address(), nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet(tokenCommand, flag.ExitOnError)
	keystore := fs.String("keystore", "participant.keystore", "Keystore whose key the token is issued for")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	secretEnv := fs.String("secret-env", "STAKINGD_HMAC_SECRET", "Environment variable containing the stakingd HMAC secret")
	issuer := fs.String("issuer", "stakingd", "Token issuer")
	audience := fs.String("audience", "stakepool", "Token audience")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	fs.Parse(args)

	token, err := issueToken(*keystore, passphrase.NewLabeledSource(*passEnv, "participant keystore"), os.Getenv(*secretEnv), *issuer, *audience, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// issueToken decrypts the keystore before signing so a token is only minted
// for a key the caller controls.
func issueToken(keystore string, secret *passphrase.Source, hmacSecret, issuer, audience string, ttl time.Duration) (string, error) {
	pass, err := secret.Get()
	if err != nil {
		return "", err
	}
	key, err := crypto.LoadFromKeystore(keystore, pass)
	if err != nil {
		return "", fmt.Errorf("open keystore: %w", err)
	}
	return middleware.IssueToken(hmacSecret, key.PubKey().Address(), issuer, audience, ttl)
}

func runPool(args []string) error {
	fs := flag.NewFlagSet(poolCommand, flag.ExitOnError)
	path := fs.String("file", "pool.toml", "Pool definition to validate")
	fs.Parse(args)

	if _, err := os.Stat(*path); err != nil {
		return err
	}
	pool, err := config.LoadPool(*path, "")
	if err != nil {
		return err
	}
	operator, err := pool.Operator()
	if err != nil {
		return fmt.Errorf("read operator keystore: %w", err)
	}
	fmt.Printf("Token:        %s (%d decimals)\n", pool.Token.Symbol, pool.Token.Decimals)
	fmt.Printf("Operator:     %s\n", operator)
	fmt.Printf("Window:       %s to %s\n", pool.Pool.StartTime.UTC().Format(time.RFC3339), pool.Pool.EndTime.UTC().Format(time.RFC3339))
	fmt.Printf("Rate:         %d bps\n", pool.Pool.InterestRateBps)
	fmt.Printf("Cap:          %d\n", pool.Pool.MaxPerAddress)
	fmt.Printf("Allocations:  %d\n", len(pool.Allocations))
	return nil
}

func usage() {
	fmt.Println("stakectl <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Printf("  %s     Generate a participant keystore\n", keygenCommand)
	fmt.Printf("  %s    Print the address of a keystore or raw key file\n", addressCommand)
	fmt.Printf("  %s      Issue a stakingd bearer token for a keystore\n", tokenCommand)
	fmt.Printf("  %s       Validate and summarise a pool definition\n", poolCommand)
}
