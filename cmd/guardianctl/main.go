package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"guardian/pkg/auth"
	"guardian/pkg/custody"
	"guardian/pkg/deviceauth"
	"guardian/pkg/envelope"
	"guardian/pkg/models"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "gen-device-secret":
		return genDeviceSecret(args[1:], out)
	case "token-hash":
		return tokenHash(args[1:], out)
	case "mint-admin-token":
		return mintAdminToken(args[1:], out)
	case "sign-envelope":
		return signEnvelope(args[1:], out)
	case "verify-chain":
		return verifyChain(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "guardianctl commands:")
	fmt.Fprintln(out, "  gen-device-secret --out device.secret")
	fmt.Fprintln(out, "  token-hash --pepper <pepper> --token <opaque token>")
	fmt.Fprintln(out, "  mint-admin-token --secret <hs256 secret> --sub admin-1 --roles guardian --family fam-1 --ttl 1h")
	fmt.Fprintln(out, "  sign-envelope --envelope envelope.json --secret device.secret")
	fmt.Fprintln(out, "  verify-chain --chain chain.json")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func genDeviceSecret(args []string, out io.Writer) error {
	fs := newFlagSet("gen-device-secret")
	outPath := fs.String("out", "device.secret", "secret output path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}
	if err := os.WriteFile(*outPath, []byte(base64.StdEncoding.EncodeToString(secret)), 0o600); err != nil {
		return fmt.Errorf("write secret: %w", err)
	}
	fmt.Fprintf(out, "wrote %s\n", *outPath)
	return nil
}

func tokenHash(args []string, out io.Writer) error {
	fs := newFlagSet("token-hash")
	pepper := fs.String("pepper", "", "device token pepper")
	token := fs.String("token", "", "opaque device token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *pepper == "" || *token == "" {
		return errors.New("pepper and token required")
	}
	fmt.Fprintln(out, deviceauth.HashToken(*pepper, *token))
	return nil
}

func mintAdminToken(args []string, out io.Writer) error {
	fs := newFlagSet("mint-admin-token")
	secret := fs.String("secret", "", "hs256 signing secret")
	sub := fs.String("sub", "", "subject")
	roles := fs.String("roles", "guardian", "comma separated roles")
	family := fs.String("family", "", "family id, empty for staff tokens")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" || *sub == "" {
		return errors.New("secret and sub required")
	}
	roleList := []string{}
	for _, role := range strings.Split(*roles, ",") {
		if role = strings.TrimSpace(role); role != "" {
			roleList = append(roleList, role)
		}
	}
	if len(roleList) == 0 {
		return errors.New("at least one role required")
	}
	tok, err := auth.SignHS256Token(auth.TokenClaims{
		Sub:      *sub,
		Roles:    roleList,
		FamilyID: *family,
		Exp:      time.Now().Add(*ttl).Unix(),
	}, *secret)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	fmt.Fprintln(out, tok)
	return nil
}

func signEnvelope(args []string, out io.Writer) error {
	fs := newFlagSet("sign-envelope")
	envPath := fs.String("envelope", "", "envelope json path")
	secretPath := fs.String("secret", "", "base64 device secret path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *envPath == "" || *secretPath == "" {
		return errors.New("envelope and secret required")
	}
	raw, err := os.ReadFile(*envPath)
	if err != nil {
		return fmt.Errorf("read envelope: %w", err)
	}
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	secret, err := readSecret(*secretPath)
	if err != nil {
		return err
	}
	sig, err := envelope.Sign(env, secret)
	if err != nil {
		return fmt.Errorf("sign envelope: %w", err)
	}
	fmt.Fprintln(out, sig)
	return nil
}

func verifyChain(args []string, out io.Writer) error {
	fs := newFlagSet("verify-chain")
	chainPath := fs.String("chain", "", "chain dump json path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *chainPath == "" {
		return errors.New("chain required")
	}
	raw, err := os.ReadFile(*chainPath)
	if err != nil {
		return fmt.Errorf("read chain: %w", err)
	}
	var events []custody.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		// Accept the admin endpoint's wrapped form as well.
		var wrapped struct {
			Events []custody.Event `json:"events"`
		}
		if err2 := json.Unmarshal(raw, &wrapped); err2 != nil {
			return fmt.Errorf("decode chain: %w", err)
		}
		events = wrapped.Events
	}
	valid, badIndex := custody.VerifyChain(events)
	if !valid {
		return fmt.Errorf("chain broken at index %d of %d", badIndex, len(events))
	}
	fmt.Fprintf(out, "chain intact, %d events\n", len(events))
	return nil
}

func readSecret(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	trimmed := strings.TrimSpace(string(raw))
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		return decoded, nil
	}
	// Raw secrets are accepted for local testing.
	return []byte(trimmed), nil
}
