package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"

	"sharemarket/cmd/internal/secret"
	"sharemarket/core"
	"sharemarket/core/genesis"
)

const (
	tokenCommand   = "token"
	genesisCommand = "check-genesis"
	defaultSecret  = "MARKETD_HMAC_SECRET"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case tokenCommand:
		err = runToken(os.Args[2:])
	case genesisCommand:
		err = runCheckGenesis(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runToken(args []string) error {
	fs := flag.NewFlagSet(tokenCommand, flag.ExitOnError)
	subject := fs.String("sub", "", "Marketplace address the token acts for")
	scopes := fs.String("scope", "", "Space or comma separated scopes (marketplace.admin, marketplace.operator)")
	issuer := fs.String("issuer", "", "Issuer claim; must match the daemon's auth.issuer when set")
	audience := fs.String("audience", "", "Audience claim")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	secretEnv := fs.String("secret-env", defaultSecret, "Environment variable holding the HMAC secret")
	fs.Parse(args)

	token, err := signToken(secret.NewSource(*secretEnv, "HMAC secret: "), tokenRequest{
		Subject:  *subject,
		Scopes:   *scopes,
		Issuer:   *issuer,
		Audience: *audience,
		TTL:      *ttl,
		Now:      time.Now(),
	})
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

type secretSource interface {
	Get() (string, error)
}

type tokenRequest struct {
	Subject  string
	Scopes   string
	Issuer   string
	Audience string
	TTL      time.Duration
	Now      time.Time
}

func signToken(src secretSource, req tokenRequest) (string, error) {
	if !common.IsHexAddress(strings.TrimSpace(req.Subject)) {
		return "", fmt.Errorf("-sub must be a hex address")
	}
	if req.TTL <= 0 {
		return "", fmt.Errorf("-ttl must be positive")
	}
	key, err := src.Get()
	if err != nil {
		return "", err
	}
	claims := jwt.MapClaims{
		"sub":   common.HexToAddress(req.Subject).Hex(),
		"iat":   req.Now.Unix(),
		"exp":   req.Now.Add(req.TTL).Unix(),
		"scope": strings.Join(strings.FieldsFunc(req.Scopes, func(r rune) bool { return r == ',' || r == ' ' }), " "),
	}
	if req.Issuer != "" {
		claims["iss"] = req.Issuer
	}
	if req.Audience != "" {
		claims["aud"] = req.Audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
}

func runCheckGenesis(args []string) error {
	fs := flag.NewFlagSet(genesisCommand, flag.ExitOnError)
	path := fs.String("genesis", "services/marketd/genesis.json", "Path to the genesis file")
	fs.Parse(args)

	summary, err := checkGenesis(*path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

type genesisSummary struct {
	Admin     string   `json:"admin"`
	Currency  string   `json:"currency"`
	Adapters  []string `json:"adapters"`
	Releases  []uint64 `json:"releases"`
	VaultSize int      `json:"vaultTokens"`
}

// checkGenesis builds the full marketplace from the file so every wiring
// error surfaces before the daemon is deployed.
func checkGenesis(path string) (genesisSummary, error) {
	spec, err := genesis.LoadGenesisSpec(path)
	if err != nil {
		return genesisSummary{}, err
	}
	m, err := core.New(spec)
	if err != nil {
		return genesisSummary{}, err
	}
	out := genesisSummary{
		Admin:    m.Admin().Hex(),
		Currency: m.Settings.Load().Currency.Hex(),
		Adapters: m.Aggregator.Adapters(),
	}
	for _, r := range spec.Releases {
		out.Releases = append(out.Releases, r.ID)
	}
	if m.Vault != nil {
		out.VaultSize = len(m.Vault.SupportedTokens())
	}
	return out, nil
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: marketctl <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  %s    Sign an API bearer token for marketd\n", tokenCommand)
	fmt.Fprintf(os.Stderr, "  %s    Build the marketplace from a genesis file and print a summary\n", genesisCommand)
}
