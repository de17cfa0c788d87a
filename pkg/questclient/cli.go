package questclient

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mr-tron/base58"

	"questboard/internal/chain"
	"questboard/internal/localstore"
	"questboard/internal/negotiation"
	"questboard/internal/wallet"
)

const (
	defaultStatePath   = "questctl-state.json"
	defaultServerURL   = "http://localhost:8090"
	defaultRPCEndpoint = "http://localhost:8899"
)

type stateFile struct {
	ServerURL     string `json:"server_url"`
	WalletAddress string `json:"wallet_address"`
	WalletSeed    string `json:"wallet_seed"`
	StorePath     string `json:"store_path"`
	UserName      string `json:"user_name,omitempty"`
	ProgramID     string `json:"program_id,omitempty"`
	RPCEndpoint   string `json:"rpc_endpoint,omitempty"`
}

type UsageError struct {
	Program string
}

func (u UsageError) Error() string {
	if u.Program == "" {
		u.Program = "questctl"
	}
	return fmt.Sprintf("Usage: %s <command> [options]", u.Program)
}

func (UsageError) UsageLines() []string {
	return []string{
		"Commands:",
		"  init         Generate a wallet, bind a session and register",
		"  propose      Send a quest proposal",
		"  offers       Sync the mailbox and print reconstructed offers",
		"  reject       Reject a received proposal",
		"  accept       Accept a proposal with a partially signed stake transaction",
		"  countersign  Countersign a received acceptance and settle",
		"  listen       Stay connected and process pushed notifications",
	}
}

func RunCLI(prog string, args []string, stderr io.Writer) error {
	if len(args) < 1 {
		return UsageError{Program: prog}
	}
	cmd := args[0]
	rest := args[1:]
	var err error
	switch cmd {
	case "init":
		err = runInit(rest)
	case "propose":
		err = runPropose(rest)
	case "offers":
		err = runOffers(rest)
	case "reject":
		err = runRespond(rest, "reject")
	case "accept":
		err = runRespond(rest, "accept")
	case "countersign":
		err = runRespond(rest, "countersign")
	case "listen":
		err = runListen(rest)
	default:
		return UsageError{Program: prog}
	}
	if err != nil {
		if stderr == nil {
			stderr = os.Stderr
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	return err
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	statePath := fs.String("state", getenv("QUESTCTL_STATE_PATH", defaultStatePath), "state file path")
	serverURL := fs.String("server", getenv("QUESTCTL_SERVER_URL", defaultServerURL), "room server base URL")
	userName := fs.String("name", "", "display name (optional)")
	programID := fs.String("program", os.Getenv("QUESTCTL_PROGRAM_ID"), "on-chain program id")
	rpcURL := fs.String("rpc", getenv("QUESTCTL_RPC_URL", defaultRPCEndpoint), "chain RPC endpoint")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := os.Stat(*statePath); err == nil {
		return fmt.Errorf("state file already exists at %s", *statePath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	pub, priv, err := wallet.GenerateKeypair()
	if err != nil {
		return err
	}
	state := stateFile{
		ServerURL:     *serverURL,
		WalletAddress: wallet.Address(pub),
		WalletSeed:    base58.Encode(priv.Seed()),
		StorePath:     *statePath + ".db",
		UserName:      *userName,
		ProgramID:     *programID,
		RPCEndpoint:   *rpcURL,
	}

	c, err := clientFromState(state)
	if err != nil {
		return err
	}
	if err := c.Bootstrap(context.Background()); err != nil {
		return err
	}
	if err := saveState(*statePath, state); err != nil {
		return err
	}
	fmt.Printf("registered: wallet=%s notif=%s\n", state.WalletAddress, c.NotifAddress())
	return nil
}

func runPropose(args []string) error {
	fs := flag.NewFlagSet("propose", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	statePath := fs.String("state", getenv("QUESTCTL_STATE_PATH", defaultStatePath), "state file path")
	to := fs.String("to", "", "counterparty wallet address")
	quest := fs.String("quest", "", "quest identifier")
	content := fs.String("content", "", "proposal text")
	stake := fs.Float64("stake", 0, "minimum stake")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *to == "" || *quest == "" {
		return fmt.Errorf("both -to and -quest are required")
	}

	c, err := loadClient(*statePath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := c.Propose(ctx, *to, *quest, *content, *stake); err != nil {
		return err
	}
	fmt.Println("proposal sent")
	return nil
}

func runOffers(args []string) error {
	fs := flag.NewFlagSet("offers", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	statePath := fs.String("state", getenv("QUESTCTL_STATE_PATH", defaultStatePath), "state file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := loadClient(*statePath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := c.Sync(ctx); err != nil {
		return err
	}
	offers := c.Offers()
	if len(offers) == 0 {
		fmt.Println("no offers")
		return nil
	}
	for _, offer := range offers {
		line := fmt.Sprintf("%s\t%s\tstake=%v\tfrom=%s", offer.Quest, offer.State, offer.MinStake, offer.Counterparty)
		if offer.ExpiresAt != nil {
			line += "\texpires=" + offer.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Println(line)
	}
	return nil
}

func runRespond(args []string, action string) error {
	fs := flag.NewFlagSet(action, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	statePath := fs.String("state", getenv("QUESTCTL_STATE_PATH", defaultStatePath), "state file path")
	quest := fs.String("quest", "", "quest identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *quest == "" {
		return fmt.Errorf("-quest is required")
	}

	c, err := loadClient(*statePath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := c.Sync(ctx); err != nil {
		return err
	}
	offer, ok := c.Offers()[*quest]
	if !ok {
		return fmt.Errorf("no offer for quest %s", *quest)
	}

	switch action {
	case "reject":
		if offer.State != negotiation.StateProposed {
			return fmt.Errorf("quest %s is %s, not proposed", *quest, offer.State)
		}
		err = c.Reject(ctx, offer)
	case "accept":
		if offer.State != negotiation.StateProposed {
			return fmt.Errorf("quest %s is %s, not proposed", *quest, offer.State)
		}
		err = c.Accept(ctx, offer)
	case "countersign":
		if offer.State != negotiation.StateAccepted {
			return fmt.Errorf("quest %s is %s, not accepted", *quest, offer.State)
		}
		err = c.Countersign(ctx, offer)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", action, *quest)
	return nil
}

func runListen(args []string) error {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	statePath := fs.String("state", getenv("QUESTCTL_STATE_PATH", defaultStatePath), "state file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := loadClient(*statePath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	fmt.Println("listening")
	return c.Run(ctx)
}

func loadClient(statePath string) (*Client, error) {
	data, err := os.ReadFile(statePath)
	if err != nil {
		return nil, err
	}
	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	c, err := clientFromState(state)
	if err != nil {
		return nil, err
	}
	if err := c.Bootstrap(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

func clientFromState(state stateFile) (*Client, error) {
	seed, err := base58.Decode(state.WalletSeed)
	if err != nil {
		return nil, fmt.Errorf("decode wallet seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("wallet seed must be %d bytes", ed25519.SeedSize)
	}
	store, err := localstore.Open(state.StorePath)
	if err != nil {
		return nil, err
	}
	return New(Config{
		BaseURL:       state.ServerURL,
		WalletAddress: state.WalletAddress,
		WalletKey:     ed25519.NewKeyFromSeed(seed),
		UserName:      state.UserName,
		Store:         store,
		Builder:       chain.NewProgram(state.ProgramID),
		Conn:          chain.NewRPCConn(state.RPCEndpoint),
	})
}

func saveState(path string, state stateFile) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
