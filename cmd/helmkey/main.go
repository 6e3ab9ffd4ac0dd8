package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"helmkey/go-custody/internal/cipher"
	"helmkey/go-custody/internal/config"
	"helmkey/go-custody/internal/identity"
	"helmkey/go-custody/internal/keyhandle"
	"helmkey/go-custody/internal/keystore"
	"helmkey/go-custody/internal/platform/privacylog"
	"helmkey/go-custody/internal/platform/ratelimiter"
	"helmkey/go-custody/internal/secrets"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const usage = `helmkey <command> [flags]

Commands:
  status        show provisioning state and generation
  provision     create (or recover) the device key
  unlock        check a password and print the account id
  mask          compute a password-change mask for sibling stores
  apply-mask    re-key the store with a mask from another device
  proof         render a public identity ownership proof
`

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	dataDir := flag.String("data-dir", defaultDataDir(), "Directory for custody local data")
	flag.Parse()
	if *showVersion {
		fmt.Printf("helmkey version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}
	if flag.NArg() < 1 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := config.LoadFromPath(*configPath, *dataDir)
	logger := slog.New(privacylog.WrapHandler(slog.NewTextHandler(os.Stderr, nil)))

	ks, err := openKeystore(cfg, logger)
	if err != nil {
		log.Fatalf("helmkey: %v", err)
	}

	if err := run(flag.Arg(0), flag.Args()[1:], ks); err != nil {
		log.Fatalf("helmkey %s: %v", flag.Arg(0), err)
	}
}

func openKeystore(cfg config.Config, logger *slog.Logger) (*keystore.Keystore, error) {
	scheme, err := keyhandle.SchemeByName(cfg.Custody.Scheme)
	if err != nil {
		return nil, err
	}
	return keystore.Open(cfg.Custody.Path,
		keystore.WithScheme(scheme),
		keystore.WithLogger(logger),
		keystore.WithCipher(cipher.NewArgon2Cipher(cipher.Params{
			Time:     cfg.Custody.KDFTime,
			MemoryKB: cfg.Custody.KDFMemoryKB,
			Threads:  cfg.Custody.KDFThreads,
		})),
		keystore.WithAttemptLimiter(
			ratelimiter.NewAttemptLimiter(cfg.Custody.UnlockPerMin, cfg.Custody.UnlockBurst, 0),
		),
	)
}

func run(command string, args []string, ks *keystore.Keystore) error {
	switch command {
	case "status":
		fmt.Printf("provisioned=%t gen=%d\n", ks.Provisioned(), ks.Gen())
		return nil
	case "provision":
		return runProvision(args, ks)
	case "unlock":
		return runUnlock(ks)
	case "mask":
		return runMask(ks)
	case "apply-mask":
		return runApplyMask(args, ks)
	case "proof":
		return runProof(args, ks)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func runProvision(args []string, ks *keystore.Keystore) error {
	fs := flag.NewFlagSet("provision", flag.ExitOnError)
	force := fs.Bool("force", false, "overwrite an existing device key")
	suri := fs.String("suri", "", "recover the key from a secret URI instead of generating")
	mnemonic := fs.Bool("mnemonic", false, "recover the key from a mnemonic phrase read from stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}

	password, err := promptPassword("Password: ")
	if err != nil {
		return err
	}
	confirmation, err := promptPassword("Confirm password: ")
	if err != nil {
		return err
	}
	if err := secrets.ConfirmPassword(password, confirmation); err != nil {
		return err
	}

	var handle *keyhandle.KeyHandle
	switch {
	case *suri != "":
		handle, err = keyhandle.FromSURI(*suri)
	case *mnemonic:
		var phrase string
		phrase, err = promptLine("Mnemonic: ")
		if err == nil {
			handle, err = keyhandle.FromMnemonic(phrase)
		}
	default:
		handle, err = keyhandle.Generate()
	}
	if err != nil {
		return err
	}

	accountID, err := ks.SetDeviceKey(handle, password, ks.Gen(), *force)
	if err != nil {
		return err
	}
	fmt.Printf("account_id=%s gen=%d\n", accountID, ks.Gen())
	return nil
}

func runUnlock(ks *keystore.Keystore) error {
	password, err := promptPassword("Password: ")
	if err != nil {
		return err
	}
	if err := ks.Unlock(password); err != nil {
		return err
	}
	accountID, err := ks.AccountID()
	if err != nil {
		return err
	}
	fmt.Printf("account_id=%s gen=%d\n", accountID, ks.Gen())
	ks.Lock()
	return nil
}

func runMask(ks *keystore.Keystore) error {
	password, err := promptPassword("Current password: ")
	if err != nil {
		return err
	}
	newPassword, err := promptPassword("New password: ")
	if err != nil {
		return err
	}
	confirmation, err := promptPassword("Confirm new password: ")
	if err != nil {
		return err
	}
	if err := secrets.ConfirmPassword(newPassword, confirmation); err != nil {
		return err
	}

	if err := ks.Unlock(password); err != nil {
		return err
	}
	defer ks.Lock()

	mask, nextGen, err := ks.ChangePasswordMask(newPassword)
	if err != nil {
		return err
	}
	if err := ks.ApplyMask(mask, nextGen); err != nil {
		return err
	}
	fmt.Printf("mask=%s next_gen=%d\n", mask.Encode(), nextGen)
	fmt.Println("apply this mask on every sibling copy of the store")
	return nil
}

func runApplyMask(args []string, ks *keystore.Keystore) error {
	fs := flag.NewFlagSet("apply-mask", flag.ExitOnError)
	encoded := fs.String("mask", "", "mask from the device that changed the password")
	genArg := fs.String("gen", "", "generation the mask targets")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *encoded == "" || *genArg == "" {
		return fmt.Errorf("both -mask and -gen are required")
	}
	mask, err := secrets.DecodeMask(*encoded)
	if err != nil {
		return err
	}
	nextGen, err := strconv.ParseUint(*genArg, 10, 16)
	if err != nil {
		return fmt.Errorf("invalid generation %q", *genArg)
	}
	if err := ks.ApplyMask(mask, uint16(nextGen)); err != nil {
		return err
	}
	fmt.Printf("gen=%d\n", ks.Gen())
	return nil
}

func runProof(args []string, ks *keystore.Keystore) error {
	fs := flag.NewFlagSet("proof", flag.ExitOnError)
	serviceArg := fs.String("service", "", "claimed account, e.g. alice@github")
	object := fs.String("object", "", "object the proof commits to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	service, err := identity.ParseService(*serviceArg)
	if err != nil {
		return err
	}

	password, err := promptPassword("Password: ")
	if err != nil {
		return err
	}
	if err := ks.Unlock(password); err != nil {
		return err
	}
	defer ks.Lock()

	signer, err := ks.Signer()
	if err != nil {
		return err
	}
	sig := signer.Sign([]byte(service.String() + "|" + *object))
	fmt.Print(identity.ProofBody(service, signer.AccountID(), *object, fmt.Sprintf("%x", sig)))
	return nil
}

func promptPassword(prompt string) (secrets.Password, error) {
	line, err := promptLine(prompt)
	if err != nil {
		return secrets.Password{}, err
	}
	return secrets.NewPassword(line), nil
}

func promptLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".helmkey"
	}
	return home + "/.helmkey"
}
