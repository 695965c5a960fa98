package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"medledger/pkg/wallet"
)

const usage = "usage: walletctl import --wallet <dir> --label <name> --mspid <msp> --msp-dir <path> | walletctl list --wallet <dir> | walletctl remove --wallet <dir> --label <name>"

func main() {
	if len(os.Args) < 2 {
		fail(usage)
	}
	switch os.Args[1] {
	case "import":
		runImport(os.Args[2:])
	case "list":
		runList(os.Args[2:])
	case "remove":
		runRemove(os.Args[2:])
	default:
		fail(usage)
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}

// runImport enrolls an admin identity from Fabric MSP materials: the
// certificate under signcerts/ and the private key under keystore/.
func runImport(args []string) {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	walletDir := fs.String("wallet", "wallet", "wallet directory")
	label := fs.String("label", "", "identity label, e.g. hospitalAdmin")
	mspID := fs.String("mspid", "", "MSP id, e.g. HospitalApolloMSP")
	mspDir := fs.String("msp-dir", "", "path to the identity's msp directory")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	if strings.TrimSpace(*label) == "" || strings.TrimSpace(*mspID) == "" || strings.TrimSpace(*mspDir) == "" {
		fail("--label, --mspid and --msp-dir are required")
	}

	cert, err := readSingleFile(filepath.Join(*mspDir, "signcerts"))
	if err != nil {
		fail("read certificate: " + err.Error())
	}
	key, err := readSingleFile(filepath.Join(*mspDir, "keystore"))
	if err != nil {
		fail("read private key: " + err.Error())
	}

	w, err := wallet.New(*walletDir)
	if err != nil {
		fail("open wallet: " + err.Error())
	}
	id := wallet.Identity{
		MSPID:          *mspID,
		CertificatePEM: string(cert),
		PrivateKeyPEM:  string(key),
	}
	if err := w.Put(*label, id); err != nil {
		fail("store identity: " + err.Error())
	}
	fmt.Printf("imported %s (%s)\n", *label, *mspID)
}

func runList(args []string) {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	walletDir := fs.String("wallet", "wallet", "wallet directory")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}

	w, err := wallet.New(*walletDir)
	if err != nil {
		fail("open wallet: " + err.Error())
	}
	labels, err := w.List()
	if err != nil {
		fail("list identities: " + err.Error())
	}
	for _, label := range labels {
		fmt.Println(label)
	}
}

func runRemove(args []string) {
	fs := flag.NewFlagSet("remove", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	walletDir := fs.String("wallet", "wallet", "wallet directory")
	label := fs.String("label", "", "identity label")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	if strings.TrimSpace(*label) == "" {
		fail("--label is required")
	}

	w, err := wallet.New(*walletDir)
	if err != nil {
		fail("open wallet: " + err.Error())
	}
	if err := w.Remove(*label); err != nil {
		fail("remove identity: " + err.Error())
	}
	fmt.Printf("removed %s\n", *label)
}

// readSingleFile returns the contents of the only regular file in dir.
// Fabric MSP layouts hold exactly one cert in signcerts and one key in
// keystore, under generated names.
func readSingleFile(dir string) ([]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var path string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if path != "" {
			return nil, fmt.Errorf("%s holds more than one file", dir)
		}
		path = filepath.Join(dir, e.Name())
	}
	if path == "" {
		return nil, fmt.Errorf("%s holds no files", dir)
	}
	return os.ReadFile(path)
}
