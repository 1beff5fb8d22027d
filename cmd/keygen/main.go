// Command keygen manages a node's Ed25519 replication identity outside of
// the daemon's own implicit LoadOrGenerate-on-first-start path: an operator
// can pre-provision a passphrase-protected key before the node ever runs,
// or inspect an existing one's fingerprint.
//
// Grounded on cmd/keygen/main.go's generate/show command shape, trimmed of
// the export/backup command (no replication-core counterpart) and aimed at
// internal/identity's keypair instead of the teacher's separate keystore
// package.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/term"

	"github.com/artifactkeeper/replicore/internal/identity"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "generate":
		generateCmd(os.Args[2:])
	case "show":
		showCmd(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("keygen - replicore node identity tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  keygen generate [flags]  generate a new node identity key")
	fmt.Println("  keygen show [flags]      print an existing key's fingerprint")
}

func generateCmd(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	path := fs.String("path", defaultKeyPath(), "path to write the node identity key")
	noPassphrase := fs.Bool("no-passphrase", false, "write the key unencrypted (insecure)")
	force := fs.Bool("force", false, "overwrite an existing key without prompting")
	fs.Parse(args)

	if !*force {
		if _, err := os.Stat(*path); err == nil {
			fmt.Printf("%s already exists. Overwrite? [y/N]: ", *path)
			var resp string
			fmt.Scanln(&resp)
			if resp != "y" && resp != "Y" {
				fmt.Println("aborted")
				return
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(*path), 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "create key directory: %v\n", err)
		os.Exit(1)
	}

	kp, err := identity.Generate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
		os.Exit(1)
	}

	if *noPassphrase {
		if err := kp.Save(*path); err != nil {
			fmt.Fprintf(os.Stderr, "save key: %v\n", err)
			os.Exit(1)
		}
	} else {
		passphrase, err := promptPassphrase()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		if err := kp.SaveEncrypted(*path, passphrase); err != nil {
			fmt.Fprintf(os.Stderr, "save key: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Println()
	fmt.Println("node identity generated")
	fmt.Printf("  fingerprint: %s\n", kp.Fingerprint())
	fmt.Printf("  stored at:   %s\n", *path)
	if *noPassphrase {
		fmt.Println()
		fmt.Println("WARNING: key stored without passphrase protection")
	}
}

func promptPassphrase() (string, error) {
	fmt.Print("Enter passphrase: ")
	first, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	fmt.Print("Confirm passphrase: ")
	second, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passphrases do not match")
	}
	if len(first) == 0 {
		return "", fmt.Errorf("passphrase must not be empty (use -no-passphrase to skip encryption)")
	}
	return string(first), nil
}

func showCmd(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	path := fs.String("path", defaultKeyPath(), "path to the node identity key")
	encrypted := fs.Bool("encrypted", false, "the key at path is passphrase-protected")
	fs.Parse(args)

	var kp *identity.KeyPair
	var err error
	if *encrypted {
		fmt.Print("Enter passphrase: ")
		pass, perr := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if perr != nil {
			fmt.Fprintf(os.Stderr, "read passphrase: %v\n", perr)
			os.Exit(1)
		}
		kp, err = identity.LoadEncrypted(*path, string(pass))
	} else {
		kp, err = identity.Load(*path)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "load key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("node identity:")
	fmt.Printf("  fingerprint: %s\n", kp.Fingerprint())
	fmt.Printf("  stored at:   %s\n", *path)
}

func defaultKeyPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".local", "share", "replicore", "keys", "node.key")
}
