package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/harrylevesque/keybar/internal/files"
)

// test-stubbables
var (
	osExit           = os.Exit
	stdout io.Writer = os.Stdout
)

func main() {
	out := flag.String("out", "master.key", "path of the master key file to write")
	force := flag.Bool("force", false, "overwrite an existing key file")
	flag.Parse()

	if err := run(*out, *force); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, files.ErrMasterKeyExists) {
			fmt.Fprintln(os.Stderr, "Refusing to overwrite; pass -force to replace it.")
		}
		osExit(1)
	}
}

func run(path string, force bool) error {
	if err := files.WriteMasterKey(path, force); err != nil {
		return err
	}
	// read it back so a bad write never goes unnoticed
	if _, err := files.ReadMasterKeyFile(path); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Master key written to %s\n", path)
	return nil
}
